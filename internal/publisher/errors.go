package publisher

import (
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
)

var (
	ErrNotConnected        = errors.New("platform account not connected")
	ErrUnauthorized        = errors.New("platform rejected credentials")
	ErrRateLimited         = errors.New("platform rate limit reached")
	ErrServiceError        = errors.New("platform service error")
	ErrRejected            = errors.New("platform rejected the post")
	ErrUnsupportedPlatform = errors.New("unsupported platform")
)

// Permanent reports whether retrying err cannot succeed without user action.
func Permanent(err error) bool {
	return errors.Is(err, ErrNotConnected) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrRejected) ||
		errors.Is(err, ErrUnsupportedPlatform)
}

// statusError maps an HTTP status from a platform API onto the error taxonomy.
func statusError(platform string, status int, message string) error {
	var kind error
	switch {
	case status == http.StatusUnauthorized:
		kind = ErrUnauthorized
	case status == http.StatusTooManyRequests:
		kind = ErrRateLimited
	case status >= 500:
		kind = ErrServiceError
	case status >= 400:
		kind = ErrRejected
	default:
		return nil
	}
	if message == "" {
		message = http.StatusText(status)
	}
	return fmt.Errorf("%w: %s %d: %s", kind, platform, status, message)
}

// refreshError classifies a failed token refresh. A refused grant means the
// user has to reconnect the account.
func refreshError(platform string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		status := re.Response.StatusCode
		if status == http.StatusBadRequest || status == http.StatusUnauthorized {
			return fmt.Errorf("%w: %s refresh: %s", ErrUnauthorized, platform, re.ErrorCode)
		}
		return statusError(platform+" refresh", status, re.ErrorDescription)
	}
	return fmt.Errorf("%s refresh: %w", platform, err)
}
