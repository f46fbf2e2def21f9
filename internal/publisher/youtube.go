package publisher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"

	"github.com/maheshrc27/postflow/internal/models"
)

const maxYoutubeTitle = 100

type YoutubeConfig struct {
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
}

type youtubePublisher struct {
	oauth  *oauth2.Config
	client *http.Client
}

func NewYoutube(cfg YoutubeConfig) Publisher {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: httpTimeout}
	}
	return &youtubePublisher{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Scopes:       []string{youtube.YoutubeUploadScope},
			Endpoint:     google.Endpoint,
		},
		client: cfg.HTTPClient,
	}
}

func (y *youtubePublisher) Platform() models.Platform { return models.PlatformYoutube }

func (y *youtubePublisher) IsCredentialExpired(acc *models.SocialAccount) bool {
	return tokenExpired(acc)
}

func (y *youtubePublisher) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, y.client)
	tok, err := y.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, refreshError("youtube", err)
	}
	return tok, nil
}

// Publish uploads the first media URL as a video. The first line of content
// becomes the title and the full content the description.
func (y *youtubePublisher) Publish(ctx context.Context, accessToken, content string, mediaURLs []string) (*Result, error) {
	if len(mediaURLs) == 0 {
		return nil, fmt.Errorf("%w: youtube requires a video", ErrRejected)
	}

	media, err := y.download(ctx, mediaURLs[0])
	if err != nil {
		return nil, err
	}
	defer media.Body.Close()

	httpClient := oauth2.NewClient(
		context.WithValue(ctx, oauth2.HTTPClient, y.client),
		oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken}),
	)
	svc, err := youtube.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("youtube client: %w", err)
	}

	video := &youtube.Video{
		Snippet: &youtube.VideoSnippet{
			Title:       youtubeTitle(content),
			Description: content,
			CategoryId:  "22",
		},
		Status: &youtube.VideoStatus{PrivacyStatus: "public"},
	}
	uploaded, err := svc.Videos.Insert([]string{"snippet", "status"}, video).Media(media.Body).Context(ctx).Do()
	if err != nil {
		return nil, youtubeError(err)
	}

	return &Result{
		RemoteID: uploaded.Id,
		URL:      "https://youtu.be/" + uploaded.Id,
	}, nil
}

func (y *youtubePublisher) download(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: bad media url: %v", ErrRejected, err)
	}
	resp, err := y.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download media: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("%w: media download status %d", ErrServiceError, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: media download status %d", ErrRejected, resp.StatusCode)
	}
	return resp, nil
}

func youtubeTitle(content string) string {
	title := strings.TrimSpace(strings.SplitN(content, "\n", 2)[0])
	if r := []rune(title); len(r) > maxYoutubeTitle {
		title = string(r[:maxYoutubeTitle])
	}
	if title == "" {
		title = "Untitled"
	}
	return title
}

func youtubeError(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		if gerr.Code == http.StatusForbidden && youtubeQuotaExceeded(gerr) {
			return fmt.Errorf("%w: youtube: %s", ErrRateLimited, gerr.Message)
		}
		return statusError("youtube", gerr.Code, gerr.Message)
	}
	return fmt.Errorf("youtube upload: %w", err)
}

func youtubeQuotaExceeded(gerr *googleapi.Error) bool {
	for _, item := range gerr.Errors {
		switch item.Reason {
		case "quotaExceeded", "rateLimitExceeded", "userRateLimitExceeded", "uploadLimitExceeded":
			return true
		}
	}
	return false
}
