// Package publisher talks to the social platforms a post is published to.
//
// Every adapter reports failures through the error values in errors.go so
// callers can tell transient failures from permanent ones without knowing
// which platform produced them.
package publisher

import (
	"context"
	"time"

	"golang.org/x/oauth2"

	"github.com/maheshrc27/postflow/internal/models"
)

// expirySkew treats credentials that expire within this window as expired.
const expirySkew = time.Minute

// httpTimeout caps a single request made by the default platform clients.
const httpTimeout = 2 * time.Minute

// defaultTokenLifetime applies when a refresh response carries no expiry.
const defaultTokenLifetime = 60 * 24 * time.Hour

type Result struct {
	RemoteID string         `json:"remote_id"`
	URL      string         `json:"url,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

type Publisher interface {
	Platform() models.Platform
	IsCredentialExpired(acc *models.SocialAccount) bool
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
	Publish(ctx context.Context, accessToken, content string, mediaURLs []string) (*Result, error)
}

func tokenExpired(acc *models.SocialAccount) bool {
	if acc.TokenExpiresAt.IsZero() {
		return false
	}
	return time.Now().Add(expirySkew).After(acc.TokenExpiresAt)
}
