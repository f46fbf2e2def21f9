package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/linkedin"

	"github.com/maheshrc27/postflow/internal/models"
)

const linkedInAPIURL = "https://api.linkedin.com/v2"

type LinkedInConfig struct {
	ClientID     string
	ClientSecret string
	// APIBaseURL and Endpoint default to the public LinkedIn endpoints.
	APIBaseURL string
	Endpoint   oauth2.Endpoint
	HTTPClient *http.Client
}

type linkedInPublisher struct {
	oauth   *oauth2.Config
	baseURL string
	client  *http.Client
}

func NewLinkedIn(cfg LinkedInConfig) Publisher {
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = linkedInAPIURL
	}
	if cfg.Endpoint.TokenURL == "" {
		cfg.Endpoint = linkedin.Endpoint
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: httpTimeout}
	}
	return &linkedInPublisher{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     cfg.Endpoint,
		},
		baseURL: strings.TrimRight(cfg.APIBaseURL, "/"),
		client:  cfg.HTTPClient,
	}
}

func (l *linkedInPublisher) Platform() models.Platform { return models.PlatformLinkedIn }

func (l *linkedInPublisher) IsCredentialExpired(acc *models.SocialAccount) bool {
	return tokenExpired(acc)
}

func (l *linkedInPublisher) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, l.client)
	tok, err := l.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, refreshError("linkedin", err)
	}
	return tok, nil
}

type linkedInShare struct {
	Owner        string                `json:"owner"`
	Text         linkedInText          `json:"text"`
	Content      *linkedInShareContent `json:"content,omitempty"`
	Distribution struct {
		LinkedInDistributionTarget struct{} `json:"linkedInDistributionTarget"`
	} `json:"distribution"`
}

type linkedInText struct {
	Text string `json:"text"`
}

type linkedInShareContent struct {
	ContentEntities []linkedInEntity `json:"contentEntities"`
}

type linkedInEntity struct {
	EntityLocation string `json:"entityLocation"`
}

func (l *linkedInPublisher) Publish(ctx context.Context, accessToken, content string, mediaURLs []string) (*Result, error) {
	var profile struct {
		ID string `json:"id"`
	}
	if err := l.do(ctx, http.MethodGet, "/me", accessToken, nil, &profile); err != nil {
		return nil, err
	}
	if profile.ID == "" {
		return nil, fmt.Errorf("%w: linkedin profile without id", ErrServiceError)
	}

	share := linkedInShare{
		Owner: "urn:li:person:" + profile.ID,
		Text:  linkedInText{Text: content},
	}
	if len(mediaURLs) > 0 {
		share.Content = &linkedInShareContent{}
		for _, u := range mediaURLs {
			share.Content.ContentEntities = append(share.Content.ContentEntities, linkedInEntity{EntityLocation: u})
		}
	}

	var created struct {
		ID       string `json:"id"`
		Activity string `json:"activity"`
	}
	if err := l.do(ctx, http.MethodPost, "/shares", accessToken, share, &created); err != nil {
		return nil, err
	}

	res := &Result{RemoteID: created.ID, Data: map[string]any{"owner": share.Owner}}
	if created.Activity != "" {
		res.Data["activity"] = created.Activity
		res.URL = "https://www.linkedin.com/feed/update/" + created.Activity
	}
	return res, nil
}

func (l *linkedInPublisher) do(ctx context.Context, method, path, accessToken string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode linkedin request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, l.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("X-Restli-Protocol-Version", "2.0.0")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("linkedin %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read linkedin response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(data, &apiErr)
		return statusError("linkedin", resp.StatusCode, apiErr.Message)
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("%w: decode linkedin response: %v", ErrServiceError, err)
		}
	}
	return nil
}
