// Package instagram publishes approved artifacts through a Graph-style
// media API: create a media container, then publish it.
package instagram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"StudioFeed/internal/config"
	"StudioFeed/internal/domain"
	"StudioFeed/internal/ports"
)

// Publisher pushes a slot's image and caption to the social feed.
type Publisher struct {
	endpoint    string
	accessToken string
	accountID   string
	client      *http.Client
}

var _ ports.Publisher = (*Publisher)(nil)

// NewPublisher builds a publisher from configuration.
func NewPublisher(cfg config.InstagramConfig) *Publisher {
	return &Publisher{
		endpoint:    strings.TrimSuffix(cfg.Endpoint, "/"),
		accessToken: cfg.AccessToken,
		accountID:   cfg.AccountID,
		client:      &http.Client{Timeout: 30 * time.Second},
	}
}

type idResponse struct {
	ID string `json:"id"`
}

// Publish creates and publishes a media container, returning the published
// media ID.
func (p *Publisher) Publish(ctx context.Context, slot *domain.ScheduledSlot) (string, error) {
	if p.accessToken == "" || p.accountID == "" {
		return "", fmt.Errorf("instagram publisher misconfigured")
	}
	img := slot.Result.GeneratedImage
	if img == nil {
		return "", fmt.Errorf("slot %s has no generated image", slot.ID)
	}

	container, err := p.post(ctx, fmt.Sprintf("/%s/media", p.accountID), url.Values{
		"image_url": {img.Ref},
		"caption":   {slot.Result.Caption},
	})
	if err != nil {
		return "", fmt.Errorf("create media container: %w", err)
	}

	published, err := p.post(ctx, fmt.Sprintf("/%s/media_publish", p.accountID), url.Values{
		"creation_id": {container},
	})
	if err != nil {
		return "", fmt.Errorf("publish media container: %w", err)
	}
	return published, nil
}

func (p *Publisher) post(ctx context.Context, path string, form url.Values) (string, error) {
	form.Set("access_token", p.accessToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+path, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("graph api error: %s", resp.Status)
	}

	var parsed idResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if parsed.ID == "" {
		return "", fmt.Errorf("graph api returned empty id")
	}
	return parsed.ID, nil
}
