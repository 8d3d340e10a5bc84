// Package telegram delivers approval requests to reviewers via bot API.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"StudioFeed/internal/domain"
	"StudioFeed/internal/ports"
)

// Channel sends artifact notifications with approve/reject buttons to a
// Telegram chat.
type Channel struct {
	botToken string
	chatID   string
	client   *http.Client
}

var _ ports.ApprovalChannel = (*Channel)(nil)

// NewChannel registers bot token and chat identifier.
func NewChannel(botToken, chatID string) *Channel {
	return &Channel{
		botToken: botToken,
		chatID:   chatID,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

type sendMessageResponse struct {
	OK     bool `json:"ok"`
	Result struct {
		MessageID int64 `json:"message_id"`
	} `json:"result"`
}

// Notify posts the artifact with inline approve/reject buttons and returns
// the Telegram message ID for correlation.
func (c *Channel) Notify(ctx context.Context, slot *domain.ScheduledSlot) (string, error) {
	if c.botToken == "" || c.chatID == "" {
		return "", fmt.Errorf("telegram channel misconfigured")
	}

	text := fmt.Sprintf("New post ready for review\nSlot: %s\nCaption: %s",
		slot.ID, slot.Result.Caption)
	if img := slot.Result.GeneratedImage; img != nil && !strings.HasPrefix(img.Ref, "b64:") {
		text += "\n" + img.Ref
	}
	if qc := slot.Result.QualityControl; qc != nil {
		text += fmt.Sprintf("\nQuality: %.1f/10", qc.Score)
	}

	keyboard, err := json.Marshal(map[string]any{
		"inline_keyboard": [][]map[string]string{{
			{"text": "Approve", "callback_data": "approve:" + slot.ID},
			{"text": "Reject", "callback_data": "reject:" + slot.ID},
		}},
	})
	if err != nil {
		return "", fmt.Errorf("marshal keyboard: %w", err)
	}

	endpoint := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", c.botToken)
	form := url.Values{}
	form.Set("chat_id", c.chatID)
	form.Set("text", text)
	form.Set("reply_markup", string(keyboard))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("telegram error: %s", resp.Status)
	}

	var parsed sendMessageResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if !parsed.OK {
		return "", fmt.Errorf("telegram rejected message")
	}
	return fmt.Sprintf("%d", parsed.Result.MessageID), nil
}
