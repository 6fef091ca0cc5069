package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// WebhookPoster posts approval messages to a Slack incoming webhook.
type WebhookPoster struct {
	URL    string
	Client *http.Client
}

func NewWebhookPoster(url string) *WebhookPoster {
	return &WebhookPoster{URL: url, Client: &http.Client{Timeout: 10 * time.Second}}
}

// PostApproval returns the webhook's response body as the delivery
// reference. Incoming webhooks answer "ok" rather than a message ts.
func (p *WebhookPoster) PostApproval(ctx context.Context, channel string, message ApprovalMessageInput) (string, error) {
	if p.URL == "" {
		return "", fmt.Errorf("slack webhook url is empty")
	}
	body, err := json.Marshal(BuildApprovalMessage(channel, message))
	if err != nil {
		return "", fmt.Errorf("marshal slack message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("post slack webhook: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", fmt.Errorf("read slack response: %w", err)
	}
	text := strings.TrimSpace(string(respBody))
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("slack webhook status %d: %s", resp.StatusCode, text)
	}
	return text, nil
}
