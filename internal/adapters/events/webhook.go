package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/partnerdesk/progression-engine/internal/contracts"
)

// WebhookNotificationPublisher posts announcements to the notification
// gateway. Callers treat it as best-effort.
type WebhookNotificationPublisher struct {
	url    string
	client *http.Client
}

func NewWebhookNotificationPublisher(url string) (*WebhookNotificationPublisher, error) {
	if url == "" {
		return nil, fmt.Errorf("webhook publisher requires a url")
	}
	return &WebhookNotificationPublisher{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
	}, nil
}

func (p *WebhookNotificationPublisher) PublishNotification(ctx context.Context, message contracts.NotificationMessage) error {
	raw, err := json.Marshal(message)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notification webhook returned %d", resp.StatusCode)
	}
	return nil
}
