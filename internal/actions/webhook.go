package actions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/kmxunan/0C-sub003/internal/models"
)

// Webhook headers
const (
	HeaderAlertID       = "X-Alert-ID"
	HeaderAlertSeverity = "X-Alert-Severity"
)

// WebhookHandler POSTs the alert as JSON to the action URL
type WebhookHandler struct {
	client *resty.Client
}

// NewWebhookHandler creates a handler with its own HTTP client
func NewWebhookHandler(timeout time.Duration, retries int) *WebhookHandler {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(retries).
		SetRetryWaitTime(200 * time.Millisecond).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "alertd-webhook/1.0")

	return &WebhookHandler{client: client}
}

func (h *WebhookHandler) Handle(ctx context.Context, _ *models.Rule, alert *models.Alert, action models.Action) error {
	if action.URL == "" {
		return errors.New("webhook url is empty")
	}

	resp, err := h.client.R().
		SetContext(ctx).
		SetHeaders(action.Headers).
		SetHeader(HeaderAlertID, alert.ID).
		SetHeader(HeaderAlertSeverity, string(alert.Severity)).
		SetBody(alert).
		Post(action.URL)
	if err != nil {
		return fmt.Errorf("webhook post %s: %w", action.URL, err)
	}

	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return fmt.Errorf("webhook %s returned status %d", action.URL, resp.StatusCode())
	}
	return nil
}
