package actions

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kmxunan/0C-sub003/internal/models"
)

// Notifier delivers notifications to the notification service
type Notifier interface {
	SendNotification(ctx context.Context, n models.Notification) error
}

// DefaultNotificationType is used when an action names no channel
const DefaultNotificationType = "alert"

// NotificationHandler turns a notification action into a Notification
type NotificationHandler struct {
	notifier Notifier
}

// NewNotificationHandler creates a handler delivering through n
func NewNotificationHandler(n Notifier) *NotificationHandler {
	return &NotificationHandler{notifier: n}
}

// Title formats the notification title, e.g. "[HIGH] Peak demand"
func Title(severity models.Severity, ruleName string) string {
	return fmt.Sprintf("[%s] %s", strings.ToUpper(string(severity)), ruleName)
}

func (h *NotificationHandler) Handle(ctx context.Context, rule *models.Rule, alert *models.Alert, action models.Action) error {
	if h.notifier == nil {
		return errors.New("no notifier configured")
	}

	typ := action.Channel
	if typ == "" {
		typ = DefaultNotificationType
	}

	return h.notifier.SendNotification(ctx, models.Notification{
		Type:       typ,
		Recipients: action.Recipients,
		Title:      Title(alert.Severity, rule.Name),
		Message:    alert.Description,
		AlertID:    alert.ID,
		Severity:   alert.Severity,
		DeviceID:   alert.DeviceID,
		CreatedAt:  alert.CreatedAt,
	})
}
