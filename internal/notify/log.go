package notify

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/kmxunan/0C-sub003/internal/models"
)

// Log writes notifications to the log. It is used when no Redis is
// configured.
type Log struct {
	log zerolog.Logger
}

// NewLog creates a Log notifier
func NewLog(log zerolog.Logger) *Log {
	return &Log{log: log}
}

func (l *Log) SendNotification(_ context.Context, n models.Notification) error {
	l.log.Info().
		Str("type", n.Type).
		Strs("recipients", n.Recipients).
		Str("title", n.Title).
		Str("message", n.Message).
		Str("alert_id", n.AlertID).
		Msg("notification")
	return nil
}
