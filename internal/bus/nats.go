// Package bus carries rule change notifications between engine instances
// over NATS.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kmxunan/0C-sub003/internal/logger"
	"github.com/kmxunan/0C-sub003/internal/models"
)

const reloadTimeout = 30 * time.Second

// Connect opens a NATS connection that keeps reconnecting
func Connect(url, name string) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				lg := logger.WithComponent("bus")
				lg.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			lg := logger.WithComponent("bus")
			lg.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return conn, nil
}

// Publisher announces rule changes on a subject
type Publisher struct {
	Conn    *nats.Conn
	Subject string
}

// NewPublisher wraps conn
func NewPublisher(conn *nats.Conn, subject string) *Publisher {
	return &Publisher{Conn: conn, Subject: subject}
}

// PublishRuleChange sends change as JSON
func (p *Publisher) PublishRuleChange(_ context.Context, change models.RuleChange) error {
	data, err := json.Marshal(change)
	if err != nil {
		return err
	}
	return p.Conn.Publish(p.Subject, data)
}

// Subscriber reloads the local rule snapshot when another instance changes
// a rule
type Subscriber struct {
	origin string
	reload func(ctx context.Context) error
	sub    *nats.Subscription
}

// NewSubscriber creates a subscriber that ignores changes it published
// itself (same origin)
func NewSubscriber(origin string, reload func(ctx context.Context) error) *Subscriber {
	return &Subscriber{origin: origin, reload: reload}
}

// Subscribe starts listening on subject
func (s *Subscriber) Subscribe(conn *nats.Conn, subject string) error {
	sub, err := conn.Subscribe(subject, func(msg *nats.Msg) {
		s.handle(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	s.sub = sub
	return nil
}

// DecodeChange parses a rule change message
func DecodeChange(data []byte) (models.RuleChange, error) {
	var change models.RuleChange
	if err := json.Unmarshal(data, &change); err != nil {
		return change, fmt.Errorf("decode rule change: %w", err)
	}
	return change, nil
}

// handle reports whether a reload was triggered
func (s *Subscriber) handle(data []byte) bool {
	log := logger.WithComponent("bus")

	change, err := DecodeChange(data)
	if err != nil {
		log.Warn().Err(err).Msg("ignoring malformed rule change")
		return false
	}
	if change.Origin != "" && change.Origin == s.origin {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), reloadTimeout)
	defer cancel()

	if err := s.reload(ctx); err != nil {
		log.Error().Err(err).Str("rule_id", change.RuleID).Msg("rule reload after remote change failed")
		return true
	}

	log.Info().
		Str("rule_id", change.RuleID).
		Str("change", change.Change).
		Str("origin", change.Origin).
		Msg("rules reloaded after remote change")
	return true
}

// Close removes the subscription
func (s *Subscriber) Close() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Unsubscribe()
}
