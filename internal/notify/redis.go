// Package notify delivers alert notifications to the notification service.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/kmxunan/0C-sub003/internal/config"
	"github.com/kmxunan/0C-sub003/internal/models"
)

// RedisStream appends notifications to a Redis stream consumed by the
// delivery service.
type RedisStream struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisStream connects to Redis using cfg
func NewRedisStream(cfg config.RedisConfig) *RedisStream {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisStreamWithClient(client, cfg.NotificationStream, cfg.StreamMaxLen)
}

// NewRedisStreamWithClient uses an existing client
func NewRedisStreamWithClient(client *redis.Client, stream string, maxLen int64) *RedisStream {
	return &RedisStream{client: client, stream: stream, maxLen: maxLen}
}

// SendNotification adds n to the stream. The full notification is carried
// as JSON in the "data" field; routing fields are duplicated alongside it.
func (r *RedisStream) SendNotification(ctx context.Context, n models.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: r.stream,
		Values: map[string]interface{}{
			"type":      n.Type,
			"alert_id":  n.AlertID,
			"title":     n.Title,
			"data":      string(data),
			"timestamp": time.Now().Unix(),
		},
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}

	if err := r.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", r.stream, err)
	}
	return nil
}

// Ping checks connectivity
func (r *RedisStream) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStream) Close() error {
	return r.client.Close()
}
