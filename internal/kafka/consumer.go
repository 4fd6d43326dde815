package kafka

import (
	"context"
	"errors"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/kmxunan/0C-sub003/internal/config"
	"github.com/kmxunan/0C-sub003/internal/logger"
	"github.com/kmxunan/0C-sub003/internal/metrics"
	"github.com/kmxunan/0C-sub003/internal/models"
)

// HeaderDataType lets producers that key by device put the data type in a
// header instead of the payload
const HeaderDataType = "data_type"

// MessageReader is the part of *kafka.Reader the consumer uses
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads telemetry readings from Kafka and queues them for
// evaluation. Offsets are committed once a reading is queued or rejected,
// so a full queue slows the consumer down instead of dropping data.
type Consumer struct {
	reader       MessageReader
	envelopeChan chan<- *models.Envelope
	nodeID       string

	consumed atomic.Uint64
	rejected atomic.Uint64
}

// NewConsumer creates a consumer group reader on the telemetry topic
func NewConsumer(cfg config.KafkaConfig, envelopeChan chan<- *models.Envelope) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if cfg.TelemetryTopic == "" {
		return nil, errors.New("telemetry topic is required")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.GroupID,
		Topic:          cfg.TelemetryTopic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
	})
	return NewConsumerWithReader(reader, envelopeChan), nil
}

// NewConsumerWithReader wraps an existing reader
func NewConsumerWithReader(reader MessageReader, envelopeChan chan<- *models.Envelope) *Consumer {
	nodeID, _ := os.Hostname()
	if nodeID == "" {
		nodeID = "unknown"
	}
	return &Consumer{
		reader:       reader,
		envelopeChan: envelopeChan,
		nodeID:       nodeID,
	}
}

// DecodeTelemetry turns a Kafka message into a reading. The message key is
// the device ID when the payload has none.
func DecodeTelemetry(msg kafka.Message) (*models.Reading, error) {
	var dataType string
	for _, h := range msg.Headers {
		if h.Key == HeaderDataType {
			dataType = string(h.Value)
		}
	}
	return models.DecodeReading(msg.Value, string(msg.Key), dataType)
}

// Run consumes until ctx is cancelled
func (c *Consumer) Run(ctx context.Context) error {
	log := logger.WithComponent("kafka_consumer")
	log.Info().Msg("kafka consumer started")
	defer log.Info().
		Uint64("consumed", c.consumed.Load()).
		Uint64("rejected", c.rejected.Load()).
		Msg("kafka consumer stopped")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			log.Error().Err(err).Msg("failed to fetch message")
			select {
			case <-time.After(time.Second):
				continue
			case <-ctx.Done():
				return nil
			}
		}

		if !c.handle(ctx, msg) {
			return nil
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			log.Warn().
				Err(err).
				Int("partition", msg.Partition).
				Int64("offset", msg.Offset).
				Msg("failed to commit offset")
		}
	}
}

// handle decodes and queues one message. It returns false only when ctx
// ended before the reading could be queued.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) bool {
	reading, err := DecodeTelemetry(msg)
	if err != nil {
		lg := logger.WithComponent("kafka_consumer")
		lg.Warn().
			Err(err).
			Int("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Msg("rejected telemetry message")
		c.rejected.Add(1)
		metrics.TelemetryReceivedTotal.WithLabelValues(models.SourceKafka, "rejected").Inc()
		return true
	}

	envelope := models.NewEnvelope(reading, c.nodeID, models.SourceKafka)
	select {
	case c.envelopeChan <- envelope:
		c.consumed.Add(1)
		metrics.TelemetryReceivedTotal.WithLabelValues(models.SourceKafka, "accepted").Inc()
		return true
	case <-ctx.Done():
		return false
	}
}

// Close closes the underlying reader
func (c *Consumer) Close() error {
	return c.reader.Close()
}
