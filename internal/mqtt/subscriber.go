// Package mqtt subscribes to device telemetry published over MQTT.
package mqtt

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/kmxunan/0C-sub003/internal/config"
	"github.com/kmxunan/0C-sub003/internal/logger"
	"github.com/kmxunan/0C-sub003/internal/metrics"
	"github.com/kmxunan/0C-sub003/internal/models"
)

const connectTimeout = 10 * time.Second

// Subscriber queues readings received on telemetry/{dataType}/{deviceId}
type Subscriber struct {
	client       paho.Client
	cfg          config.MQTTConfig
	envelopeChan chan<- *models.Envelope
	nodeID       string

	accepted atomic.Uint64
	rejected atomic.Uint64
}

// NewSubscriber builds a subscriber; Connect starts it
func NewSubscriber(cfg config.MQTTConfig, envelopeChan chan<- *models.Envelope) *Subscriber {
	nodeID, _ := os.Hostname()
	if nodeID == "" {
		nodeID = "unknown"
	}
	s := &Subscriber{
		cfg:          cfg,
		envelopeChan: envelopeChan,
		nodeID:       nodeID,
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	// Subscriptions are lost with a clean session, so renew them on every connect
	opts.SetOnConnectHandler(func(c paho.Client) {
		if err := s.subscribe(c); err != nil {
			lg := logger.WithComponent("mqtt")
			lg.Error().Err(err).Msg("failed to subscribe")
		}
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		lg := logger.WithComponent("mqtt")
		lg.Warn().Err(err).Msg("mqtt connection lost")
	})

	s.client = paho.NewClient(opts)
	return s
}

// Connect connects to the broker and subscribes to the telemetry topic
func (s *Subscriber) Connect() error {
	token := s.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return errors.New("mqtt connect timed out")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	lg := logger.WithComponent("mqtt")

	lg.Info().
		Str("broker", s.cfg.Broker).
		Str("topic", s.cfg.Topic).
		Msg("mqtt subscriber connected")
	return nil
}

func (s *Subscriber) subscribe(c paho.Client) error {
	token := c.Subscribe(s.cfg.Topic, s.cfg.QoS, func(_ paho.Client, msg paho.Message) {
		s.handleMessage(msg.Topic(), msg.Payload())
	})
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", s.cfg.Topic, token.Error())
	}
	return nil
}

// ParseTopic extracts the data type and device from a topic of the form
// <prefix>/{dataType}/{deviceId}
func ParseTopic(topic string) (dataType, deviceID string) {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 {
		return "", ""
	}
	return parts[len(parts)-2], parts[len(parts)-1]
}

// handleMessage runs on the paho callback goroutine and must not block, so
// a full queue drops the reading.
func (s *Subscriber) handleMessage(topic string, payload []byte) {
	log := logger.WithComponent("mqtt")

	dataType, deviceID := ParseTopic(topic)
	reading, err := models.DecodeReading(payload, deviceID, dataType)
	if err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("rejected telemetry message")
		s.rejected.Add(1)
		metrics.TelemetryReceivedTotal.WithLabelValues(models.SourceMQTT, "rejected").Inc()
		return
	}

	envelope := models.NewEnvelope(reading, s.nodeID, models.SourceMQTT)
	select {
	case s.envelopeChan <- envelope:
		s.accepted.Add(1)
		metrics.TelemetryReceivedTotal.WithLabelValues(models.SourceMQTT, "accepted").Inc()
	default:
		log.Warn().
			Str("device_id", reading.DeviceID).
			Msg("internal queue full, dropping reading")
		s.rejected.Add(1)
		metrics.TelemetryReceivedTotal.WithLabelValues(models.SourceMQTT, "dropped").Inc()
	}
}

// Close disconnects from the broker
func (s *Subscriber) Close() {
	if s.client.IsConnected() {
		s.client.Disconnect(250)
	}
}
