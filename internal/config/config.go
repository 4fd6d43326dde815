package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds runtime configuration for the alert engine.
type Config struct {
	Log      LogConfig      `yaml:"log"`
	HTTP     HTTPConfig     `yaml:"http"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	NATS     NATSConfig     `yaml:"nats"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Engine   EngineConfig   `yaml:"engine"`
}

// LogConfig controls the global logger
type LogConfig struct {
	// debug | info | warn | error
	Level string `yaml:"level"`

	// json | console
	Format string `yaml:"format"`
}

// HTTPConfig controls the ops HTTP server (ingest, health, metrics)
type HTTPConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	MaxBodySize  int64         `yaml:"max_body_size"`
}

// DatabaseConfig selects the rule and alert store.
type DatabaseConfig struct {
	// memory | postgres (lib/pq) | pgx (pgx stdlib driver)
	Driver string `yaml:"driver"`

	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	MigrateOnStart  bool          `yaml:"migrate_on_start"`
}

// RedisConfig configures the notification stream. An empty Addr makes
// notifications go to the log only.
type RedisConfig struct {
	Addr               string `yaml:"addr"`
	Password           string `yaml:"password"`
	DB                 int    `yaml:"db"`
	NotificationStream string `yaml:"notification_stream"`
	StreamMaxLen       int64  `yaml:"stream_max_len"`
}

// NATSConfig configures the rule change bus. An empty URL disables it.
type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// KafkaConfig configures telemetry consumption and alert event publication.
// No brokers disables both.
type KafkaConfig struct {
	Brokers        []string       `yaml:"brokers"`
	TelemetryTopic string         `yaml:"telemetry_topic"`
	GroupID        string         `yaml:"group_id"`
	AlertTopic     string         `yaml:"alert_topic"`
	Producer       ProducerConfig `yaml:"producer"`
}

// ProducerConfig tunes the Kafka writer pool
type ProducerConfig struct {
	PoolSize     int           `yaml:"pool_size"`
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	RequiredAcks int           `yaml:"required_acks"`
	Compression  string        `yaml:"compression"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// MQTTConfig configures the telemetry subscription. An empty Broker
// disables it.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Topic    string `yaml:"topic"`
	QoS      byte   `yaml:"qos"`
}

// EngineConfig tunes evaluation and action dispatch
type EngineConfig struct {
	Workers           int           `yaml:"workers"`
	QueueSize         int           `yaml:"queue_size"`
	EvaluationTimeout time.Duration `yaml:"evaluation_timeout"`
	ActionTimeout     time.Duration `yaml:"action_timeout"`
	WebhookTimeout    time.Duration `yaml:"webhook_timeout"`
	WebhookRetries    int           `yaml:"webhook_retries"`

	// Optional YAML file of rules imported into the store at start and
	// re-imported when it changes.
	RulesFile string `yaml:"rules_file"`
}

// Default returns a sensible default config for local dev.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			MaxBodySize:  10 * 1024 * 1024,
		},
		Database: DatabaseConfig{
			Driver:          "memory",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Redis: RedisConfig{
			NotificationStream: "alertd:notifications",
			StreamMaxLen:       10000,
		},
		NATS: NATSConfig{
			Subject: "rules.changed",
		},
		Kafka: KafkaConfig{
			TelemetryTopic: "telemetry",
			GroupID:        "alertd",
			AlertTopic:     "alert-events",
			Producer: ProducerConfig{
				PoolSize:     2,
				BatchSize:    100,
				BatchTimeout: 50 * time.Millisecond,
				WriteTimeout: 10 * time.Second,
				RequiredAcks: -1,
				Compression:  "snappy",
				MaxRetries:   3,
				RetryBackoff: 100 * time.Millisecond,
			},
		},
		MQTT: MQTTConfig{
			ClientID: "alertd",
			Topic:    "telemetry/+/+",
			QoS:      1,
		},
		Engine: EngineConfig{
			Workers:           4,
			QueueSize:         1000,
			EvaluationTimeout: 5 * time.Second,
			ActionTimeout:     10 * time.Second,
			WebhookTimeout:    5 * time.Second,
			WebhookRetries:    2,
		},
	}
}

// Load reads the YAML file at path on top of Default, applies environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse yaml: %w", err)
		}
	}

	applyEnv(cfg, os.Getenv)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// applyEnv overrides connection settings from ALERTD_* variables
func applyEnv(cfg *Config, getenv func(string) string) {
	if v := getenv("ALERTD_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := getenv("ALERTD_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := getenv("ALERTD_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := getenv("ALERTD_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := getenv("ALERTD_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := getenv("ALERTD_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := getenv("ALERTD_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := getenv("ALERTD_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = splitCSV(v)
	}
	if v := getenv("ALERTD_MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
	}
	if v := getenv("ALERTD_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.Workers = n
		}
	}
	if v := getenv("ALERTD_RULES_FILE"); v != "" {
		cfg.Engine.RulesFile = v
	}
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// validate checks structural constraints on the parsed configuration.
func validate(cfg *Config) error {
	switch cfg.Database.Driver {
	case "memory":
	case "postgres", "pgx":
		if cfg.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for driver %q", cfg.Database.Driver)
		}
	default:
		return fmt.Errorf("database.driver %q unknown: want memory|postgres|pgx", cfg.Database.Driver)
	}

	switch cfg.Log.Format {
	case "json", "console", "":
	default:
		return fmt.Errorf("log.format %q unknown: want json|console", cfg.Log.Format)
	}

	if cfg.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}
	if cfg.Engine.Workers <= 0 {
		return fmt.Errorf("engine.workers must be positive")
	}
	if cfg.Engine.QueueSize <= 0 {
		return fmt.Errorf("engine.queue_size must be positive")
	}
	if cfg.Engine.ActionTimeout <= 0 {
		return fmt.Errorf("engine.action_timeout must be positive")
	}
	if cfg.Engine.EvaluationTimeout <= 0 {
		return fmt.Errorf("engine.evaluation_timeout must be positive")
	}
	if cfg.Engine.WebhookRetries < 0 {
		return fmt.Errorf("engine.webhook_retries must not be negative")
	}
	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.TelemetryTopic == "" && cfg.Kafka.AlertTopic == "" {
		return fmt.Errorf("kafka: at least one of telemetry_topic or alert_topic is required")
	}
	if cfg.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos %d is out of range [0, 2]", cfg.MQTT.QoS)
	}
	return nil
}
