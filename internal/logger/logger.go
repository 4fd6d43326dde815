package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger is the global logger instance
	Logger zerolog.Logger
)

// Init initializes the global logger. format "console" (or ENV=development)
// switches to human readable output; anything else writes JSON.
func Init(level, format string) {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		logLevel = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(logLevel)

	Logger = New(os.Stdout, format)

	Logger.Info().
		Str("level", logLevel.String()).
		Msg("logger initialized")
}

// New builds a logger writing to out without touching the global one
func New(out io.Writer, format string) zerolog.Logger {
	if format == "console" || os.Getenv("ENV") == "development" {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(out).
		With().
		Timestamp().
		Caller().
		Logger()
}

// WithComponent returns a logger with a component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithRequestID returns a logger with a request ID field
func WithRequestID(requestID string) zerolog.Logger {
	return Logger.With().Str("request_id", requestID).Logger()
}

// WithAlert returns a logger carrying the alert's identifying fields
func WithAlert(component, alertID, ruleID, deviceID string) zerolog.Logger {
	return Logger.With().
		Str("component", component).
		Str("alert_id", alertID).
		Str("rule_id", ruleID).
		Str("device_id", deviceID).
		Logger()
}
