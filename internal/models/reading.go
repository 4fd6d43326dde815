package models

import (
	"errors"
	"time"
)

// Reading is a single telemetry data point reported by a device.
type Reading struct {
	// Device that produced the point
	DeviceID string `json:"device_id"`

	// Category of the point, e.g. "energy", "carbon", "power"
	DataType string `json:"data_type"`

	// Time the device took the measurement
	Timestamp time.Time `json:"timestamp"`

	// Measured values keyed by field name
	Fields map[string]any `json:"fields"`
}

// Validation errors
var (
	ErrEmptyDeviceID    = errors.New("device ID cannot be empty")
	ErrEmptyDataType    = errors.New("data type cannot be empty")
	ErrZeroTimestamp    = errors.New("timestamp cannot be zero")
	ErrFutureTimestamp  = errors.New("timestamp cannot be in the future")
	ErrInvalidTimestamp = errors.New("invalid timestamp format")
	ErrNoFields         = errors.New("reading has no fields")
	ErrTooManyFields    = errors.New("too many fields")
)

const (
	MaxReadingFields = 256

	// Allowed clock skew between devices and the engine
	MaxFutureSkew = 5 * time.Minute
)

// Validate checks if the Reading has all required fields and valid values
func (r *Reading) Validate() error {
	if r.DeviceID == "" {
		return ErrEmptyDeviceID
	}

	if r.DataType == "" {
		return ErrEmptyDataType
	}

	if r.Timestamp.IsZero() {
		return ErrZeroTimestamp
	}

	if r.Timestamp.After(time.Now().Add(MaxFutureSkew)) {
		return ErrFutureTimestamp
	}

	if len(r.Fields) == 0 {
		return ErrNoFields
	}

	if len(r.Fields) > MaxReadingFields {
		return ErrTooManyFields
	}

	return nil
}

// Record returns the evaluation record for the reading. Condition fields
// resolve against the measured values plus deviceId, dataType and timestamp.
func (r *Reading) Record() map[string]any {
	rec := make(map[string]any, len(r.Fields)+3)
	for k, v := range r.Fields {
		rec[k] = v
	}
	if _, ok := rec["deviceId"]; !ok {
		rec["deviceId"] = r.DeviceID
	}
	if _, ok := rec["dataType"]; !ok {
		rec["dataType"] = r.DataType
	}
	if _, ok := rec["timestamp"]; !ok && !r.Timestamp.IsZero() {
		rec["timestamp"] = r.Timestamp.Format(time.RFC3339)
	}
	return rec
}
