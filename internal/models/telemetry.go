package models

import (
	"encoding/json"
	"fmt"
)

// ReadingInput is the wire format of a telemetry reading (with string
// timestamp). It is shared by the HTTP, Kafka and MQTT ingress paths.
type ReadingInput struct {
	DeviceID  string         `json:"device_id"`
	DataType  string         `json:"data_type"`
	Timestamp string         `json:"timestamp"` // String for flexible parsing
	Fields    map[string]any `json:"fields"`

	// Older devices send the values under "data"
	Data map[string]any `json:"data,omitempty"`
}

// ToReading parses, normalizes and validates the input
func (in ReadingInput) ToReading() (*Reading, error) {
	ts, err := ParseTimestamp(in.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("timestamp: %w", err)
	}

	fields := in.Fields
	if len(fields) == 0 {
		fields = in.Data
	}

	r := &Reading{
		DeviceID:  in.DeviceID,
		DataType:  in.DataType,
		Timestamp: ts,
		Fields:    fields,
	}
	r.Normalize()

	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// DecodeReading decodes a single JSON reading and fills in the device and
// data type when the transport already carries them (e.g. the MQTT topic).
// Values in the payload win over the fallbacks.
func DecodeReading(payload []byte, deviceID, dataType string) (*Reading, error) {
	var in ReadingInput
	if err := json.Unmarshal(payload, &in); err != nil {
		return nil, fmt.Errorf("decode reading: %w", err)
	}
	if in.DeviceID == "" {
		in.DeviceID = deviceID
	}
	if in.DataType == "" {
		in.DataType = dataType
	}
	return in.ToReading()
}
