package models

import (
	"strings"
	"time"
)

// SupportedTimestampFormats lists formats we attempt to parse
var SupportedTimestampFormats = []string{
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02T15:04:05Z",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	time.RFC1123,
	time.UnixDate,
}

// Normalize applies field normalization to a Reading
// - trims DeviceID
// - lower-cases DataType
// - trims field names, dropping empty ones
func (r *Reading) Normalize() {
	r.DeviceID = strings.TrimSpace(r.DeviceID)
	r.DataType = strings.ToLower(strings.TrimSpace(r.DataType))

	if !r.Timestamp.IsZero() {
		r.Timestamp = r.Timestamp.UTC()
	}

	if r.Fields != nil {
		normalized := make(map[string]any, len(r.Fields))
		for k, v := range r.Fields {
			k = strings.TrimSpace(k)
			if k == "" {
				continue
			}
			normalized[k] = v
		}
		r.Fields = normalized
	}
}

// ParseTimestamp attempts to parse a timestamp string into time.Time.
// An empty string yields the current time.
func ParseTimestamp(ts string) (time.Time, error) {
	ts = strings.TrimSpace(ts)
	if ts == "" {
		return time.Now().UTC(), nil
	}

	for _, format := range SupportedTimestampFormats {
		if t, err := time.Parse(format, ts); err == nil {
			return t.UTC(), nil
		}
	}

	return time.Time{}, ErrInvalidTimestamp
}

// NormalizeSeverity lower-cases and trims a severity value
func NormalizeSeverity(s string) Severity {
	return Severity(strings.ToLower(strings.TrimSpace(s)))
}
