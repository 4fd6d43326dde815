package models

import "time"

// Notification is handed to the notification delivery service
type Notification struct {
	Type       string    `json:"type"`
	Recipients []string  `json:"recipients"`
	Title      string    `json:"title"`
	Message    string    `json:"message"`
	AlertID    string    `json:"alertId"`
	Severity   Severity  `json:"severity,omitempty"`
	DeviceID   string    `json:"deviceId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}
