package models

import (
	"time"
)

// AlertStatus is the lifecycle state of an alert
type AlertStatus string

const (
	AlertActive   AlertStatus = "active"
	AlertResolved AlertStatus = "resolved"
)

// Alert is a firing of a rule for a device
type Alert struct {
	ID           string         `json:"id"`
	RuleID       string         `json:"rule_id"`
	RuleName     string         `json:"rule_name"`
	DeviceID     string         `json:"device_id"`
	DataType     string         `json:"data_type"`
	Severity     Severity       `json:"severity"`
	Status       AlertStatus    `json:"status"`
	Description  string         `json:"description"`
	DataSnapshot map[string]any `json:"data_snapshot,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	ResolvedAt   *time.Time     `json:"resolved_at,omitempty"`
	Resolution   string         `json:"resolution,omitempty"`
	ResolvedBy   string         `json:"resolved_by,omitempty"`
}

// Clone returns a copy that shares no mutable state with a
func (a *Alert) Clone() *Alert {
	if a == nil {
		return nil
	}
	c := *a
	if a.DataSnapshot != nil {
		c.DataSnapshot = make(map[string]any, len(a.DataSnapshot))
		for k, v := range a.DataSnapshot {
			c.DataSnapshot[k] = v
		}
	}
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}

// AlertUpdate is a partial alert update. Nil fields are left unchanged.
type AlertUpdate struct {
	Status     *AlertStatus
	UpdatedAt  *time.Time
	ResolvedAt *time.Time
	Resolution *string
	ResolvedBy *string
}

// Alert event types
const (
	EventAlertCreated  = "alert.created"
	EventAlertResolved = "alert.resolved"
)

// AlertEvent announces an alert lifecycle transition
type AlertEvent struct {
	Type       string    `json:"type"`
	Alert      *Alert    `json:"alert"`
	OccurredAt time.Time `json:"occurred_at"`
}
