package models

import (
	"encoding/json"
	"time"

	"github.com/kmxunan/0C-sub003/internal/condition"
)

// Severity is the alert severity carried by a rule
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// DataTypeAll matches readings of every data type
const DataTypeAll = "all"

// Action types
const (
	ActionNotification = "notification"
	ActionWebhook      = "webhook"
	ActionScript       = "script"
)

// Action is a side effect a rule triggers when it fires
type Action struct {
	Type string `json:"type" yaml:"type"`

	// notification
	Channel    string   `json:"channel,omitempty" yaml:"channel,omitempty"`
	Recipients []string `json:"recipients,omitempty" yaml:"recipients,omitempty"`

	// webhook
	URL     string            `json:"url,omitempty" yaml:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	// script
	ScriptPath string `json:"script_path,omitempty" yaml:"script_path,omitempty"`
}

// Rule is a parsed, evaluation-ready alert rule
type Rule struct {
	ID       string
	Name     string
	DataType string

	// Empty means any device
	DeviceID string

	Severity            Severity
	Condition           condition.Node
	Actions             []Action
	DescriptionTemplate string
	IsActive            bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// RuleRecord is a rule as persisted, with the condition tree and actions
// still serialized.
type RuleRecord struct {
	ID                  string          `json:"id" yaml:"id"`
	Name                string          `json:"name" yaml:"name"`
	DataType            string          `json:"data_type" yaml:"data_type"`
	DeviceID            string          `json:"device_id,omitempty" yaml:"device_id,omitempty"`
	Severity            Severity        `json:"severity" yaml:"severity"`
	ConditionTree       json.RawMessage `json:"condition_tree" yaml:"-"`
	Actions             json.RawMessage `json:"actions,omitempty" yaml:"-"`
	DescriptionTemplate string          `json:"description_template,omitempty" yaml:"description_template,omitempty"`
	IsActive            bool            `json:"is_active" yaml:"is_active"`
	CreatedAt           time.Time       `json:"created_at" yaml:"-"`
	UpdatedAt           time.Time       `json:"updated_at" yaml:"-"`
}

// RuleInput is the payload for creating a rule
type RuleInput struct {
	Name                string          `json:"name"`
	DataType            string          `json:"data_type"`
	DeviceID            string          `json:"device_id,omitempty"`
	Severity            Severity        `json:"severity"`
	ConditionTree       json.RawMessage `json:"condition_tree"`
	Actions             []Action        `json:"actions,omitempty"`
	DescriptionTemplate string          `json:"description_template,omitempty"`

	// Defaults to true when nil
	IsActive *bool `json:"is_active,omitempty"`
}

// RulePatch is a partial rule update. Nil fields are left unchanged.
type RulePatch struct {
	Name                *string         `json:"name,omitempty"`
	DataType            *string         `json:"data_type,omitempty"`
	DeviceID            *string         `json:"device_id,omitempty"`
	Severity            *Severity       `json:"severity,omitempty"`
	ConditionTree       json.RawMessage `json:"condition_tree,omitempty"`
	Actions             *[]Action       `json:"actions,omitempty"`
	DescriptionTemplate *string         `json:"description_template,omitempty"`
	IsActive            *bool           `json:"is_active,omitempty"`
}

// Rule change kinds
const (
	RuleCreated  = "created"
	RuleUpdated  = "updated"
	RuleImported = "imported"
)

// RuleChange announces a rule mutation so other engine instances can
// refresh their snapshot.
type RuleChange struct {
	RuleID     string    `json:"rule_id"`
	Change     string    `json:"change"`
	Origin     string    `json:"origin"`
	OccurredAt time.Time `json:"occurred_at"`
}
