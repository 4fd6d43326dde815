package storage

import (
	"context"
	"errors"

	"github.com/kmxunan/0C-sub003/internal/models"
)

// Store errors
var (
	ErrNotFound          = errors.New("record not found")
	ErrActiveAlertExists = errors.New("an active alert already exists for this rule and device")
	ErrRuleExists        = errors.New("rule already exists")
)

// RuleRepository persists alert rules.
type RuleRepository interface {
	// LoadActiveRules returns every rule with IsActive set
	LoadActiveRules(ctx context.Context) ([]models.RuleRecord, error)
	GetRule(ctx context.Context, id string) (*models.RuleRecord, error)
	InsertRule(ctx context.Context, rule *models.RuleRecord) error
	UpdateRule(ctx context.Context, rule *models.RuleRecord) error
}

// AlertRepository persists alerts.
type AlertRepository interface {
	// InsertAlert stores alert unless an active alert already exists for the
	// same rule and device, in which case it returns ErrActiveAlertExists.
	InsertAlert(ctx context.Context, alert *models.Alert) error

	// UpdateAlert applies the non-nil fields of upd to alert id. Only active
	// alerts can change; a missing or already resolved alert is ErrNotFound.
	UpdateAlert(ctx context.Context, id string, upd models.AlertUpdate) error

	GetActiveAlert(ctx context.Context, ruleID, deviceID string) (*models.Alert, error)
	LoadActiveAlerts(ctx context.Context) ([]*models.Alert, error)
}

// Store is the full persistence surface used by the engine
type Store interface {
	RuleRepository
	AlertRepository
	Close() error
}
