package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmxunan/0C-sub003/internal/models"
)

func newAlert(id, ruleID, deviceID string) *models.Alert {
	now := time.Now()
	return &models.Alert{
		ID:        id,
		RuleID:    ruleID,
		DeviceID:  deviceID,
		Severity:  models.SeverityHigh,
		Status:    models.AlertActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestMemoryRules(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	active := &models.RuleRecord{ID: "r1", Name: "High load", IsActive: true, CreatedAt: time.Now()}
	inactive := &models.RuleRecord{ID: "r2", Name: "Disabled", IsActive: false}

	require.NoError(t, m.InsertRule(ctx, active))
	require.NoError(t, m.InsertRule(ctx, inactive))
	assert.ErrorIs(t, m.InsertRule(ctx, active), ErrRuleExists)

	rules, err := m.LoadActiveRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "r1", rules[0].ID)

	_, err = m.GetRule(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	active.Name = "Very high load"
	require.NoError(t, m.UpdateRule(ctx, active))
	got, err := m.GetRule(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "Very high load", got.Name)

	assert.ErrorIs(t, m.UpdateRule(ctx, &models.RuleRecord{ID: "missing"}), ErrNotFound)
}

func TestMemoryInsertIfNoActive(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.InsertAlert(ctx, newAlert("a1", "r1", "d1")))
	assert.ErrorIs(t, m.InsertAlert(ctx, newAlert("a2", "r1", "d1")), ErrActiveAlertExists)

	// Different device is a different key
	require.NoError(t, m.InsertAlert(ctx, newAlert("a3", "r1", "d2")))

	got, err := m.GetActiveAlert(ctx, "r1", "d1")
	require.NoError(t, err)
	assert.Equal(t, "a1", got.ID)
}

func TestMemoryResolveFreesKey(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.InsertAlert(ctx, newAlert("a1", "r1", "d1")))

	resolved := models.AlertResolved
	now := time.Now()
	note := "breaker reset"
	require.NoError(t, m.UpdateAlert(ctx, "a1", models.AlertUpdate{
		Status:     &resolved,
		ResolvedAt: &now,
		Resolution: &note,
	}))

	_, err := m.GetActiveAlert(ctx, "r1", "d1")
	assert.ErrorIs(t, err, ErrNotFound)

	stored, ok := m.Alert("a1")
	require.True(t, ok)
	assert.Equal(t, models.AlertResolved, stored.Status)
	assert.Equal(t, "breaker reset", stored.Resolution)

	// Resolution is final
	again := "reopened"
	assert.ErrorIs(t, m.UpdateAlert(ctx, "a1", models.AlertUpdate{Resolution: &again}), ErrNotFound)
	assert.ErrorIs(t, m.UpdateAlert(ctx, "a1", models.AlertUpdate{UpdatedAt: &now}), ErrNotFound)
	stored, _ = m.Alert("a1")
	assert.Equal(t, "breaker reset", stored.Resolution)

	// A new firing can now be stored
	require.NoError(t, m.InsertAlert(ctx, newAlert("a2", "r1", "d1")))

	active, err := m.LoadActiveAlerts(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "a2", active[0].ID)
}

func TestMemoryUpdateUnknownAlert(t *testing.T) {
	now := time.Now()
	err := NewMemory().UpdateAlert(context.Background(), "missing", models.AlertUpdate{UpdatedAt: &now})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	a := newAlert("a1", "r1", "d1")
	a.DataSnapshot = map[string]any{"kwh": 1.0}
	require.NoError(t, m.InsertAlert(ctx, a))

	a.DataSnapshot["kwh"] = 99.0

	got, err := m.GetActiveAlert(ctx, "r1", "d1")
	require.NoError(t, err)
	assert.Equal(t, 1.0, got.DataSnapshot["kwh"])
}
