package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/kmxunan/0C-sub003/internal/models"
)

// Memory is an in-process Store. It keeps the same guarantees as the SQL
// store and is used for local runs and tests.
type Memory struct {
	mu     sync.RWMutex
	rules  map[string]models.RuleRecord
	alerts map[string]*models.Alert

	// ruleID/deviceID -> active alert id
	active map[string]string
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		rules:  make(map[string]models.RuleRecord),
		alerts: make(map[string]*models.Alert),
		active: make(map[string]string),
	}
}

func activeKey(ruleID, deviceID string) string {
	return ruleID + "\x00" + deviceID
}

func (m *Memory) LoadActiveRules(ctx context.Context) ([]models.RuleRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.RuleRecord, 0, len(m.rules))
	for _, r := range m.rules {
		if r.IsActive {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) GetRule(ctx context.Context, id string) (*models.RuleRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rules[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (m *Memory) InsertRule(ctx context.Context, rule *models.RuleRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rules[rule.ID]; ok {
		return ErrRuleExists
	}
	m.rules[rule.ID] = *rule
	return nil
}

func (m *Memory) UpdateRule(ctx context.Context, rule *models.RuleRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rules[rule.ID]; !ok {
		return ErrNotFound
	}
	m.rules[rule.ID] = *rule
	return nil
}

func (m *Memory) InsertAlert(ctx context.Context, alert *models.Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := activeKey(alert.RuleID, alert.DeviceID)
	if alert.Status == models.AlertActive {
		if _, ok := m.active[key]; ok {
			return ErrActiveAlertExists
		}
		m.active[key] = alert.ID
	}
	m.alerts[alert.ID] = alert.Clone()
	return nil
}

func (m *Memory) UpdateAlert(ctx context.Context, id string, upd models.AlertUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.alerts[id]
	if !ok || a.Status != models.AlertActive {
		return ErrNotFound
	}

	if upd.UpdatedAt != nil {
		a.UpdatedAt = *upd.UpdatedAt
	}
	if upd.ResolvedAt != nil {
		t := *upd.ResolvedAt
		a.ResolvedAt = &t
	}
	if upd.Resolution != nil {
		a.Resolution = *upd.Resolution
	}
	if upd.ResolvedBy != nil {
		a.ResolvedBy = *upd.ResolvedBy
	}
	if upd.Status != nil && *upd.Status != a.Status {
		key := activeKey(a.RuleID, a.DeviceID)
		if a.Status == models.AlertActive && m.active[key] == a.ID {
			delete(m.active, key)
		}
		a.Status = *upd.Status
	}
	return nil
}

func (m *Memory) GetActiveAlert(ctx context.Context, ruleID, deviceID string) (*models.Alert, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.active[activeKey(ruleID, deviceID)]
	if !ok {
		return nil, ErrNotFound
	}
	return m.alerts[id].Clone(), nil
}

func (m *Memory) LoadActiveAlerts(ctx context.Context) ([]*models.Alert, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.Alert, 0, len(m.active))
	for _, id := range m.active {
		out = append(out, m.alerts[id].Clone())
	}
	return out, nil
}

// Alert returns any stored alert by id, active or not
func (m *Memory) Alert(id string) (*models.Alert, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.alerts[id]
	return a.Clone(), ok
}

func (m *Memory) Close() error { return nil }
