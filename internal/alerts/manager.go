// Package alerts turns rule firings into alerts. It decides whether a
// firing opens a new alert or continues an active one, persists every
// transition and hands new alerts to the action dispatcher.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kmxunan/0C-sub003/internal/condition"
	"github.com/kmxunan/0C-sub003/internal/logger"
	"github.com/kmxunan/0C-sub003/internal/metrics"
	"github.com/kmxunan/0C-sub003/internal/models"
	"github.com/kmxunan/0C-sub003/internal/storage"
)

// RuleMatcher returns the rules that apply to a reading
type RuleMatcher interface {
	Matching(dataType, deviceID string) []*models.Rule
}

// ActionDispatcher starts a rule's actions without waiting for them
type ActionDispatcher interface {
	Dispatch(rule *models.Rule, alert *models.Alert)
}

// EventPublisher announces alert lifecycle transitions
type EventPublisher interface {
	PublishAlertEvent(ctx context.Context, event models.AlertEvent) error
}

// Filter selects active alerts. Empty fields match everything.
type Filter struct {
	Severity models.Severity
	DeviceID string
	RuleID   string
}

// CheckResult reports what a reading did to the alert set
type CheckResult struct {
	Matched   int
	Created   []*models.Alert
	Refreshed []*models.Alert
	Errors    []error
}

// Manager owns the active alert index and serializes every transition
// for a given rule and device.
type Manager struct {
	rules      RuleMatcher
	store      storage.AlertRepository
	dispatcher ActionDispatcher
	events     EventPublisher

	locks *keyLock

	mu    sync.RWMutex
	byKey map[string]*models.Alert
	byID  map[string]*models.Alert

	log          zerolog.Logger
	now          func() time.Time
	newID        func() string
	eventTimeout time.Duration
	eventWG      sync.WaitGroup
}

// Option configures a Manager
type Option func(*Manager)

// WithEventPublisher emits created and resolved events through p
func WithEventPublisher(p EventPublisher) Option {
	return func(m *Manager) { m.events = p }
}

// WithLogger replaces the component logger
func WithLogger(log zerolog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithIDGenerator replaces the uuid generator for new alerts
func WithIDGenerator(newID func() string) Option {
	return func(m *Manager) { m.newID = newID }
}

// NewManager creates a Manager with an empty index; call Init to load the
// alerts that are already active.
func NewManager(rules RuleMatcher, store storage.AlertRepository, dispatcher ActionDispatcher, opts ...Option) *Manager {
	m := &Manager{
		rules:        rules,
		store:        store,
		dispatcher:   dispatcher,
		locks:        newKeyLock(),
		byKey:        make(map[string]*models.Alert),
		byID:         make(map[string]*models.Alert),
		log:          logger.WithComponent("alert_manager"),
		now:          func() time.Time { return time.Now().UTC() },
		newID:        uuid.NewString,
		eventTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func alertKey(ruleID, deviceID string) string {
	return ruleID + "|" + deviceID
}

// Init loads the active alerts from the store into the index
func (m *Manager) Init(ctx context.Context) error {
	active, err := m.store.LoadActiveAlerts(ctx)
	if err != nil {
		return &models.PersistenceError{Op: "load active alerts", Err: err}
	}

	m.mu.Lock()
	m.byKey = make(map[string]*models.Alert, len(active))
	m.byID = make(map[string]*models.Alert, len(active))
	for _, a := range active {
		m.byKey[alertKey(a.RuleID, a.DeviceID)] = a
		m.byID[a.ID] = a
	}
	metrics.ActiveAlerts.Set(float64(len(m.byID)))
	m.mu.Unlock()

	m.log.Info().Int("active", len(active)).Msg("active alert index loaded")
	return nil
}

// Dispose waits for pending lifecycle events to be published
func (m *Manager) Dispose() {
	m.eventWG.Wait()
}

// HandleEnvelope evaluates a queued telemetry reading
func (m *Manager) HandleEnvelope(ctx context.Context, env *models.Envelope) error {
	r := env.Reading
	_, err := m.CheckAlerts(ctx, r.Record(), r.DataType, r.DeviceID)
	return err
}

// CheckAlerts evaluates every rule matching dataType and deviceID against
// record. A firing rule with an active alert for the device only refreshes
// that alert's updatedAt; otherwise a new alert is persisted, indexed and
// its actions dispatched. A failure in one rule never stops the others.
// The returned error joins the persistence failures.
func (m *Manager) CheckAlerts(ctx context.Context, record map[string]any, dataType, deviceID string) (*CheckResult, error) {
	start := time.Now()
	defer func() {
		metrics.EvaluationDuration.Observe(time.Since(start).Seconds())
	}()

	rules := m.rules.Matching(dataType, deviceID)
	result := &CheckResult{Matched: len(rules)}

	var persistErrs []error
	for _, rule := range rules {
		if err := ctx.Err(); err != nil {
			persistErrs = append(persistErrs, err)
			break
		}

		alert, created, err := m.checkRule(ctx, rule, record, dataType, deviceID)
		switch {
		case errors.Is(err, models.ErrEvaluation):
			result.Errors = append(result.Errors, err)
			m.log.Error().Err(err).Str("rule_id", rule.ID).Str("device_id", deviceID).Msg("rule evaluation failed")
			metrics.RuleEvaluationsTotal.WithLabelValues("error").Inc()
		case err != nil:
			result.Errors = append(result.Errors, err)
			persistErrs = append(persistErrs, err)
			m.log.Error().Err(err).Str("rule_id", rule.ID).Str("device_id", deviceID).Msg("failed to record alert")
		case alert == nil:
			metrics.RuleEvaluationsTotal.WithLabelValues("clear").Inc()
		case created:
			result.Created = append(result.Created, alert)
			metrics.RuleEvaluationsTotal.WithLabelValues("fired").Inc()
		default:
			result.Refreshed = append(result.Refreshed, alert)
			metrics.RuleEvaluationsTotal.WithLabelValues("fired").Inc()
		}
	}

	return result, errors.Join(persistErrs...)
}

// checkRule evaluates one rule and applies the firing. Panics are turned
// into an EvaluationError.
func (m *Manager) checkRule(ctx context.Context, rule *models.Rule, record map[string]any, dataType, deviceID string) (alert *models.Alert, created bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Str("rule_id", rule.ID).
				Msg("rule processing panic recovered")
			metrics.PanicsRecovered.WithLabelValues("alert_manager").Inc()
			alert, created = nil, false
			err = &models.EvaluationError{RuleID: rule.ID, DeviceID: deviceID, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	if !condition.Evaluate(record, rule.Condition) {
		return nil, false, nil
	}
	return m.fire(ctx, rule, record, dataType, deviceID)
}

// fire records a firing under the per-key lock
func (m *Manager) fire(ctx context.Context, rule *models.Rule, record map[string]any, dataType, deviceID string) (*models.Alert, bool, error) {
	key := alertKey(rule.ID, deviceID)
	unlock := m.locks.Lock(key)
	defer unlock()

	if existing := m.lookupKey(key); existing != nil {
		refreshed, err := m.refresh(ctx, existing)
		if !errors.Is(err, storage.ErrNotFound) {
			return refreshed, false, err
		}
		// Gone from the store; the index was stale
		m.unindex(existing)
	}

	now := m.now()
	alert := &models.Alert{
		ID:           m.newID(),
		RuleID:       rule.ID,
		RuleName:     rule.Name,
		DeviceID:     deviceID,
		DataType:     dataType,
		Severity:     rule.Severity,
		Status:       models.AlertActive,
		Description:  describe(rule, record, dataType, deviceID),
		DataSnapshot: snapshotOf(record),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err := m.store.InsertAlert(ctx, alert)
	if errors.Is(err, storage.ErrActiveAlertExists) {
		// Another instance opened it first; continue that alert instead
		stored, getErr := m.store.GetActiveAlert(ctx, rule.ID, deviceID)
		if getErr != nil {
			return nil, false, &models.PersistenceError{Op: "get active alert", Err: getErr}
		}
		m.index(stored)
		refreshed, err := m.refresh(ctx, stored)
		if errors.Is(err, storage.ErrNotFound) {
			m.unindex(stored)
			return nil, false, &models.PersistenceError{Op: "refresh adopted alert", Err: err}
		}
		return refreshed, false, err
	}
	if err != nil {
		return nil, false, &models.PersistenceError{Op: "insert alert", Err: err}
	}

	m.index(alert)
	metrics.AlertsCreatedTotal.WithLabelValues(string(alert.Severity)).Inc()

	m.log.Info().
		Str("alert_id", alert.ID).
		Str("rule_id", rule.ID).
		Str("device_id", deviceID).
		Str("severity", string(alert.Severity)).
		Msg("alert created")

	m.dispatcher.Dispatch(rule, alert)
	m.emit(models.EventAlertCreated, alert)

	return alert.Clone(), true, nil
}

// refresh bumps updatedAt of an active alert. Nothing else changes and no
// actions run.
func (m *Manager) refresh(ctx context.Context, alert *models.Alert) (*models.Alert, error) {
	now := m.now()
	if err := m.store.UpdateAlert(ctx, alert.ID, models.AlertUpdate{UpdatedAt: &now}); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		return nil, &models.PersistenceError{Op: "refresh alert", Err: err}
	}

	m.mu.Lock()
	alert.UpdatedAt = now
	out := alert.Clone()
	m.mu.Unlock()

	metrics.AlertsDeduplicatedTotal.Inc()
	m.log.Debug().Str("alert_id", alert.ID).Msg("alert refreshed")
	return out, nil
}

// ResolveAlert closes an active alert. Resolution is final: the next
// firing for the same rule and device opens a new alert.
func (m *Manager) ResolveAlert(ctx context.Context, alertID, resolution, userID string) (*models.Alert, error) {
	current := m.lookupID(alertID)
	if current == nil {
		return nil, &models.NotFoundError{Kind: "active alert", ID: alertID}
	}

	unlock := m.locks.Lock(alertKey(current.RuleID, current.DeviceID))
	defer unlock()

	// A concurrent resolve may have won the lock
	current = m.lookupID(alertID)
	if current == nil {
		return nil, &models.NotFoundError{Kind: "active alert", ID: alertID}
	}

	now := m.now()
	status := models.AlertResolved
	err := m.store.UpdateAlert(ctx, alertID, models.AlertUpdate{
		Status:     &status,
		UpdatedAt:  &now,
		ResolvedAt: &now,
		Resolution: &resolution,
		ResolvedBy: &userID,
	})
	if errors.Is(err, storage.ErrNotFound) {
		m.unindex(current)
		return nil, &models.NotFoundError{Kind: "active alert", ID: alertID}
	}
	if err != nil {
		return nil, &models.PersistenceError{Op: "resolve alert", Err: err}
	}

	m.unindex(current)

	m.mu.RLock()
	resolved := current.Clone()
	m.mu.RUnlock()
	resolved.Status = models.AlertResolved
	resolved.UpdatedAt = now
	resolved.ResolvedAt = &now
	resolved.Resolution = resolution
	resolved.ResolvedBy = userID

	metrics.AlertsResolvedTotal.Inc()
	m.log.Info().
		Str("alert_id", alertID).
		Str("resolved_by", userID).
		Msg("alert resolved")

	m.emit(models.EventAlertResolved, resolved)
	return resolved, nil
}

// GetActiveAlerts returns copies of the active alerts matching f, newest
// first.
func (m *Manager) GetActiveAlerts(f Filter) []*models.Alert {
	m.mu.RLock()
	out := make([]*models.Alert, 0, len(m.byID))
	for _, a := range m.byID {
		if f.Severity != "" && a.Severity != f.Severity {
			continue
		}
		if f.DeviceID != "" && a.DeviceID != f.DeviceID {
			continue
		}
		if f.RuleID != "" && a.RuleID != f.RuleID {
			continue
		}
		out = append(out, a.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *Manager) lookupKey(key string) *models.Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byKey[key]
}

func (m *Manager) lookupID(id string) *models.Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byID[id]
}

func (m *Manager) index(a *models.Alert) {
	m.mu.Lock()
	m.byKey[alertKey(a.RuleID, a.DeviceID)] = a
	m.byID[a.ID] = a
	metrics.ActiveAlerts.Set(float64(len(m.byID)))
	m.mu.Unlock()
}

func (m *Manager) unindex(a *models.Alert) {
	m.mu.Lock()
	key := alertKey(a.RuleID, a.DeviceID)
	if m.byKey[key] == a {
		delete(m.byKey, key)
	}
	delete(m.byID, a.ID)
	metrics.ActiveAlerts.Set(float64(len(m.byID)))
	m.mu.Unlock()
}

func (m *Manager) emit(eventType string, alert *models.Alert) {
	if m.events == nil {
		return
	}

	m.mu.RLock()
	event := models.AlertEvent{Type: eventType, Alert: alert.Clone(), OccurredAt: m.now()}
	m.mu.RUnlock()

	m.eventWG.Add(1)
	go func() {
		defer m.eventWG.Done()

		ctx, cancel := context.WithTimeout(context.Background(), m.eventTimeout)
		defer cancel()

		if err := m.events.PublishAlertEvent(ctx, event); err != nil {
			m.log.Warn().
				Err(err).
				Str("event", eventType).
				Str("alert_id", event.Alert.ID).
				Msg("failed to publish alert event")
		}
	}()
}

func snapshotOf(record map[string]any) map[string]any {
	if record == nil {
		return nil
	}
	out := make(map[string]any, len(record))
	for k, v := range record {
		out[k] = v
	}
	return out
}
