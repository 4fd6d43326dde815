package alerts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmxunan/0C-sub003/internal/condition"
	"github.com/kmxunan/0C-sub003/internal/metrics"
	"github.com/kmxunan/0C-sub003/internal/models"
	"github.com/kmxunan/0C-sub003/internal/storage"
)

type staticRules []*models.Rule

func (s staticRules) Matching(dataType, deviceID string) []*models.Rule {
	var out []*models.Rule
	for _, r := range s {
		if (r.DataType == dataType || r.DataType == models.DataTypeAll) && (r.DeviceID == "" || r.DeviceID == deviceID) {
			out = append(out, r)
		}
	}
	return out
}

type recordingDispatcher struct {
	mu    sync.Mutex
	calls []string
	panic bool
}

func (d *recordingDispatcher) Dispatch(rule *models.Rule, alert *models.Alert) {
	if d.panic {
		panic("dispatcher bug")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, rule.ID+"/"+alert.ID)
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

type recordingEvents struct {
	mu     sync.Mutex
	events []models.AlertEvent
}

func (e *recordingEvents) PublishAlertEvent(_ context.Context, ev models.AlertEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
	return nil
}

// failingStore fails inserts for one rule
type failingStore struct {
	*storage.Memory
	failRule string
}

func (f *failingStore) InsertAlert(ctx context.Context, a *models.Alert) error {
	if a.RuleID == f.failRule {
		return errors.New("disk full")
	}
	return f.Memory.InsertAlert(ctx, a)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	mgr        *Manager
	store      *storage.Memory
	dispatcher *recordingDispatcher
	events     *recordingEvents
	clock      *clock
}

func powerRule(id string, threshold float64) *models.Rule {
	return &models.Rule{
		ID:        id,
		Name:      "Power over " + fmt.Sprint(threshold),
		DataType:  "power",
		Severity:  models.SeverityHigh,
		Condition: &condition.Simple{Field: "kw", Operator: condition.OpGreater, Value: threshold},
		Actions:   []models.Action{{Type: models.ActionNotification}},
		IsActive:  true,
	}
}

func newFixture(t *testing.T, store storage.AlertRepository, rules ...*models.Rule) *fixture {
	t.Helper()
	mem, _ := store.(*storage.Memory)
	if store == nil {
		mem = storage.NewMemory()
		store = mem
	}

	f := &fixture{
		store:      mem,
		dispatcher: &recordingDispatcher{},
		events:     &recordingEvents{},
		clock:      &clock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)},
	}
	seq := 0
	var idMu sync.Mutex
	f.mgr = NewManager(staticRules(rules), store, f.dispatcher,
		WithLogger(zerolog.Nop()),
		WithClock(f.clock.Now),
		WithEventPublisher(f.events),
		WithIDGenerator(func() string {
			idMu.Lock()
			defer idMu.Unlock()
			seq++
			return fmt.Sprintf("alert-%d", seq)
		}),
	)
	require.NoError(t, f.mgr.Init(context.Background()))
	return f
}

func TestFirstFiringCreatesAlert(t *testing.T) {
	f := newFixture(t, nil, powerRule("r1", 100))
	ctx := context.Background()

	res, err := f.mgr.CheckAlerts(ctx, map[string]any{"kw": 150.0}, "power", "meter-1")
	require.NoError(t, err)
	require.Len(t, res.Created, 1)

	a := res.Created[0]
	assert.Equal(t, "alert-1", a.ID)
	assert.Equal(t, models.AlertActive, a.Status)
	assert.Equal(t, "Power over 100 (device: meter-1)", a.Description)
	assert.Equal(t, 150.0, a.DataSnapshot["kw"])
	assert.Equal(t, 1, f.dispatcher.count())

	stored, err := f.store.GetActiveAlert(ctx, "r1", "meter-1")
	require.NoError(t, err)
	assert.Equal(t, "alert-1", stored.ID)
}

func TestNonFiringRuleDoesNothing(t *testing.T) {
	f := newFixture(t, nil, powerRule("r1", 100))

	res, err := f.mgr.CheckAlerts(context.Background(), map[string]any{"kw": 50}, "power", "meter-1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Matched)
	assert.Empty(t, res.Created)
	assert.Empty(t, f.mgr.GetActiveAlerts(Filter{}))
	assert.Zero(t, f.dispatcher.count())
}

func TestRepeatFiringIsDeduplicated(t *testing.T) {
	f := newFixture(t, nil, powerRule("r1", 100))
	ctx := context.Background()

	first, err := f.mgr.CheckAlerts(ctx, map[string]any{"kw": 150}, "power", "meter-1")
	require.NoError(t, err)
	created := first.Created[0]

	dedups := testutil.ToFloat64(metrics.AlertsDeduplicatedTotal)
	f.clock.Advance(time.Minute)
	second, err := f.mgr.CheckAlerts(ctx, map[string]any{"kw": 175}, "power", "meter-1")
	require.NoError(t, err)
	assert.Equal(t, dedups+1, testutil.ToFloat64(metrics.AlertsDeduplicatedTotal))

	assert.Empty(t, second.Created)
	require.Len(t, second.Refreshed, 1)
	refreshed := second.Refreshed[0]

	assert.Equal(t, created.ID, refreshed.ID)
	assert.Equal(t, created.CreatedAt, refreshed.CreatedAt)
	assert.Equal(t, created.CreatedAt.Add(time.Minute), refreshed.UpdatedAt)
	assert.Equal(t, created.Description, refreshed.Description)
	assert.Equal(t, 150, refreshed.DataSnapshot["kw"], "snapshot keeps the first firing")
	assert.Equal(t, 1, f.dispatcher.count(), "actions run once per alert")

	stored, _ := f.store.Alert(created.ID)
	assert.Equal(t, refreshed.UpdatedAt, stored.UpdatedAt)

	// Another device is a separate alert
	third, err := f.mgr.CheckAlerts(ctx, map[string]any{"kw": 175}, "power", "meter-2")
	require.NoError(t, err)
	assert.Len(t, third.Created, 1)
	assert.Equal(t, 2, f.dispatcher.count())
}

func TestConcurrentFiringsCreateOneAlert(t *testing.T) {
	f := newFixture(t, nil, powerRule("r1", 100))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.mgr.CheckAlerts(ctx, map[string]any{"kw": 150}, "power", "meter-1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, f.mgr.GetActiveAlerts(Filter{}), 1)
	assert.Equal(t, 1, f.dispatcher.count())
	assert.Zero(t, f.mgr.locks.size())
}

func TestResolveIsTerminal(t *testing.T) {
	f := newFixture(t, nil, powerRule("r1", 100))
	ctx := context.Background()

	res, err := f.mgr.CheckAlerts(ctx, map[string]any{"kw": 150}, "power", "meter-1")
	require.NoError(t, err)
	id := res.Created[0].ID

	f.clock.Advance(time.Hour)
	resolved, err := f.mgr.ResolveAlert(ctx, id, "load shed", "operator-7")
	require.NoError(t, err)
	assert.Equal(t, models.AlertResolved, resolved.Status)
	assert.Equal(t, "load shed", resolved.Resolution)
	assert.Equal(t, "operator-7", resolved.ResolvedBy)
	require.NotNil(t, resolved.ResolvedAt)

	assert.Empty(t, f.mgr.GetActiveAlerts(Filter{}))

	stored, ok := f.store.Alert(id)
	require.True(t, ok)
	assert.Equal(t, models.AlertResolved, stored.Status)

	_, err = f.mgr.ResolveAlert(ctx, id, "again", "operator-7")
	assert.ErrorIs(t, err, models.ErrNotFound)

	// Firing again opens a new alert with a new id
	again, err := f.mgr.CheckAlerts(ctx, map[string]any{"kw": 150}, "power", "meter-1")
	require.NoError(t, err)
	require.Len(t, again.Created, 1)
	assert.NotEqual(t, id, again.Created[0].ID)
	assert.Equal(t, 2, f.dispatcher.count())
}

func TestResolvedElsewhereOpensNewAlert(t *testing.T) {
	a := newFixture(t, nil, powerRule("r1", 100))
	ctx := context.Background()

	res, err := a.mgr.CheckAlerts(ctx, map[string]any{"kw": 1300}, "power", "meter-1")
	require.NoError(t, err)
	first := res.Created[0].ID

	// Second instance on the same store adopts the active alert
	b := newFixture(t, a.store, powerRule("r1", 100))
	b.mgr.newID = func() string { return "b-alert-1" }
	require.Len(t, b.mgr.GetActiveAlerts(Filter{}), 1)

	_, err = a.mgr.ResolveAlert(ctx, first, "fixed", "user1")
	require.NoError(t, err)

	res, err = b.mgr.CheckAlerts(ctx, map[string]any{"kw": 1300}, "power", "meter-1")
	require.NoError(t, err)
	require.Len(t, res.Created, 1, "firing after resolution opens a new alert")
	assert.Empty(t, res.Refreshed)
	assert.Equal(t, "b-alert-1", res.Created[0].ID)

	active := b.mgr.GetActiveAlerts(Filter{})
	require.Len(t, active, 1)
	assert.Equal(t, "b-alert-1", active[0].ID)

	stored, ok := a.store.Alert(first)
	require.True(t, ok)
	assert.Equal(t, models.AlertResolved, stored.Status)

	// b still cannot touch the resolved alert
	_, err = b.mgr.ResolveAlert(ctx, first, "again", "user2")
	assert.ErrorIs(t, err, models.ErrNotFound)

	stored, _ = a.store.Alert(first)
	assert.Equal(t, "fixed", stored.Resolution)
	assert.Equal(t, "user1", stored.ResolvedBy)
}

func TestResolveRacingRefire(t *testing.T) {
	f := newFixture(t, nil, powerRule("r1", 100))
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		device := fmt.Sprintf("meter-%d", i)

		res, err := f.mgr.CheckAlerts(ctx, map[string]any{"kw": 150}, "power", device)
		require.NoError(t, err)
		require.Len(t, res.Created, 1)
		first := res.Created[0].ID

		var (
			wg         sync.WaitGroup
			fired      *CheckResult
			fireErr    error
			resolved   *models.Alert
			resolveErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			resolved, resolveErr = f.mgr.ResolveAlert(ctx, first, "cleared", "operator-1")
		}()
		go func() {
			defer wg.Done()
			fired, fireErr = f.mgr.CheckAlerts(ctx, map[string]any{"kw": 150}, "power", device)
		}()
		wg.Wait()

		require.NoError(t, resolveErr)
		require.NoError(t, fireErr)
		assert.Equal(t, models.AlertResolved, resolved.Status)

		active := f.mgr.GetActiveAlerts(Filter{DeviceID: device})
		stored, _ := f.store.Alert(first)
		assert.Equal(t, models.AlertResolved, stored.Status)

		if len(fired.Created) == 1 {
			// Fired after the resolve
			assert.NotEqual(t, first, fired.Created[0].ID)
			require.Len(t, active, 1)
			assert.Equal(t, fired.Created[0].ID, active[0].ID)
		} else {
			// Fired before the resolve
			require.Len(t, fired.Refreshed, 1)
			assert.Equal(t, first, fired.Refreshed[0].ID)
			assert.Empty(t, active)
		}

		// The next firing never continues the resolved alert
		next, err := f.mgr.CheckAlerts(ctx, map[string]any{"kw": 150}, "power", device)
		require.NoError(t, err)
		for _, a := range append(next.Created, next.Refreshed...) {
			assert.NotEqual(t, first, a.ID)
		}
		assert.Len(t, f.mgr.GetActiveAlerts(Filter{DeviceID: device}), 1)
	}

	all, err := f.store.LoadActiveAlerts(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 100, "one active alert per device")
	assert.Zero(t, f.mgr.locks.size())
}

func TestResolveUnknownAlert(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.mgr.ResolveAlert(context.Background(), "missing", "", "")

	var nf *models.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "missing", nf.ID)
}

func TestGetActiveAlertsFilterAndOrder(t *testing.T) {
	critical := powerRule("r-crit", 500)
	critical.Severity = models.SeverityCritical
	f := newFixture(t, nil, powerRule("r-high", 100), critical)
	ctx := context.Background()

	_, err := f.mgr.CheckAlerts(ctx, map[string]any{"kw": 200}, "power", "meter-1")
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	_, err = f.mgr.CheckAlerts(ctx, map[string]any{"kw": 600}, "power", "meter-2")
	require.NoError(t, err)

	// meter-1: r-high at t0; meter-2: r-high and r-crit at t0+1m
	all := f.mgr.GetActiveAlerts(Filter{})
	require.Len(t, all, 3)
	assert.True(t, !all[0].CreatedAt.Before(all[1].CreatedAt))
	assert.True(t, !all[1].CreatedAt.Before(all[2].CreatedAt))
	assert.Equal(t, "meter-1", all[2].DeviceID)

	crit := f.mgr.GetActiveAlerts(Filter{Severity: models.SeverityCritical})
	require.Len(t, crit, 1)
	assert.Equal(t, "r-crit", crit[0].RuleID)

	assert.Len(t, f.mgr.GetActiveAlerts(Filter{DeviceID: "meter-2"}), 2)
	assert.Len(t, f.mgr.GetActiveAlerts(Filter{RuleID: "r-high"}), 2)
	assert.Len(t, f.mgr.GetActiveAlerts(Filter{RuleID: "r-high", DeviceID: "meter-1"}), 1)
	assert.Empty(t, f.mgr.GetActiveAlerts(Filter{Severity: models.SeverityLow}))

	// Results are copies
	all[0].Status = models.AlertResolved
	assert.Len(t, f.mgr.GetActiveAlerts(Filter{}), 3)
	assert.Equal(t, models.AlertActive, f.mgr.GetActiveAlerts(Filter{})[0].Status)
}

func TestDescriptionTemplate(t *testing.T) {
	rule := powerRule("r1", 100)
	rule.DescriptionTemplate = "{{ruleName}}: {{kw}} kW on {{deviceId}} ({{site}})"
	f := newFixture(t, nil, rule)

	res, err := f.mgr.CheckAlerts(context.Background(), map[string]any{"kw": 150.5}, "power", "meter-1")
	require.NoError(t, err)
	assert.Equal(t, "Power over 100: 150.5 kW on meter-1 ({{site}})", res.Created[0].Description)
}

func TestPersistenceFailureIsReturned(t *testing.T) {
	store := &failingStore{Memory: storage.NewMemory(), failRule: "r-bad"}
	f := newFixture(t, store, powerRule("r-bad", 100), powerRule("r-good", 100))

	res, err := f.mgr.CheckAlerts(context.Background(), map[string]any{"kw": 150}, "power", "meter-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrPersistence)

	require.Len(t, res.Created, 1)
	assert.Equal(t, "r-good", res.Created[0].RuleID)
	assert.Len(t, f.mgr.GetActiveAlerts(Filter{}), 1)
	assert.Equal(t, 1, f.dispatcher.count())
}

func TestPanicInOneRuleDoesNotStopOthers(t *testing.T) {
	f := newFixture(t, nil, powerRule("r1", 100))
	f.dispatcher.panic = true

	res, err := f.mgr.CheckAlerts(context.Background(), map[string]any{"kw": 150}, "power", "meter-1")
	require.NoError(t, err, "evaluation errors are not returned")
	require.Len(t, res.Errors, 1)
	assert.ErrorIs(t, res.Errors[0], models.ErrEvaluation)
}

func TestInitAdoptsActiveAlerts(t *testing.T) {
	mem := storage.NewMemory()
	now := time.Date(2024, 6, 1, 11, 0, 0, 0, time.UTC)
	require.NoError(t, mem.InsertAlert(context.Background(), &models.Alert{
		ID: "existing", RuleID: "r1", DeviceID: "meter-1", Severity: models.SeverityHigh,
		Status: models.AlertActive, CreatedAt: now, UpdatedAt: now,
	}))

	f := newFixture(t, mem, powerRule("r1", 100))

	res, err := f.mgr.CheckAlerts(context.Background(), map[string]any{"kw": 150}, "power", "meter-1")
	require.NoError(t, err)
	require.Len(t, res.Refreshed, 1)
	assert.Equal(t, "existing", res.Refreshed[0].ID)
	assert.Zero(t, f.dispatcher.count())
}

func TestInsertConflictFromAnotherInstance(t *testing.T) {
	f := newFixture(t, nil, powerRule("r1", 100))
	ctx := context.Background()

	// Written by another engine after this one loaded its index
	now := time.Date(2024, 6, 1, 11, 0, 0, 0, time.UTC)
	require.NoError(t, f.store.InsertAlert(ctx, &models.Alert{
		ID: "peer", RuleID: "r1", DeviceID: "meter-1", Severity: models.SeverityHigh,
		Status: models.AlertActive, CreatedAt: now, UpdatedAt: now,
	}))

	res, err := f.mgr.CheckAlerts(ctx, map[string]any{"kw": 150}, "power", "meter-1")
	require.NoError(t, err)
	assert.Empty(t, res.Created)
	require.Len(t, res.Refreshed, 1)
	assert.Equal(t, "peer", res.Refreshed[0].ID)
	assert.Zero(t, f.dispatcher.count())

	active := f.mgr.GetActiveAlerts(Filter{})
	require.Len(t, active, 1)
	assert.Equal(t, "peer", active[0].ID)
}

func TestLifecycleEvents(t *testing.T) {
	f := newFixture(t, nil, powerRule("r1", 100))
	ctx := context.Background()

	res, err := f.mgr.CheckAlerts(ctx, map[string]any{"kw": 150}, "power", "meter-1")
	require.NoError(t, err)
	_, err = f.mgr.CheckAlerts(ctx, map[string]any{"kw": 150}, "power", "meter-1")
	require.NoError(t, err)
	_, err = f.mgr.ResolveAlert(ctx, res.Created[0].ID, "fixed", "op")
	require.NoError(t, err)

	f.mgr.Dispose()

	f.events.mu.Lock()
	defer f.events.mu.Unlock()
	require.Len(t, f.events.events, 2)

	types := []string{f.events.events[0].Type, f.events.events[1].Type}
	assert.ElementsMatch(t, []string{models.EventAlertCreated, models.EventAlertResolved}, types)
}

func TestHandleEnvelope(t *testing.T) {
	f := newFixture(t, nil, powerRule("r1", 100))

	reading := &models.Reading{
		DeviceID:  "meter-1",
		DataType:  "power",
		Timestamp: time.Now(),
		Fields:    map[string]any{"kw": 150.0},
	}
	require.NoError(t, f.mgr.HandleEnvelope(context.Background(), models.NewEnvelope(reading, "node", models.SourceHTTP)))

	active := f.mgr.GetActiveAlerts(Filter{DeviceID: "meter-1"})
	require.Len(t, active, 1)
	assert.Equal(t, "meter-1", active[0].DataSnapshot["deviceId"])
}
