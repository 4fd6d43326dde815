// Package rules holds the set of active alert rules and serves the rules
// that apply to a telemetry reading.
package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kmxunan/0C-sub003/internal/condition"
	"github.com/kmxunan/0C-sub003/internal/logger"
	"github.com/kmxunan/0C-sub003/internal/metrics"
	"github.com/kmxunan/0C-sub003/internal/models"
	"github.com/kmxunan/0C-sub003/internal/storage"
)

// ChangePublisher announces rule mutations to other instances
type ChangePublisher interface {
	PublishRuleChange(ctx context.Context, change models.RuleChange) error
}

// LoadFailure is a stored rule that could not be parsed
type LoadFailure struct {
	RuleID string `json:"rule_id"`
	Name   string `json:"name"`
	Reason string `json:"reason"`
	Err    error  `json:"-"`
}

// LoadResult summarizes a snapshot rebuild
type LoadResult struct {
	Loaded   int           `json:"loaded"`
	Failures []LoadFailure `json:"failures,omitempty"`
}

// Store holds an immutable snapshot of the active rules. Readers never
// block; a load builds a new snapshot and swaps it in atomically.
type Store struct {
	repo      storage.RuleRepository
	publisher ChangePublisher
	origin    string
	log       zerolog.Logger
	now       func() time.Time
	newID     func() string

	snap atomic.Pointer[snapshot]
}

type snapshot struct {
	byID   map[string]*models.Rule
	byType map[string][]entry
	order  []*models.Rule
}

type entry struct {
	rule *models.Rule
	pos  int
}

// Option configures a Store
type Option func(*Store)

// WithPublisher announces Add, Update and Import through p
func WithPublisher(p ChangePublisher, origin string) Option {
	return func(s *Store) {
		s.publisher = p
		s.origin = origin
	}
}

// WithLogger replaces the component logger
func WithLogger(log zerolog.Logger) Option {
	return func(s *Store) { s.log = log }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator replaces the uuid generator for new rules
func WithIDGenerator(newID func() string) Option {
	return func(s *Store) { s.newID = newID }
}

// NewStore creates a Store over repo with an empty snapshot
func NewStore(repo storage.RuleRepository, opts ...Option) *Store {
	s := &Store{
		repo:  repo,
		log:   logger.WithComponent("rule_store"),
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.snap.Store(buildSnapshot(nil))
	return s
}

// Init performs the first load
func (s *Store) Init(ctx context.Context) (LoadResult, error) {
	return s.Load(ctx)
}

// Reload rebuilds the snapshot from the store
func (s *Store) Reload(ctx context.Context) (LoadResult, error) {
	return s.Load(ctx)
}

// Dispose drops the snapshot; Matching returns nothing afterwards
func (s *Store) Dispose() {
	s.snap.Store(buildSnapshot(nil))
	metrics.RulesLoaded.Set(0)
}

// Load fetches every active rule, parses it and swaps in the new snapshot.
// Rules that fail to parse are skipped, logged and reported in the result;
// only a store failure returns an error, leaving the old snapshot in place.
func (s *Store) Load(ctx context.Context) (LoadResult, error) {
	records, err := s.repo.LoadActiveRules(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to load rules")
		return LoadResult{}, &models.LoadError{Err: err}
	}

	var result LoadResult
	parsed := make([]*models.Rule, 0, len(records))
	for i := range records {
		rec := &records[i]
		rule, err := parseRecord(rec)
		if err != nil {
			cfgErr := &models.ConfigurationError{RuleID: rec.ID, Err: err}
			s.log.Warn().
				Err(err).
				Str("rule_id", rec.ID).
				Str("rule_name", rec.Name).
				Msg("skipping unparsable rule")
			metrics.RuleLoadFailuresTotal.Inc()
			result.Failures = append(result.Failures, LoadFailure{
				RuleID: rec.ID,
				Name:   rec.Name,
				Reason: err.Error(),
				Err:    cfgErr,
			})
			continue
		}
		if !rule.IsActive {
			continue
		}
		parsed = append(parsed, rule)
	}

	s.snap.Store(buildSnapshot(parsed))
	result.Loaded = len(parsed)
	metrics.RulesLoaded.Set(float64(len(parsed)))

	s.log.Info().
		Int("loaded", result.Loaded).
		Int("failed", len(result.Failures)).
		Msg("rule snapshot loaded")

	return result, nil
}

// Matching returns the active rules for a reading: the rule's data type is
// dataType or "all", and the rule names no device or names deviceID.
// Rules come back in load order and must be treated as read-only.
func (s *Store) Matching(dataType, deviceID string) []*models.Rule {
	snap := s.snap.Load()

	candidates := make([]entry, 0, len(snap.byType[dataType])+len(snap.byType[models.DataTypeAll]))
	candidates = append(candidates, snap.byType[dataType]...)
	if dataType != models.DataTypeAll {
		candidates = append(candidates, snap.byType[models.DataTypeAll]...)
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].pos < candidates[j].pos })

	out := make([]*models.Rule, 0, len(candidates))
	for _, e := range candidates {
		if e.rule.DeviceID == "" || e.rule.DeviceID == deviceID {
			out = append(out, e.rule)
		}
	}
	return out
}

// Get returns an active rule from the snapshot
func (s *Store) Get(id string) (*models.Rule, bool) {
	r, ok := s.snap.Load().byID[id]
	return r, ok
}

// List returns every rule in the snapshot in load order
func (s *Store) List() []*models.Rule {
	order := s.snap.Load().order
	out := make([]*models.Rule, len(order))
	copy(out, order)
	return out
}

// Add validates and persists a new rule, then reloads the snapshot.
func (s *Store) Add(ctx context.Context, in models.RuleInput) (string, error) {
	now := s.now()
	rec := &models.RuleRecord{
		ID:                  s.newID(),
		Name:                strings.TrimSpace(in.Name),
		DataType:            strings.ToLower(strings.TrimSpace(in.DataType)),
		DeviceID:            strings.TrimSpace(in.DeviceID),
		Severity:            models.NormalizeSeverity(string(in.Severity)),
		ConditionTree:       in.ConditionTree,
		DescriptionTemplate: in.DescriptionTemplate,
		IsActive:            in.IsActive == nil || *in.IsActive,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if rec.Severity == "" {
		rec.Severity = models.SeverityMedium
	}
	if len(in.Actions) > 0 {
		raw, err := json.Marshal(in.Actions)
		if err != nil {
			return "", &models.ValidationError{Problems: []string{"actions: " + err.Error()}}
		}
		rec.Actions = raw
	}

	if problems := validateRecord(rec); len(problems) > 0 {
		return "", &models.ValidationError{Problems: problems}
	}

	if err := s.repo.InsertRule(ctx, rec); err != nil {
		return "", &models.PersistenceError{Op: "insert rule", Err: err}
	}

	s.log.Info().Str("rule_id", rec.ID).Str("rule_name", rec.Name).Msg("rule added")

	if _, err := s.Load(ctx); err != nil {
		return rec.ID, err
	}
	s.publish(ctx, rec.ID, models.RuleCreated)
	return rec.ID, nil
}

// Update applies patch to rule id. A replaced condition tree or action
// list is parsed and validated before anything is written.
func (s *Store) Update(ctx context.Context, id string, patch models.RulePatch) (*models.Rule, error) {
	rec, err := s.repo.GetRule(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, &models.NotFoundError{Kind: "rule", ID: id}
	}
	if err != nil {
		return nil, &models.PersistenceError{Op: "get rule", Err: err}
	}

	if patch.Name != nil {
		rec.Name = strings.TrimSpace(*patch.Name)
	}
	if patch.DataType != nil {
		rec.DataType = strings.ToLower(strings.TrimSpace(*patch.DataType))
	}
	if patch.DeviceID != nil {
		rec.DeviceID = strings.TrimSpace(*patch.DeviceID)
	}
	if patch.Severity != nil {
		rec.Severity = models.NormalizeSeverity(string(*patch.Severity))
	}
	if len(patch.ConditionTree) > 0 {
		rec.ConditionTree = patch.ConditionTree
	}
	if patch.Actions != nil {
		raw, err := json.Marshal(*patch.Actions)
		if err != nil {
			return nil, &models.ValidationError{Problems: []string{"actions: " + err.Error()}}
		}
		rec.Actions = raw
	}
	if patch.DescriptionTemplate != nil {
		rec.DescriptionTemplate = *patch.DescriptionTemplate
	}
	if patch.IsActive != nil {
		rec.IsActive = *patch.IsActive
	}

	if problems := validateRecord(rec); len(problems) > 0 {
		return nil, &models.ValidationError{Problems: problems}
	}

	rule, err := parseRecord(rec)
	if err != nil {
		return nil, &models.ValidationError{Problems: []string{err.Error()}}
	}

	rec.UpdatedAt = s.now()
	rule.UpdatedAt = rec.UpdatedAt
	if err := s.repo.UpdateRule(ctx, rec); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, &models.NotFoundError{Kind: "rule", ID: id}
		}
		return nil, &models.PersistenceError{Op: "update rule", Err: err}
	}

	s.log.Info().Str("rule_id", id).Msg("rule updated")

	if _, err := s.Load(ctx); err != nil {
		return rule, err
	}
	s.publish(ctx, id, models.RuleUpdated)
	return rule, nil
}

// Import upserts records (typically from a rules file) and reloads.
// Invalid records are skipped and reported as failures.
func (s *Store) Import(ctx context.Context, records []models.RuleRecord) (LoadResult, error) {
	var failures []LoadFailure
	imported := 0

	for i := range records {
		rec := records[i]
		rec.Name = strings.TrimSpace(rec.Name)
		rec.DataType = strings.ToLower(strings.TrimSpace(rec.DataType))
		rec.Severity = models.NormalizeSeverity(string(rec.Severity))
		if rec.Severity == "" {
			rec.Severity = models.SeverityMedium
		}
		if rec.ID == "" {
			rec.ID = s.newID()
		}

		if problems := validateRecord(&rec); len(problems) > 0 {
			failures = append(failures, LoadFailure{
				RuleID: rec.ID,
				Name:   rec.Name,
				Reason: strings.Join(problems, "; "),
				Err:    &models.ValidationError{Problems: problems},
			})
			continue
		}

		now := s.now()
		existing, err := s.repo.GetRule(ctx, rec.ID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			rec.CreatedAt, rec.UpdatedAt = now, now
			err = s.repo.InsertRule(ctx, &rec)
		case err == nil:
			rec.CreatedAt, rec.UpdatedAt = existing.CreatedAt, now
			err = s.repo.UpdateRule(ctx, &rec)
		}
		if err != nil {
			return LoadResult{Failures: failures}, &models.PersistenceError{Op: "import rule " + rec.ID, Err: err}
		}
		imported++
	}

	s.log.Info().Int("imported", imported).Int("rejected", len(failures)).Msg("rules imported")

	result, err := s.Load(ctx)
	result.Failures = append(failures, result.Failures...)
	if err != nil {
		return result, err
	}
	if imported > 0 {
		s.publish(ctx, "", models.RuleImported)
	}
	return result, nil
}

// ImportFile reads a YAML rules file and imports it
func (s *Store) ImportFile(ctx context.Context, path string) (LoadResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return LoadResult{}, fmt.Errorf("read rules file %q: %w", path, err)
	}
	records, err := DecodeFile(data)
	if err != nil {
		return LoadResult{}, fmt.Errorf("rules file %q: %w", path, err)
	}
	return s.Import(ctx, records)
}

func (s *Store) publish(ctx context.Context, ruleID, change string) {
	if s.publisher == nil {
		return
	}
	err := s.publisher.PublishRuleChange(ctx, models.RuleChange{
		RuleID:     ruleID,
		Change:     change,
		Origin:     s.origin,
		OccurredAt: s.now(),
	})
	if err != nil {
		s.log.Warn().Err(err).Str("rule_id", ruleID).Msg("failed to publish rule change")
	}
}

func buildSnapshot(rules []*models.Rule) *snapshot {
	snap := &snapshot{
		byID:   make(map[string]*models.Rule, len(rules)),
		byType: make(map[string][]entry),
		order:  rules,
	}
	for i, r := range rules {
		snap.byID[r.ID] = r
		snap.byType[r.DataType] = append(snap.byType[r.DataType], entry{rule: r, pos: i})
	}
	return snap
}

// parseRecord turns a stored rule into an evaluation-ready one
func parseRecord(rec *models.RuleRecord) (*models.Rule, error) {
	cond, err := condition.Parse(rec.ConditionTree)
	if err != nil {
		return nil, fmt.Errorf("condition_tree: %w", err)
	}

	actions, err := decodeActions(rec.Actions)
	if err != nil {
		return nil, err
	}

	severity := models.NormalizeSeverity(string(rec.Severity))
	if severity == "" {
		severity = models.SeverityMedium
	}

	return &models.Rule{
		ID:                  rec.ID,
		Name:                rec.Name,
		DataType:            strings.ToLower(rec.DataType),
		DeviceID:            rec.DeviceID,
		Severity:            severity,
		Condition:           cond,
		Actions:             actions,
		DescriptionTemplate: rec.DescriptionTemplate,
		IsActive:            rec.IsActive,
		CreatedAt:           rec.CreatedAt,
		UpdatedAt:           rec.UpdatedAt,
	}, nil
}

func decodeActions(raw json.RawMessage) ([]models.Action, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	var actions []models.Action
	if err := json.Unmarshal(raw, &actions); err != nil {
		return nil, fmt.Errorf("actions: %w", err)
	}
	return actions, nil
}

// validateRecord lists every problem with a rule about to be written
func validateRecord(rec *models.RuleRecord) []string {
	var problems []string

	if rec.Name == "" {
		problems = append(problems, "name is required")
	}
	if rec.DataType == "" {
		problems = append(problems, "data_type is required")
	}
	if rec.Severity != "" && !rec.Severity.Valid() {
		problems = append(problems, fmt.Sprintf("severity %q unknown: want low|medium|high|critical", rec.Severity))
	}

	if len(strings.TrimSpace(string(rec.ConditionTree))) == 0 {
		problems = append(problems, "condition_tree is required")
	} else if cond, err := condition.Parse(rec.ConditionTree); err != nil {
		problems = append(problems, "condition_tree: "+err.Error())
	} else if err := condition.Validate(cond); err != nil {
		problems = append(problems, "condition_tree: "+err.Error())
	}

	actions, err := decodeActions(rec.Actions)
	if err != nil {
		problems = append(problems, err.Error())
	}
	for i, a := range actions {
		switch {
		case a.Type == "":
			problems = append(problems, fmt.Sprintf("actions[%d]: type is required", i))
		case a.Type == models.ActionWebhook && a.URL == "":
			problems = append(problems, fmt.Sprintf("actions[%d]: webhook url is required", i))
		}
	}

	return problems
}
