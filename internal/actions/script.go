package actions

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kmxunan/0C-sub003/internal/models"
)

// ScriptIntent records that a rule asked for a script to run
type ScriptIntent struct {
	RuleID     string    `json:"rule_id"`
	AlertID    string    `json:"alert_id"`
	DeviceID   string    `json:"device_id"`
	ScriptPath string    `json:"script_path"`
	RecordedAt time.Time `json:"recorded_at"`
}

// ScriptRecorder handles script actions. Scripts are never executed; the
// intent is logged and kept in a bounded in-memory list.
type ScriptRecorder struct {
	mu      sync.Mutex
	intents []ScriptIntent
	max     int
	log     zerolog.Logger
}

// NewScriptRecorder keeps at most max intents (1000 when max <= 0)
func NewScriptRecorder(max int, log zerolog.Logger) *ScriptRecorder {
	if max <= 0 {
		max = 1000
	}
	return &ScriptRecorder{max: max, log: log}
}

func (s *ScriptRecorder) Handle(_ context.Context, rule *models.Rule, alert *models.Alert, action models.Action) error {
	intent := ScriptIntent{
		RuleID:     rule.ID,
		AlertID:    alert.ID,
		DeviceID:   alert.DeviceID,
		ScriptPath: action.ScriptPath,
		RecordedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	if len(s.intents) == s.max {
		s.intents = append(s.intents[:0], s.intents[1:]...)
	}
	s.intents = append(s.intents, intent)
	s.mu.Unlock()

	s.log.Warn().
		Str("rule_id", rule.ID).
		Str("alert_id", alert.ID).
		Str("script_path", action.ScriptPath).
		Msg("script action recorded, execution is disabled")
	return nil
}

// Intents returns a copy of the recorded intents, oldest first
func (s *ScriptRecorder) Intents() []ScriptIntent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScriptIntent, len(s.intents))
	copy(out, s.intents)
	return out
}
