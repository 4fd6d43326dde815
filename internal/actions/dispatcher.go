// Package actions runs the side effects of a fired rule. Every action runs
// in its own goroutine with its own deadline, and a failing action never
// affects its siblings or the caller.
package actions

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kmxunan/0C-sub003/internal/logger"
	"github.com/kmxunan/0C-sub003/internal/metrics"
	"github.com/kmxunan/0C-sub003/internal/models"
)

// Handler performs one action type
type Handler interface {
	Handle(ctx context.Context, rule *models.Rule, alert *models.Alert, action models.Action) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, rule *models.Rule, alert *models.Alert, action models.Action) error

func (f HandlerFunc) Handle(ctx context.Context, rule *models.Rule, alert *models.Alert, action models.Action) error {
	return f(ctx, rule, alert, action)
}

// Dispatcher routes actions to registered handlers
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler

	timeout time.Duration
	log     zerolog.Logger
	wg      sync.WaitGroup
}

// DispatcherOption configures a Dispatcher
type DispatcherOption func(*Dispatcher)

// WithLogger replaces the component logger
func WithLogger(log zerolog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.log = log }
}

// NewDispatcher creates a Dispatcher with no handlers. timeout bounds each
// action; zero means 10s.
func NewDispatcher(timeout time.Duration, opts ...DispatcherOption) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	d := &Dispatcher{
		handlers: make(map[string]Handler),
		timeout:  timeout,
		log:      logger.WithComponent("action_dispatcher"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register binds actionType to h, replacing any earlier handler
func (d *Dispatcher) Register(actionType string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[actionType] = h
}

// Dispatch starts every action of rule for alert and returns immediately.
// Actions are launched in declaration order but complete in any order.
func (d *Dispatcher) Dispatch(rule *models.Rule, alert *models.Alert) {
	if rule == nil || alert == nil || len(rule.Actions) == 0 {
		return
	}

	// Handlers get their own copy; the caller keeps mutating the original
	snapshot := alert.Clone()

	for _, action := range rule.Actions {
		d.mu.RLock()
		h, ok := d.handlers[action.Type]
		d.mu.RUnlock()

		if !ok {
			d.log.Warn().
				Str("action_type", action.Type).
				Str("rule_id", rule.ID).
				Str("alert_id", alert.ID).
				Msg("unknown action type, skipping")
			metrics.ActionsDispatchedTotal.WithLabelValues(action.Type, "skipped").Inc()
			continue
		}

		d.wg.Add(1)
		go d.run(h, rule, snapshot, action)
	}
}

func (d *Dispatcher) run(h Handler, rule *models.Rule, alert *models.Alert, action models.Action) {
	defer d.wg.Done()

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	err := d.safeHandle(ctx, h, rule, alert, action)
	duration := time.Since(start)
	metrics.ActionDuration.WithLabelValues(action.Type).Observe(duration.Seconds())

	if err != nil {
		dispatchErr := &models.ActionDispatchError{ActionType: action.Type, AlertID: alert.ID, Err: err}
		d.log.Error().
			Err(dispatchErr).
			Str("action_type", action.Type).
			Str("rule_id", rule.ID).
			Str("alert_id", alert.ID).
			Dur("duration", duration).
			Msg("action failed")
		metrics.ActionsDispatchedTotal.WithLabelValues(action.Type, "failed").Inc()
		return
	}

	d.log.Debug().
		Str("action_type", action.Type).
		Str("alert_id", alert.ID).
		Dur("duration", duration).
		Msg("action completed")
	metrics.ActionsDispatchedTotal.WithLabelValues(action.Type, "success").Inc()
}

func (d *Dispatcher) safeHandle(ctx context.Context, h Handler, rule *models.Rule, alert *models.Alert, action models.Action) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Str("action_type", action.Type).
				Msg("action panic recovered")
			metrics.PanicsRecovered.WithLabelValues("action").Inc()
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h.Handle(ctx, rule, alert, action)
}

// Wait blocks until every dispatched action has finished
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
