package models

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Every typed error below matches exactly one of these with
// errors.Is.
var (
	ErrConfiguration  = errors.New("configuration error")
	ErrEvaluation     = errors.New("evaluation error")
	ErrPersistence    = errors.New("persistence error")
	ErrActionDispatch = errors.New("action dispatch error")
	ErrNotFound       = errors.New("not found")
	ErrValidation     = errors.New("validation error")
	ErrLoad           = errors.New("rule load error")
)

// ConfigurationError is a rule that cannot be parsed
type ConfigurationError struct {
	RuleID string
	Err    error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("rule %s: invalid configuration: %v", e.RuleID, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// EvaluationError is a failure while evaluating one rule against a reading
type EvaluationError struct {
	RuleID   string
	DeviceID string
	Err      error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("rule %s on device %s: evaluation failed: %v", e.RuleID, e.DeviceID, e.Err)
}

func (e *EvaluationError) Unwrap() error { return e.Err }

func (e *EvaluationError) Is(target error) bool { return target == ErrEvaluation }

// PersistenceError is a failed store operation
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: persistence failed: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

// ActionDispatchError is a failed action. It is logged, never returned to
// the evaluation caller.
type ActionDispatchError struct {
	ActionType string
	AlertID    string
	Err        error
}

func (e *ActionDispatchError) Error() string {
	return fmt.Sprintf("action %s for alert %s failed: %v", e.ActionType, e.AlertID, e.Err)
}

func (e *ActionDispatchError) Unwrap() error { return e.Err }

func (e *ActionDispatchError) Is(target error) bool { return target == ErrActionDispatch }

// NotFoundError is an unknown rule or a non-active alert
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ValidationError lists every problem found in a rule payload
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid rule: " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// LoadError is a failure to fetch rules from the store
type LoadError struct {
	Err error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("loading rules: %v", e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

func (e *LoadError) Is(target error) bool { return target == ErrLoad }
