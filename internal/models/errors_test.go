package models

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKinds(t *testing.T) {
	cause := errors.New("connection refused")

	tests := []struct {
		err  error
		kind error
	}{
		{&ConfigurationError{RuleID: "r1", Err: cause}, ErrConfiguration},
		{&EvaluationError{RuleID: "r1", DeviceID: "d1", Err: cause}, ErrEvaluation},
		{&PersistenceError{Op: "insert alert", Err: cause}, ErrPersistence},
		{&ActionDispatchError{ActionType: "webhook", AlertID: "a1", Err: cause}, ErrActionDispatch},
		{&NotFoundError{Kind: "alert", ID: "a1"}, ErrNotFound},
		{&ValidationError{Problems: []string{"name is required"}}, ErrValidation},
		{&LoadError{Err: cause}, ErrLoad},
	}

	for _, tt := range tests {
		t.Run(tt.kind.Error(), func(t *testing.T) {
			wrapped := fmt.Errorf("outer: %w", tt.err)
			assert.ErrorIs(t, wrapped, tt.kind)

			for _, other := range tests {
				if other.kind != tt.kind {
					assert.NotErrorIs(t, wrapped, other.kind)
				}
			}
		})
	}
}

func TestErrorsUnwrapCause(t *testing.T) {
	cause := errors.New("disk full")
	err := &PersistenceError{Op: "update alert", Err: cause}

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "update alert: persistence failed: disk full", err.Error())
}
