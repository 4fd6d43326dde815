// Package condition evaluates rule condition trees against telemetry records.
//
// A tree is built from Simple leaves (field, operator, value) and Compound
// nodes that combine children with AND or OR. Evaluation is total: a missing
// field, an unknown operator, an unknown logic or a malformed value makes the
// affected node false instead of failing the caller.
package condition

import (
	"runtime/debug"
	"strings"

	"github.com/kmxunan/0C-sub003/internal/logger"
	"github.com/kmxunan/0C-sub003/internal/metrics"
)

// Comparison operators
const (
	OpGreater      = "gt"
	OpLess         = "lt"
	OpGreaterEqual = "gte"
	OpLessEqual    = "lte"
	OpEqual        = "eq"
	OpNotEqual     = "neq"
	OpContains     = "contains"
	OpNotContains  = "not_contains"
)

// Logical combinators
const (
	LogicAnd = "AND"
	LogicOr  = "OR"
)

// Node is a condition tree node
type Node interface {
	Evaluate(record map[string]any) bool
}

// Simple compares a single record field against a literal value
type Simple struct {
	Field    string
	Operator string
	Value    any
}

// Compound combines child nodes with AND or OR
type Compound struct {
	Logic    string
	Children []Node
}

// Evaluate returns the boolean outcome of node against record. It never
// panics: a nil node, or a panic raised while evaluating, yields false.
func Evaluate(record map[string]any, node Node) (result bool) {
	if node == nil {
		return false
	}

	defer func() {
		if r := recover(); r != nil {
			log := logger.WithComponent("condition")
			log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("condition evaluation panic recovered")
			metrics.PanicsRecovered.WithLabelValues("condition").Inc()
			result = false
		}
	}()

	return node.Evaluate(record)
}

// Evaluate applies the operator to the record value of s.Field
func (s *Simple) Evaluate(record map[string]any) bool {
	actual, ok := lookup(record, s.Field)
	if !ok {
		return false
	}
	return compare(s.Operator, actual, s.Value)
}

// Evaluate short-circuits: AND stops at the first false child and OR at
// the first true one. Unknown logic and empty child lists are false.
func (c *Compound) Evaluate(record map[string]any) bool {
	if len(c.Children) == 0 {
		return false
	}

	switch c.Logic {
	case LogicAnd:
		for _, child := range c.Children {
			if child == nil || !child.Evaluate(record) {
				return false
			}
		}
		return true

	case LogicOr:
		for _, child := range c.Children {
			if child != nil && child.Evaluate(record) {
				return true
			}
		}
		return false

	default:
		return false
	}
}

// lookup resolves field in record. An exact key wins; otherwise a dotted
// path descends through nested maps.
func lookup(record map[string]any, field string) (any, bool) {
	if record == nil || field == "" {
		return nil, false
	}

	if v, ok := record[field]; ok {
		return v, true
	}

	if !strings.Contains(field, ".") {
		return nil, false
	}

	var current any = record
	for _, part := range strings.Split(field, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
