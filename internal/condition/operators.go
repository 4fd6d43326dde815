package condition

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// KnownOperator reports whether op is a supported comparison operator
func KnownOperator(op string) bool {
	switch op {
	case OpGreater, OpLess, OpGreaterEqual, OpLessEqual,
		OpEqual, OpNotEqual, OpContains, OpNotContains:
		return true
	}
	return false
}

func compare(op string, actual, expected any) bool {
	switch op {
	case OpGreater, OpLess, OpGreaterEqual, OpLessEqual:
		a, ok := toFloat(actual)
		if !ok {
			return false
		}
		b, ok := toFloat(expected)
		if !ok {
			return false
		}
		switch op {
		case OpGreater:
			return a > b
		case OpLess:
			return a < b
		case OpGreaterEqual:
			return a >= b
		default:
			return a <= b
		}

	case OpEqual:
		return equal(actual, expected)

	case OpNotEqual:
		return !equal(actual, expected)

	case OpContains:
		found, ok := contains(actual, expected)
		return ok && found

	case OpNotContains:
		found, ok := contains(actual, expected)
		return ok && !found

	default:
		return false
	}
}

// toFloat coerces numbers and numeric strings
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func isNumber(v any) bool {
	switch v.(type) {
	case float64, float32, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, json.Number:
		return true
	}
	return false
}

// equal is strict about kinds: numbers compare numerically with numbers,
// everything else must be deeply equal. "10" and 10 are not equal.
func equal(a, b any) bool {
	if isNumber(a) && isNumber(b) {
		x, okA := toFloat(a)
		y, okB := toFloat(b)
		return okA && okB && x == y
	}
	return reflect.DeepEqual(a, b)
}

// contains reports substring or membership. ok is false when haystack is
// not a string or a slice.
func contains(haystack, needle any) (found bool, ok bool) {
	switch h := haystack.(type) {
	case string:
		s, isString := needle.(string)
		if !isString {
			if needle == nil {
				return false, true
			}
			s = fmt.Sprint(needle)
		}
		return strings.Contains(h, s), true

	case []any:
		for _, item := range h {
			if equal(item, needle) {
				return true, true
			}
		}
		return false, true
	}

	rv := reflect.ValueOf(haystack)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return false, false
	}
	for i := 0; i < rv.Len(); i++ {
		if equal(rv.Index(i).Interface(), needle) {
			return true, true
		}
	}
	return false, true
}
