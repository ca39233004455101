// internal/rules/coercion.go
package rules

import (
	"reflect"
	"strconv"
	"strings"
)

/*
 * Operand normalization for operators.
 *
 * Fact values arrive from JSON (float64, string, bool, []any, map[string]any),
 * YAML (int, float64, ...) and Go callers (any numeric kind, typed slices,
 * structs). Operators see them through these helpers so that the default
 * operator set behaves the same regardless of origin.
 *
 * Numeric: all Go integer and float kinds, plus numeric strings (trimmed).
 * Booleans are never numbers (strict mode). Empty and whitespace-only
 * strings are not numbers.
 *
 * Equality: numbers compare by value across kinds; everything else uses Go
 * equality when both dynamic types are comparable, and is unequal otherwise
 * (maps and slices are never equal, mirroring reference equality).
 */

// toNumber converts v to float64 for numeric comparison.
func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	case bool, nil:
		return 0, false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	default:
		return 0, false
	}
}

// isNumericKind reports whether v holds a Go number (strings excluded).
func isNumericKind(v any) bool {
	if v == nil {
		return false
	}
	switch reflect.ValueOf(v).Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64:
		return true
	default:
		return false
	}
}

// valuesEqual is strict equality with numeric tolerance across kinds.
func valuesEqual(a, b any) bool {
	if isNumericKind(a) && isNumericKind(b) {
		na, _ := toNumber(a)
		nb, _ := toNumber(b)
		return na == nb
	}
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}

// asSlice returns the elements of an array-like value.
func asSlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case nil:
		return nil, false
	case string:
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// isArray is the validator used by array-shaped operators and decorators.
func isArray(v any) bool {
	_, ok := asSlice(v)
	return ok
}

// isObjectLike reports whether a path can be resolved into v.
func isObjectLike(v any) bool {
	if v == nil {
		return false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct:
		return true
	case reflect.Ptr:
		return !rv.IsNil() && rv.Elem().Kind() == reflect.Struct
	default:
		return false
	}
}

// toPriority parses a declared priority (JSON number, YAML int or numeric
// string). Returns false for anything that is not a positive integer.
func toPriority(v any) (int, bool) {
	var n float64
	switch p := v.(type) {
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return 0, false
		}
		n = float64(i)
	default:
		if !isNumericKind(v) {
			return 0, false
		}
		n, _ = toNumber(v)
	}
	if n < 1 || n != float64(int(n)) {
		return 0, false
	}
	return int(n), true
}
