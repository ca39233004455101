// internal/rules/operators.go
package rules

import (
	"strings"

	"github.com/solatis/rulekeeper/internal/types"
)

/*
 * Operators.
 *
 * An Operator is a named binary predicate over (factValue, compareValue).
 * The optional validator inspects the fact value first; when it rejects the
 * value the operator returns false instead of evaluating (fail closed).
 *
 * Default operators:
 *   - equal/notEqual: strict equality, numbers compared by value
 *   - in/notIn: membership in an array compare value (or substring of a
 *     string compare value)
 *   - contains/doesNotContain: membership of the compare value in an array
 *     fact value
 *   - lessThan/lessThanInclusive/greaterThan/greaterThanInclusive: both
 *     operands must parse as numbers
 */

// OperatorFunc evaluates factValue against compareValue.
type OperatorFunc func(factValue, compareValue any) bool

// Validator inspects a fact value before an operator runs.
type Validator func(factValue any) bool

// Operator is a named, immutable comparison.
type Operator struct {
	name     string
	eval     OperatorFunc
	validate Validator
}

// NewOperator creates an operator. validator may be nil.
func NewOperator(name string, fn OperatorFunc, validator Validator) (*Operator, error) {
	if name == "" {
		return nil, types.NewValidationError("operator.name", "must not be empty")
	}
	if fn == nil {
		return nil, types.NewValidationError("operator."+name, "evaluation function required")
	}
	return &Operator{name: name, eval: fn, validate: validator}, nil
}

// mustOperator is used for the built-in set.
func mustOperator(name string, fn OperatorFunc, validator Validator) *Operator {
	op, err := NewOperator(name, fn, validator)
	if err != nil {
		panic(err)
	}
	return op
}

// Name returns the operator name (compound for decorated operators).
func (o *Operator) Name() string { return o.name }

// Evaluate applies the validator and then the comparison.
func (o *Operator) Evaluate(factValue, compareValue any) bool {
	if o.validate != nil && !o.validate(factValue) {
		return false
	}
	return o.eval(factValue, compareValue)
}

// DefaultOperators returns the built-in operator set.
func DefaultOperators() []*Operator {
	return []*Operator{
		mustOperator("equal", valuesEqual, nil),
		mustOperator("notEqual", func(a, b any) bool { return !valuesEqual(a, b) }, nil),
		mustOperator("in", func(a, b any) bool {
			found, ok := memberOf(a, b)
			return ok && found
		}, nil),
		mustOperator("notIn", func(a, b any) bool {
			found, ok := memberOf(a, b)
			return ok && !found
		}, nil),
		mustOperator("contains", func(a, b any) bool { return sliceContains(a, b) }, isArray),
		mustOperator("doesNotContain", func(a, b any) bool { return !sliceContains(a, b) }, isArray),
		mustOperator("lessThan", numeric(func(a, b float64) bool { return a < b }), isNumber),
		mustOperator("lessThanInclusive", numeric(func(a, b float64) bool { return a <= b }), isNumber),
		mustOperator("greaterThan", numeric(func(a, b float64) bool { return a > b }), isNumber),
		mustOperator("greaterThanInclusive", numeric(func(a, b float64) bool { return a >= b }), isNumber),
	}
}

func isNumber(v any) bool {
	_, ok := toNumber(v)
	return ok
}

// numeric adapts a float comparison; the compare value must parse too.
func numeric(cmp func(a, b float64) bool) OperatorFunc {
	return func(a, b any) bool {
		na, oka := toNumber(a)
		nb, okb := toNumber(b)
		if !oka || !okb {
			return false
		}
		return cmp(na, nb)
	}
}

// memberOf reports whether value occurs in set. ok is false when set has
// no membership semantics for value.
func memberOf(value, set any) (found, ok bool) {
	if s, isStr := set.(string); isStr {
		v, isStr := value.(string)
		if !isStr {
			return false, false
		}
		return strings.Contains(s, v), true
	}
	elems, isSlice := asSlice(set)
	if !isSlice {
		return false, false
	}
	for _, elem := range elems {
		if valuesEqual(value, elem) {
			return true, true
		}
	}
	return false, true
}

// sliceContains checks if the array-like haystack holds needle.
func sliceContains(haystack, needle any) bool {
	elems, _ := asSlice(haystack)
	for _, elem := range elems {
		if valuesEqual(elem, needle) {
			return true
		}
	}
	return false
}
