package rules

import (
	"strings"

	"github.com/solatis/rulekeeper/internal/types"
)

// DecoratorSeparator joins decorator names with the operator they wrap,
// e.g. "everyFact:someValue:equal".
const DecoratorSeparator = ":"

// DecoratorFunc wraps an inner comparison.
type DecoratorFunc func(factValue, compareValue any, next OperatorFunc) bool

// OperatorDecorator transforms operands and/or the result of the operator
// it decorates.
type OperatorDecorator struct {
	name     string
	fn       DecoratorFunc
	validate Validator
}

// NewOperatorDecorator creates a decorator. validator may be nil.
func NewOperatorDecorator(name string, fn DecoratorFunc, validator Validator) (*OperatorDecorator, error) {
	if name == "" {
		return nil, types.NewValidationError("decorator.name", "must not be empty")
	}
	if strings.Contains(name, DecoratorSeparator) {
		return nil, types.NewValidationError("decorator."+name, "must not contain %q", DecoratorSeparator)
	}
	if fn == nil {
		return nil, types.NewValidationError("decorator."+name, "decorator function required")
	}
	return &OperatorDecorator{name: name, fn: fn, validate: validator}, nil
}

func mustDecorator(name string, fn DecoratorFunc, validator Validator) *OperatorDecorator {
	d, err := NewOperatorDecorator(name, fn, validator)
	if err != nil {
		panic(err)
	}
	return d
}

// Name returns the decorator name.
func (d *OperatorDecorator) Name() string { return d.name }

// Decorate composes d around op. The result is named "d:op".
func (d *OperatorDecorator) Decorate(op *Operator) *Operator {
	next := op.Evaluate
	fn := d.fn
	return &Operator{
		name:     d.name + DecoratorSeparator + op.name,
		eval:     func(a, b any) bool { return fn(a, b, next) },
		validate: d.validate,
	}
}

// DefaultDecorators returns the built-in decorator set.
func DefaultDecorators() []*OperatorDecorator {
	return []*OperatorDecorator{
		mustDecorator("someFact", func(fv, cv any, next OperatorFunc) bool {
			elems, _ := asSlice(fv)
			for _, elem := range elems {
				if next(elem, cv) {
					return true
				}
			}
			return false
		}, isArray),
		mustDecorator("someValue", func(fv, cv any, next OperatorFunc) bool {
			elems, ok := asSlice(cv)
			if !ok {
				return false
			}
			for _, elem := range elems {
				if next(fv, elem) {
					return true
				}
			}
			return false
		}, nil),
		mustDecorator("everyFact", func(fv, cv any, next OperatorFunc) bool {
			elems, _ := asSlice(fv)
			for _, elem := range elems {
				if !next(elem, cv) {
					return false
				}
			}
			return true
		}, isArray),
		mustDecorator("everyValue", func(fv, cv any, next OperatorFunc) bool {
			elems, ok := asSlice(cv)
			if !ok {
				return false
			}
			for _, elem := range elems {
				if !next(fv, elem) {
					return false
				}
			}
			return true
		}, nil),
		mustDecorator("swap", func(fv, cv any, next OperatorFunc) bool {
			return next(cv, fv)
		}, nil),
		mustDecorator("not", func(fv, cv any, next OperatorFunc) bool {
			return !next(fv, cv)
		}, nil),
	}
}
