package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for RuleKeeper operations.
var (
	// ErrValidation is wrapped by every ValidationError.
	ErrValidation = errors.New("validation failed")

	// ErrUndefinedFact is wrapped by every UndefinedFactError.
	ErrUndefinedFact = errors.New("undefined fact")

	// ErrUnknownOperator is wrapped by every UnknownOperatorError.
	ErrUnknownOperator = errors.New("unknown operator")

	// ErrUndefinedCondition is wrapped by every UndefinedConditionError.
	ErrUndefinedCondition = errors.New("undefined condition")

	// ErrFactComputation is wrapped by every FactComputationError.
	ErrFactComputation = errors.New("fact computation failed")

	// ErrRuleNotFound indicates UpdateRule found no rule with a matching name.
	ErrRuleNotFound = errors.New("rule not found")

	// ErrCircularReference indicates a named condition references itself,
	// directly or through other named conditions.
	ErrCircularReference = errors.New("circular condition reference")
)

// UndefinedFactCode is the stable code carried by UndefinedFactError.
const UndefinedFactCode = "UNDEFINED_FACT"

// ValidationError reports a malformed fact, condition, rule or operator
// declaration. Raised once, at construction time.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NewValidationError builds a ValidationError for field.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// UndefinedFactError reports a reference to an unregistered fact id.
type UndefinedFactError struct {
	FactID string
}

func (e *UndefinedFactError) Error() string {
	return fmt.Sprintf("%s: undefined fact: %s", UndefinedFactCode, e.FactID)
}

// Code returns UndefinedFactCode.
func (e *UndefinedFactError) Code() string { return UndefinedFactCode }

func (e *UndefinedFactError) Unwrap() error { return ErrUndefinedFact }

// UnknownOperatorError reports an operator or decorator name that cannot
// be resolved against the operator registry.
type UnknownOperatorError struct {
	Name string
}

func (e *UnknownOperatorError) Error() string {
	return fmt.Sprintf("unknown operator: %s", e.Name)
}

func (e *UnknownOperatorError) Unwrap() error { return ErrUnknownOperator }

// UndefinedConditionError reports a condition reference to an unregistered name.
type UndefinedConditionError struct {
	Name string
}

func (e *UndefinedConditionError) Error() string {
	return fmt.Sprintf("no condition %s exists", e.Name)
}

func (e *UndefinedConditionError) Unwrap() error { return ErrUndefinedCondition }

// FactComputationError wraps an error returned (or a panic raised) by a fact
// computation.
type FactComputationError struct {
	FactID string
	Err    error
}

func (e *FactComputationError) Error() string {
	return fmt.Sprintf("fact %s: computation failed: %v", e.FactID, e.Err)
}

// Is matches ErrFactComputation as well as the wrapped cause.
func (e *FactComputationError) Is(target error) bool {
	return target == ErrFactComputation
}

func (e *FactComputationError) Unwrap() error { return e.Err }
