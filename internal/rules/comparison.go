package rules

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/solatis/rulekeeper/internal/types"
)

// Comparison compares a fact value against a value with an operator. The
// value may itself be a fact reference {fact, params?, path?}.
type Comparison struct {
	header
	fact     string
	operator string
	value    any
	params   map[string]any
	path     string
}

func buildComparison(decl map[string]any, field string, hdr header) (*Comparison, error) {
	fact, ok := decl["fact"].(string)
	if !ok || fact == "" {
		return nil, types.NewValidationError(field+".fact", `comparison requires a non-empty "fact"`)
	}
	operator, ok := decl["operator"].(string)
	if !ok || operator == "" {
		return nil, types.NewValidationError(field+".operator", `comparison requires a non-empty "operator"`)
	}
	value, ok := decl["value"]
	if !ok {
		return nil, types.NewValidationError(field+".value", `comparison requires a "value"`)
	}
	c := &Comparison{
		header:   hdr,
		fact:     fact,
		operator: operator,
		value:    types.CloneValue(value),
	}
	if raw, ok := decl["params"]; ok && raw != nil {
		params, ok := raw.(map[string]any)
		if !ok {
			return nil, types.NewValidationError(field+".params", "must be an object")
		}
		c.params = types.CloneValue(params).(map[string]any)
	}
	if raw, ok := decl["path"]; ok && raw != nil {
		path, ok := raw.(string)
		if !ok {
			return nil, types.NewValidationError(field+".path", "must be a string")
		}
		c.path = path
	}
	return c, nil
}

func (c *Comparison) Kind() Kind       { return KindComparison }
func (c *Comparison) Fact() string     { return c.fact }
func (c *Comparison) Operator() string { return c.operator }

// Evaluate resolves the fact and the compare value, then applies the
// operator. Resolution errors propagate; no partial result is produced.
func (c *Comparison) Evaluate(ctx context.Context, ec *EvalContext) (*ConditionResult, error) {
	if ec.Operators == nil {
		return nil, &types.UnknownOperatorError{Name: c.operator}
	}
	op, err := ec.Operators.Get(c.operator)
	if err != nil {
		return nil, err
	}
	if ec.Almanac == nil {
		return nil, fmt.Errorf("comparison on %s: no almanac", c.fact)
	}

	valueResult, err := ec.Almanac.GetValue(ctx, c.value)
	if err != nil {
		return nil, err
	}
	factResult, err := ec.Almanac.FactValue(ctx, c.fact, c.params, c.path)
	if err != nil {
		return nil, err
	}

	passed := op.Evaluate(factResult, valueResult)
	ec.logger().Debug("condition evaluated",
		zap.String("fact", c.fact),
		zap.String("operator", c.operator),
		zap.Any("factResult", factResult),
		zap.Any("valueResult", valueResult),
		zap.Bool("result", passed),
	)

	r := c.Skip()
	r.Priority = ec.priorityOf(c)
	r.FactResult = factResult
	r.ValueResult = valueResult
	r.Result = boolPtr(passed)
	return r, nil
}

// Skip reports only a declared priority; zero means the priority is
// inherited from the fact.
func (c *Comparison) Skip() *ConditionResult {
	r := &ConditionResult{
		Kind:     KindComparison,
		Name:     c.name,
		Priority: c.priority,
		Fact:     c.fact,
		Operator: c.operator,
		Value:    types.CloneValue(c.value),
		Path:     c.path,
	}
	if c.params != nil {
		r.Params = types.CloneValue(c.params).(map[string]any)
	}
	return r
}

func (c *Comparison) ToJSON() map[string]any {
	out := map[string]any{
		"fact":     c.fact,
		"operator": c.operator,
		"value":    types.CloneValue(c.value),
	}
	if c.params != nil {
		out["params"] = types.CloneValue(c.params)
	}
	if c.path != "" {
		out["path"] = c.path
	}
	c.header.toJSON(out, false)
	return out
}
