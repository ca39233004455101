package rules

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/solatis/rulekeeper/internal/types"
)

// Reference evaluates a named condition registered with the engine. The
// name is resolved at evaluation time, so the referenced condition may be
// registered or replaced after the referring rule.
type Reference struct {
	header
	ref string
}

func (r *Reference) Kind() Kind { return KindReference }

// Ref returns the referenced condition name.
func (r *Reference) Ref() string { return r.ref }

func (r *Reference) Evaluate(ctx context.Context, ec *EvalContext) (*ConditionResult, error) {
	if slices.Contains(ec.refs, r.ref) {
		chain := append(append([]string{}, ec.refs...), r.ref)
		return nil, fmt.Errorf("%w: %s", types.ErrCircularReference, strings.Join(chain, " -> "))
	}

	var target Condition
	found := false
	if ec.Conditions != nil {
		target, found = ec.Conditions.Condition(r.ref)
	}
	if !found {
		if !ec.AllowUndefinedConditions {
			return nil, &types.UndefinedConditionError{Name: r.ref}
		}
		ec.logger().Debug("undefined condition evaluated as false", zap.String("condition", r.ref))
		res := r.Skip()
		res.Result = boolPtr(false)
		return res, nil
	}

	child := *ec
	child.refs = append(append(make([]string, 0, len(ec.refs)+1), ec.refs...), r.ref)
	resolved, err := target.Evaluate(ctx, &child)
	if err != nil {
		return nil, err
	}

	res := r.Skip()
	res.Resolved = resolved
	res.Result = boolPtr(resolved.Passed())
	return res, nil
}

func (r *Reference) Skip() *ConditionResult {
	p := r.priority
	if p == 0 {
		p = DefaultFactPriority
	}
	return &ConditionResult{
		Kind:      KindReference,
		Name:      r.name,
		Priority:  p,
		Condition: r.ref,
	}
}

func (r *Reference) ToJSON() map[string]any {
	out := map[string]any{"condition": r.ref}
	r.header.toJSON(out, false)
	return out
}
