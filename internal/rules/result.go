package rules

import (
	"encoding/json"

	"github.com/solatis/rulekeeper/internal/types"
)

// ConditionResult is the evaluated mirror of a condition tree. A nil Result
// means the node was skipped by short-circuiting.
type ConditionResult struct {
	Kind     Kind
	Name     string
	Priority int

	// Comparison fields.
	Fact        string
	Operator    string
	Value       any
	Params      map[string]any
	Path        string
	FactResult  any
	ValueResult any

	// Boolean fields.
	All []*ConditionResult
	Any []*ConditionResult
	Not *ConditionResult

	// Reference fields. Resolved is the evaluated referenced condition.
	Condition string
	Resolved  *ConditionResult

	Result *bool
}

// Evaluated reports whether the node ran.
func (r *ConditionResult) Evaluated() bool { return r != nil && r.Result != nil }

// Passed reports whether the node ran and was true.
func (r *ConditionResult) Passed() bool { return r != nil && r.Result != nil && *r.Result }

// ToJSON renders the result tree with the declaration keys plus
// factResult, valueResult and result where evaluated.
func (r *ConditionResult) ToJSON() map[string]any {
	if r == nil {
		return nil
	}
	out := map[string]any{}
	if r.Name != "" {
		out["name"] = r.Name
	}
	if r.Priority > 0 {
		out["priority"] = r.Priority
	}
	switch r.Kind {
	case KindComparison:
		out["fact"] = r.Fact
		out["operator"] = r.Operator
		out["value"] = types.CloneValue(r.Value)
		if r.Params != nil {
			out["params"] = types.CloneValue(r.Params)
		}
		if r.Path != "" {
			out["path"] = r.Path
		}
		if r.Result != nil {
			out["factResult"] = r.FactResult
			out["valueResult"] = r.ValueResult
		}
	case KindAll:
		out["all"] = resultList(r.All)
	case KindAny:
		out["any"] = resultList(r.Any)
	case KindNot:
		out["not"] = r.Not.ToJSON()
	case KindReference:
		out["condition"] = r.Condition
		if r.Resolved != nil {
			out["resolved"] = r.Resolved.ToJSON()
		}
	}
	if r.Result != nil {
		out["result"] = *r.Result
	}
	return out
}

// MarshalJSON implements json.Marshaler.
func (r *ConditionResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.ToJSON())
}

func resultList(rs []*ConditionResult) []any {
	out := make([]any, len(rs))
	for i, r := range rs {
		out[i] = r.ToJSON()
	}
	return out
}

// RuleResult is the outcome of one rule evaluation.
type RuleResult struct {
	Name       string
	Priority   int
	Conditions *ConditionResult
	Event      types.Event
	// Result is nil when the engine stopped before evaluating the rule.
	Result *bool
}

// Outcome reports success or failure. Unevaluated results report failure.
func (r *RuleResult) Outcome() types.Outcome {
	if r.Result != nil && *r.Result {
		return types.OutcomeSuccess
	}
	return types.OutcomeFailure
}

// ToJSON renders {name, priority, conditions, event, result}.
func (r *RuleResult) ToJSON() map[string]any {
	out := map[string]any{
		"priority":   r.Priority,
		"conditions": r.Conditions.ToJSON(),
		"event":      eventJSON(r.Event),
	}
	if r.Name != "" {
		out["name"] = r.Name
	}
	if r.Result != nil {
		out["result"] = *r.Result
	} else {
		out["result"] = nil
	}
	return out
}

// MarshalJSON implements json.Marshaler.
func (r *RuleResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.ToJSON())
}

func eventJSON(e types.Event) map[string]any {
	out := map[string]any{"type": e.Type}
	if e.Params != nil {
		out["params"] = types.CloneValue(e.Params)
	}
	return out
}

func boolPtr(b bool) *bool { return &b }
