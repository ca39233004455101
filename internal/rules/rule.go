// internal/rules/rule.go
package rules

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/solatis/rulekeeper/internal/types"
)

/*
 * Rules.
 *
 * A Rule pairs a root condition with an event. Construction validates the
 * whole declaration; a Rule is immutable afterwards and may be evaluated
 * by any number of concurrent runs. Each evaluation builds a fresh
 * RuleResult whose condition tree and event are private copies.
 *
 * Defaults:
 *   priority  1
 *   event     {type: "unknown"}
 *
 * Rule-local listeners (WithOnSuccess, WithOnFailure) fire inside Evaluate,
 * before the engine publishes its own events for the rule.
 */

// DefaultEventType is used when a rule declares no event.
const DefaultEventType = "unknown"

// Rule is a validated, immutable rule.
type Rule struct {
	name       string
	priority   int
	conditions Condition
	event      types.Event
	onSuccess  []Listener
	onFailure  []Listener
}

// RuleOption configures a Rule.
type RuleOption func(*Rule)

// WithOnSuccess adds a listener called when the rule evaluates to true.
func WithOnSuccess(l Listener) RuleOption {
	return func(r *Rule) {
		if l != nil {
			r.onSuccess = append(r.onSuccess, l)
		}
	}
}

// WithOnFailure adds a listener called when the rule evaluates to false.
func WithOnFailure(l Listener) RuleOption {
	return func(r *Rule) {
		if l != nil {
			r.onFailure = append(r.onFailure, l)
		}
	}
}

// NewRule validates decl and builds a Rule. A zero priority means the
// default; negative priorities are rejected.
func NewRule(decl types.RuleDecl, opts ...RuleOption) (*Rule, error) {
	field := "rule"
	if decl.Name != "" {
		field = "rule." + decl.Name
	}

	r := &Rule{
		name:     decl.Name,
		priority: DefaultFactPriority,
		event:    types.Event{Type: DefaultEventType},
	}
	switch {
	case decl.Priority < 0:
		return nil, types.NewValidationError(field+".priority", "must be greater than zero, got %d", decl.Priority)
	case decl.Priority > 0:
		r.priority = decl.Priority
	}

	if decl.Conditions == nil {
		return nil, types.NewValidationError(field+".conditions", "required")
	}
	cond, err := NewRootCondition(decl.Conditions)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	r.conditions = cond

	if decl.Event != nil {
		if decl.Event.Type == "" {
			return nil, types.NewValidationError(field+".event.type", "required")
		}
		r.event = decl.Event.Clone()
	}

	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// ParseRule decodes a JSON rule declaration.
func ParseRule(data []byte, opts ...RuleOption) (*Rule, error) {
	var decl types.RuleDecl
	if err := json.Unmarshal(data, &decl); err != nil {
		return nil, types.NewValidationError("rule", "invalid JSON: %v", err)
	}
	return NewRule(decl, opts...)
}

// MustRule is like NewRule but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustRule(decl types.RuleDecl, opts ...RuleOption) *Rule {
	r, err := NewRule(decl, opts...)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Rule) Name() string          { return r.name }
func (r *Rule) Priority() int         { return r.priority }
func (r *Rule) Conditions() Condition { return r.conditions }

// Event returns a copy of the declared event.
func (r *Rule) Event() types.Event { return r.event.Clone() }

// ToJSON returns {conditions, priority, event, name?}.
func (r *Rule) ToJSON() map[string]any {
	out := map[string]any{
		"conditions": r.conditions.ToJSON(),
		"priority":   r.priority,
		"event":      eventJSON(r.event),
	}
	if r.name != "" {
		out["name"] = r.name
	}
	return out
}

// MarshalJSON implements json.Marshaler.
func (r *Rule) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.ToJSON())
}

// Evaluate runs the rule against ec and fires rule-local listeners.
func (r *Rule) Evaluate(ctx context.Context, ec *EvalContext) (*RuleResult, error) {
	cond, err := r.conditions.Evaluate(ctx, ec)
	if err != nil {
		return nil, err
	}

	event := r.event.Clone()
	if ec.ReplaceFactsInEventParams && event.Params != nil {
		for k, v := range event.Params {
			resolved, err := ec.Almanac.GetValue(ctx, v)
			if err != nil {
				return nil, fmt.Errorf("rule %s: event param %s: %w", r.name, k, err)
			}
			event.Params[k] = resolved
		}
	}

	res := &RuleResult{
		Name:       r.name,
		Priority:   r.priority,
		Conditions: cond,
		Event:      event,
		Result:     boolPtr(cond.Passed()),
	}
	ec.logger().Debug("rule evaluated",
		zap.String("rule", r.name),
		zap.Int("priority", r.priority),
		zap.Bool("result", *res.Result),
	)

	listeners := r.onFailure
	if *res.Result {
		listeners = r.onSuccess
	}
	for _, l := range listeners {
		if err := l(ctx, res.Event.Clone(), ec.Almanac, res); err != nil {
			return nil, err
		}
	}
	return res, nil
}
