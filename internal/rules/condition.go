// internal/rules/condition.go
package rules

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/solatis/rulekeeper/internal/types"
)

/*
 * Condition construction and validation.
 *
 * NewCondition inspects a JSON-shaped declaration once and builds the
 * matching variant:
 *
 *   {all: [...]}          -> *All
 *   {any: [...]}          -> *Any
 *   {not: {...}}          -> *Not
 *   {condition: "name"}   -> *Reference
 *   {fact, operator, value, params?, path?} -> *Comparison
 *
 * Malformed declarations fail here with a ValidationError naming the
 * field; evaluation never re-inspects the shape. Variants are immutable:
 * declared values are deep-copied in and ToJSON returns fresh copies, and
 * evaluation writes only into a newly allocated ConditionResult tree.
 */

// Kind tags condition variants.
type Kind string

const (
	KindComparison Kind = "comparison"
	KindAll        Kind = "all"
	KindAny        Kind = "any"
	KindNot        Kind = "not"
	KindReference  Kind = "reference"
)

// Condition is a node of a boolean decision tree.
type Condition interface {
	Kind() Kind
	// Name is the optional declared name.
	Name() string
	// Evaluate computes a fresh result tree for this node.
	Evaluate(ctx context.Context, ec *EvalContext) (*ConditionResult, error)
	// Skip returns an unevaluated result node (no result value).
	Skip() *ConditionResult
	// ToJSON returns the declaration this condition was built from.
	ToJSON() map[string]any

	// declaredPriority is the explicit priority, or 0.
	declaredPriority() int
}

// ConditionLookup resolves named conditions for Reference nodes.
type ConditionLookup interface {
	Condition(name string) (Condition, bool)
}

// ConditionMap is a static ConditionLookup.
type ConditionMap map[string]Condition

// Condition implements ConditionLookup.
func (m ConditionMap) Condition(name string) (Condition, bool) {
	c, ok := m[name]
	return c, ok
}

// EvalContext carries the collaborators a condition tree is evaluated
// against. A zero Operators or Conditions field is treated as empty.
type EvalContext struct {
	Almanac    *Almanac
	Operators  *OperatorMap
	Conditions ConditionLookup

	// FactPriority reports the priority of a registered fact; comparisons
	// without an explicit priority use it. When nil the almanac is asked.
	FactPriority func(factID string) (int, bool)

	// AllowUndefinedConditions makes references to unregistered names
	// evaluate to false instead of failing with UndefinedConditionError.
	// This changes evaluation semantics and is opt-in.
	AllowUndefinedConditions bool

	// ReplaceFactsInEventParams resolves fact references found in rule
	// event params before the event is published.
	ReplaceFactsInEventParams bool

	Logger *zap.Logger

	// refs is the chain of named conditions being dereferenced.
	refs []string
}

func (ec *EvalContext) logger() *zap.Logger {
	if ec.Logger == nil {
		return zap.NewNop()
	}
	return ec.Logger
}

// priorityOf returns the effective priority of c: explicit priority, then
// (comparisons only) the fact priority, then 1.
func (ec *EvalContext) priorityOf(c Condition) int {
	if p := c.declaredPriority(); p > 0 {
		return p
	}
	if cmp, ok := c.(*Comparison); ok {
		return ec.factPriority(cmp.fact)
	}
	return DefaultFactPriority
}

func (ec *EvalContext) factPriority(id string) int {
	if ec.FactPriority != nil {
		if p, ok := ec.FactPriority(id); ok {
			return p
		}
		return DefaultFactPriority
	}
	if ec.Almanac != nil {
		if f, ok := ec.Almanac.Fact(id); ok {
			return f.priority
		}
	}
	return DefaultFactPriority
}

// skip returns the unevaluated result of c with inherited comparison
// priorities filled in.
func (ec *EvalContext) skip(c Condition) *ConditionResult {
	r := c.Skip()
	ec.fillPriorities(r)
	return r
}

func (ec *EvalContext) fillPriorities(r *ConditionResult) {
	if r == nil {
		return
	}
	if r.Kind == KindComparison && r.Priority == 0 {
		r.Priority = ec.factPriority(r.Fact)
	}
	for _, child := range r.All {
		ec.fillPriorities(child)
	}
	for _, child := range r.Any {
		ec.fillPriorities(child)
	}
	ec.fillPriorities(r.Not)
	ec.fillPriorities(r.Resolved)
}

// conditionKeys are the keys that select a non-comparison variant.
var conditionKeys = []string{"all", "any", "not", "condition"}

// NewCondition builds a condition from its declaration.
func NewCondition(decl map[string]any) (Condition, error) {
	return buildCondition(decl, "conditions", 0)
}

// NewRootCondition builds a condition that may serve as the root of a rule
// or as a named condition: all, any, not or condition, never a bare
// comparison.
func NewRootCondition(decl map[string]any) (Condition, error) {
	if decl == nil {
		return nil, types.NewValidationError("conditions", "required")
	}
	if rootKey(decl) == "" {
		return nil, types.NewValidationError("conditions",
			`root must contain a single instance of "all", "any", "not", or "condition"`)
	}
	return NewCondition(decl)
}

// ParseCondition decodes JSON and builds the condition.
func ParseCondition(data []byte) (Condition, error) {
	var decl map[string]any
	if err := json.Unmarshal(data, &decl); err != nil {
		return nil, types.NewValidationError("conditions", "invalid JSON: %v", err)
	}
	return NewCondition(decl)
}

// MustCondition is like NewCondition but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustCondition(decl map[string]any) Condition {
	c, err := NewCondition(decl)
	if err != nil {
		panic(err)
	}
	return c
}

func rootKey(decl map[string]any) string {
	for _, k := range conditionKeys {
		if _, ok := decl[k]; ok {
			return k
		}
	}
	return ""
}

func buildCondition(decl map[string]any, field string, depth int) (Condition, error) {
	if decl == nil {
		return nil, types.NewValidationError(field, "condition declaration required")
	}
	if depth > types.MaxConditionDepth {
		return nil, types.NewValidationError(field, "nesting exceeds maximum depth %d", types.MaxConditionDepth)
	}

	var present []string
	for _, k := range conditionKeys {
		if _, ok := decl[k]; ok {
			present = append(present, k)
		}
	}
	if len(present) > 1 {
		return nil, types.NewValidationError(field, "ambiguous condition: %v are mutually exclusive", present)
	}

	hdr, err := parseHeader(decl, field)
	if err != nil {
		return nil, err
	}

	if len(present) == 0 {
		return buildComparison(decl, field, hdr)
	}

	switch key := present[0]; key {
	case "all", "any":
		elems, ok := asDeclList(decl[key])
		if !ok {
			return nil, types.NewValidationError(field+"."+key, `"%s" must be an array`, key)
		}
		children := make([]Condition, 0, len(elems))
		for i, elem := range elems {
			childField := fmt.Sprintf("%s.%s[%d]", field, key, i)
			m, ok := elem.(map[string]any)
			if !ok {
				return nil, types.NewValidationError(childField, "must be an object")
			}
			child, err := buildCondition(m, childField, depth+1)
			if err != nil {
				return nil, err
			}
			children = append(children, child)
		}
		node := boolNode{header: hdr, children: children}
		if key == "all" {
			return &All{node}, nil
		}
		return &Any{node}, nil

	case "not":
		m, ok := decl["not"].(map[string]any)
		if !ok {
			return nil, types.NewValidationError(field+".not", `"not" must be a single condition object`)
		}
		child, err := buildCondition(m, field+".not", depth+1)
		if err != nil {
			return nil, err
		}
		return &Not{header: hdr, child: child}, nil

	default:
		name, ok := decl["condition"].(string)
		if !ok || name == "" {
			return nil, types.NewValidationError(field+".condition", "must be a non-empty string")
		}
		return &Reference{header: hdr, ref: name}, nil
	}
}

// header holds the metadata every variant may carry.
type header struct {
	name     string
	priority int // 0 when not declared
}

func (h header) Name() string          { return h.name }
func (h header) declaredPriority() int { return h.priority }

// toJSON writes the header fields; booleans always report a priority.
func (h header) toJSON(out map[string]any, defaultPriority bool) {
	if h.name != "" {
		out["name"] = h.name
	}
	switch {
	case h.priority > 0:
		out["priority"] = h.priority
	case defaultPriority:
		out["priority"] = DefaultFactPriority
	}
}

func parseHeader(decl map[string]any, field string) (header, error) {
	var h header
	if raw, ok := decl["name"]; ok && raw != nil {
		name, ok := raw.(string)
		if !ok {
			return h, types.NewValidationError(field+".name", "must be a string")
		}
		h.name = name
	}
	if raw, ok := decl["priority"]; ok && raw != nil {
		p, ok := toPriority(raw)
		if !ok {
			return h, types.NewValidationError(field+".priority", "must be a positive integer, got %v", raw)
		}
		h.priority = p
	}
	return h, nil
}

// asDeclList accepts the list shapes produced by encoding/json, yaml.v3
// and Go literals.
func asDeclList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case []map[string]any:
		out := make([]any, len(l))
		for i, m := range l {
			out[i] = m
		}
		return out, true
	default:
		return nil, false
	}
}
