// internal/types/rules.go
package types

/*
 * Declaration types for rule evaluation.
 *
 * Wire-format agnostic: rule-set files (JSON or YAML), the gRPC service and
 * Go callers all produce these shapes; internal/rules turns them into
 * immutable, validated Rule and Condition values.
 *
 * Key types:
 *   - RuleDecl: conditions root, event, optional priority and name
 *   - Event: event type plus optional params
 *   - FactRef: {fact, params?, path?}, usable wherever a condition value
 *     may itself be computed from a fact
 *
 * Condition declarations stay JSON-shaped (map[string]any) because the
 * variant is decided by which key is present (all/any/not/condition or a
 * bare comparison). The factory in internal/rules inspects them once.
 */

// Event is the descriptor a rule emits on success or failure.
type Event struct {
	Type   string         `json:"type" yaml:"type"`
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// Clone returns a deep copy of e.
func (e Event) Clone() Event {
	out := Event{Type: e.Type}
	if e.Params != nil {
		out.Params = CloneValue(e.Params).(map[string]any)
	}
	return out
}

// RuleDecl is the declarative form of a rule.
type RuleDecl struct {
	Name       string         `json:"name,omitempty" yaml:"name,omitempty"`
	Priority   int            `json:"priority,omitempty" yaml:"priority,omitempty"`
	Conditions map[string]any `json:"conditions" yaml:"conditions"`
	Event      *Event         `json:"event" yaml:"event"`
}

// FactRef is a reference to a fact value: {fact, params?, path?}.
type FactRef struct {
	Fact   string         `json:"fact"`
	Params map[string]any `json:"params,omitempty"`
	Path   string         `json:"path,omitempty"`
}

// AsFactRef reports whether v has the fact-reference shape and decodes it.
// Only maps carrying a string "fact" key qualify.
func AsFactRef(v any) (FactRef, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return FactRef{}, false
	}
	id, ok := m["fact"].(string)
	if !ok {
		return FactRef{}, false
	}
	ref := FactRef{Fact: id}
	if p, ok := m["params"].(map[string]any); ok {
		ref.Params = p
	}
	if p, ok := m["path"].(string); ok {
		ref.Path = p
	}
	return ref, true
}

// CloneValue deep-copies JSON-shaped values (maps, slices, scalars).
// Values of other types are returned as-is.
func CloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = CloneValue(elem)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = CloneValue(elem)
		}
		return out
	case []map[string]any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = CloneValue(elem)
		}
		return out
	default:
		return v
	}
}
