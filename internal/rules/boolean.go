package rules

import "context"

// boolNode is shared by All and Any.
type boolNode struct {
	header
	children []Condition
}

// evaluate schedules the children by priority and returns their results,
// with skipped children mirrored unevaluated.
func (n boolNode) evaluate(ctx context.Context, ec *EvalContext, halt func(bool) bool) ([]*ConditionResult, error) {
	results := make([]*ConditionResult, len(n.children))
	s := schedule[Condition]{
		priority: ec.priorityOf,
		run: func(ctx context.Context, i int, c Condition) (bool, error) {
			r, err := c.Evaluate(ctx, ec)
			if err != nil {
				return false, err
			}
			results[i] = r
			return r.Passed(), nil
		},
		halt: halt,
	}
	if _, err := s.execute(ctx, n.children); err != nil {
		return nil, err
	}
	for i, r := range results {
		if r == nil {
			results[i] = ec.skip(n.children[i])
		}
	}
	return results, nil
}

func (n boolNode) skipChildren() []*ConditionResult {
	out := make([]*ConditionResult, len(n.children))
	for i, c := range n.children {
		out[i] = c.Skip()
	}
	return out
}

func (n boolNode) result(kind Kind) *ConditionResult {
	return &ConditionResult{
		Kind:     kind,
		Name:     n.name,
		Priority: n.effectivePriority(),
	}
}

func (n boolNode) effectivePriority() int {
	if n.priority > 0 {
		return n.priority
	}
	return DefaultFactPriority
}

func (n boolNode) toJSON(key string) map[string]any {
	list := make([]any, len(n.children))
	for i, c := range n.children {
		list[i] = c.ToJSON()
	}
	out := map[string]any{key: list}
	n.header.toJSON(out, true)
	return out
}

// All is true when every child is true. An empty All is true.
type All struct{ boolNode }

func (a *All) Kind() Kind { return KindAll }

func (a *All) Evaluate(ctx context.Context, ec *EvalContext) (*ConditionResult, error) {
	children, err := a.evaluate(ctx, ec, func(passed bool) bool { return !passed })
	if err != nil {
		return nil, err
	}
	passed := true
	for _, r := range children {
		if !r.Passed() {
			passed = false
			break
		}
	}
	r := a.result(KindAll)
	r.All = children
	r.Result = boolPtr(passed)
	return r, nil
}

func (a *All) Skip() *ConditionResult {
	r := a.result(KindAll)
	r.All = a.skipChildren()
	return r
}

func (a *All) ToJSON() map[string]any { return a.toJSON("all") }

// Any is true when at least one child is true. An empty Any is true.
type Any struct{ boolNode }

func (a *Any) Kind() Kind { return KindAny }

func (a *Any) Evaluate(ctx context.Context, ec *EvalContext) (*ConditionResult, error) {
	children, err := a.evaluate(ctx, ec, func(passed bool) bool { return passed })
	if err != nil {
		return nil, err
	}
	passed := len(children) == 0
	for _, r := range children {
		if r.Passed() {
			passed = true
			break
		}
	}
	r := a.result(KindAny)
	r.Any = children
	r.Result = boolPtr(passed)
	return r, nil
}

func (a *Any) Skip() *ConditionResult {
	r := a.result(KindAny)
	r.Any = a.skipChildren()
	return r
}

func (a *Any) ToJSON() map[string]any { return a.toJSON("any") }

// Not negates its single child.
type Not struct {
	header
	child Condition
}

func (n *Not) Kind() Kind { return KindNot }

// Child returns the negated condition.
func (n *Not) Child() Condition { return n.child }

func (n *Not) Evaluate(ctx context.Context, ec *EvalContext) (*ConditionResult, error) {
	child, err := n.child.Evaluate(ctx, ec)
	if err != nil {
		return nil, err
	}
	r := n.Skip()
	r.Not = child
	r.Result = boolPtr(!child.Passed())
	return r, nil
}

func (n *Not) Skip() *ConditionResult {
	p := n.priority
	if p == 0 {
		p = DefaultFactPriority
	}
	return &ConditionResult{
		Kind:     KindNot,
		Name:     n.name,
		Priority: p,
		Not:      n.child.Skip(),
	}
}

func (n *Not) ToJSON() map[string]any {
	out := map[string]any{"not": n.child.ToJSON()}
	n.header.toJSON(out, true)
	return out
}

// compile-time interface checks
var (
	_ Condition = (*Comparison)(nil)
	_ Condition = (*All)(nil)
	_ Condition = (*Any)(nil)
	_ Condition = (*Not)(nil)
	_ Condition = (*Reference)(nil)
)
