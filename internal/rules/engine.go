// internal/rules/engine.go
package rules

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/solatis/rulekeeper/internal/types"
)

/*
 * Engine: rule, fact, named-condition and operator registries plus the run
 * loop.
 *
 * Run flow:
 *   1. Build (or adopt) an Almanac; add engine facts, then runtime facts
 *   2. Group rules into priority tiers (highest first)
 *   3. Before each tier: stop if ctx is done (error) or Stop was called
 *   4. Evaluate the tier's rules concurrently
 *   5. Once the tier settles, record results and events on the Almanac in
 *      rule declaration order and notify engine listeners
 *
 * Every rule is scored; tiers only order execution. Stop halts every run
 * in progress at its next tier boundary; runs started afterwards proceed
 * normally.
 *
 * Registries may be changed while runs are in progress. A run works on a
 * snapshot of rules and facts taken when it starts; named conditions and
 * operators are looked up live.
 */

// Engine evaluates rules against facts. Safe for concurrent use.
type Engine struct {
	mu         sync.RWMutex
	rules      []*Rule
	facts      map[string]*Fact
	conditions map[string]Condition

	operators *OperatorMap
	events    *emitter

	// stopGen is bumped by Stop; runs halt when it differs from the
	// value they started with.
	stopGen atomic.Uint64

	allowUndefinedFacts       bool
	allowUndefinedConditions  bool
	replaceFactsInEventParams bool
	pathResolver              PathResolver
	logger                    *zap.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithUndefinedFacts makes comparisons against unknown facts see nil
// instead of failing the run. This changes evaluation semantics.
func WithUndefinedFacts(allow bool) EngineOption {
	return func(e *Engine) { e.allowUndefinedFacts = allow }
}

// WithUndefinedConditions makes references to unregistered named
// conditions evaluate to false instead of failing the run. This changes
// evaluation semantics.
func WithUndefinedConditions(allow bool) EngineOption {
	return func(e *Engine) { e.allowUndefinedConditions = allow }
}

// WithReplaceFactsInEventParams resolves fact references in event params
// before events are published.
func WithReplaceFactsInEventParams(replace bool) EngineOption {
	return func(e *Engine) { e.replaceFactsInEventParams = replace }
}

// WithPathResolver replaces the default condition path resolver.
func WithPathResolver(r PathResolver) EngineOption {
	return func(e *Engine) {
		if r != nil {
			e.pathResolver = r
		}
	}
}

// WithLogger sets the diagnostic logger (default: no-op).
func WithLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEngine creates an engine with the default operators and decorators.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		facts:        make(map[string]*Fact),
		conditions:   make(map[string]Condition),
		pathResolver: ResolvePath,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.operators = NewDefaultOperatorMap(e.logger)
	e.events = newEmitter(e.logger)
	return e
}

// AddRule appends r to the rule list.
func (e *Engine) AddRule(r *Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, r)
}

// AddRules appends rules in order.
func (e *Engine) AddRules(rs ...*Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, rs...)
}

// UpdateRule replaces the rule with the same name, keeping its position.
func (e *Engine) UpdateRule(r *Rule) error {
	if r.name == "" {
		return types.NewValidationError("rule.name", "required to update a rule")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, existing := range e.rules {
		if existing.name == r.name {
			e.rules[i] = r
			return nil
		}
	}
	return fmt.Errorf("%w: %s", types.ErrRuleNotFound, r.name)
}

// RemoveRule removes r. Reports whether it was registered.
func (e *Engine) RemoveRule(r *Rule) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, existing := range e.rules {
		if existing == r {
			e.rules = append(e.rules[:i:i], e.rules[i+1:]...)
			return true
		}
	}
	return false
}

// RemoveRuleByName removes every rule named name. Reports whether any was
// registered.
func (e *Engine) RemoveRuleByName(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	kept := e.rules[:0:0]
	for _, r := range e.rules {
		if r.name != name {
			kept = append(kept, r)
		}
	}
	removed := len(kept) != len(e.rules)
	e.rules = kept
	return removed
}

// Rules returns the registered rules in declaration order.
func (e *Engine) Rules() []*Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]*Rule{}, e.rules...)
}

// AddFact registers f, replacing any fact with the same id.
func (e *Engine) AddFact(f *Fact) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.facts[f.id] = f
}

// RemoveFact reports whether id was registered.
func (e *Engine) RemoveFact(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.facts[id]
	delete(e.facts, id)
	return ok
}

// GetFact returns the engine fact for id.
func (e *Engine) GetFact(id string) (*Fact, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	f, ok := e.facts[id]
	return f, ok
}

// SetCondition registers a named condition usable through
// {condition: name}. The root must be all, any, not or condition.
func (e *Engine) SetCondition(name string, decl map[string]any) error {
	if name == "" {
		return types.NewValidationError("condition.name", "must not be empty")
	}
	c, err := NewRootCondition(decl)
	if err != nil {
		return fmt.Errorf("condition %s: %w", name, err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.conditions[name] = c
	return nil
}

// RemoveCondition reports whether name was registered.
func (e *Engine) RemoveCondition(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.conditions[name]
	delete(e.conditions, name)
	return ok
}

// Condition implements ConditionLookup against the live registry.
func (e *Engine) Condition(name string) (Condition, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.conditions[name]
	return c, ok
}

func (e *Engine) AddOperator(op *Operator) { e.operators.AddOperator(op) }
func (e *Engine) RemoveOperator(name string) bool { return e.operators.RemoveOperator(name) }
func (e *Engine) AddOperatorDecorator(d *OperatorDecorator) { e.operators.AddDecorator(d) }
func (e *Engine) RemoveOperatorDecorator(name string) bool { return e.operators.RemoveDecorator(name) }
func (e *Engine) Operators() *OperatorMap { return e.operators }

// On subscribes l to event: "success", "failure" or a rule event type.
// The returned function unsubscribes.
func (e *Engine) On(event string, l Listener) func() {
	return e.events.on(event, l)
}

// Stop halts runs in progress before their next priority tier. Results of
// rules already evaluated are kept.
func (e *Engine) Stop() {
	e.stopGen.Add(1)
	e.logger.Debug("engine stop requested")
}

// RunResult is the outcome of one run.
type RunResult struct {
	Results        []*RuleResult
	FailureResults []*RuleResult
	Events         []types.Event
	FailureEvents  []types.Event
	Almanac        *Almanac
}

// RunOption configures a single run.
type RunOption func(*runOptions)

type runOptions struct {
	almanac *Almanac
}

// WithAlmanac evaluates against a caller-supplied almanac. Engine facts
// are added to it before the runtime facts.
func WithAlmanac(a *Almanac) RunOption {
	return func(o *runOptions) { o.almanac = a }
}

// Run evaluates every rule against facts. Values in facts that are *Fact
// are registered as-is; any other value becomes a constant fact. A done
// ctx stops the run at the next tier boundary and its error is returned.
func (e *Engine) Run(ctx context.Context, facts map[string]any, opts ...RunOption) (*RunResult, error) {
	var ro runOptions
	for _, opt := range opts {
		opt(&ro)
	}

	gen := e.stopGen.Load()
	start := time.Now()

	e.mu.RLock()
	rules := append([]*Rule{}, e.rules...)
	engineFacts := make([]*Fact, 0, len(e.facts))
	factPriority := make(map[string]int, len(e.facts))
	for id, f := range e.facts {
		engineFacts = append(engineFacts, f)
		factPriority[id] = f.priority
	}
	e.mu.RUnlock()

	almanac := ro.almanac
	if almanac == nil {
		almanac = NewAlmanac(
			WithAllowUndefinedFacts(e.allowUndefinedFacts),
			WithAlmanacPathResolver(e.pathResolver),
			WithAlmanacLogger(e.logger),
		)
	}
	for _, f := range engineFacts {
		almanac.AddFact(f)
	}
	for id, v := range facts {
		if f, ok := v.(*Fact); ok {
			almanac.AddFact(f)
			continue
		}
		if err := almanac.AddRuntimeFact(id, v); err != nil {
			return nil, err
		}
	}

	e.logger.Debug("run started", zap.Int("rules", len(rules)), zap.Int("facts", len(facts)))

	// Implicit comparison priority comes from the engine-registered fact,
	// so runtime overrides do not reorder conditions.
	priorityOf := func(id string) (int, bool) {
		if p, ok := factPriority[id]; ok {
			return p, true
		}
		if f, ok := almanac.Fact(id); ok {
			return f.priority, true
		}
		return 0, false
	}

	ec := &EvalContext{
		Almanac:                   almanac,
		Operators:                 e.operators,
		Conditions:                e,
		FactPriority:              priorityOf,
		AllowUndefinedConditions:  e.allowUndefinedConditions,
		ReplaceFactsInEventParams: e.replaceFactsInEventParams,
		Logger:                    e.logger,
	}

	// Cancellation is observed only between rule tiers; a started tier
	// always settles.
	tierCtx := context.WithoutCancel(ctx)

	results := make([]*RuleResult, len(rules))
	s := schedule[*Rule]{
		priority: (*Rule).Priority,
		run: func(ctx context.Context, i int, r *Rule) (bool, error) {
			res, err := r.Evaluate(ctx, ec)
			if err != nil {
				return false, err
			}
			results[i] = res
			return *res.Result, nil
		},
		before: func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if e.stopGen.Load() != gen {
				e.logger.Debug("run stopped before tier")
				return errHalt
			}
			return nil
		},
		settled: func(tier []int) error {
			for _, i := range tier {
				if err := e.publish(tierCtx, almanac, results[i]); err != nil {
					return err
				}
			}
			return nil
		},
	}

	if _, err := s.execute(tierCtx, rules); err != nil {
		e.logger.Debug("run failed", zap.Error(err))
		if ctx.Err() != nil {
			return nil, fmt.Errorf("run cancelled: %w", ctx.Err())
		}
		return nil, err
	}

	out := &RunResult{
		Events:        almanac.Events(types.OutcomeSuccess),
		FailureEvents: almanac.Events(types.OutcomeFailure),
		Almanac:       almanac,
	}
	for _, r := range almanac.Results() {
		if r.Outcome() == types.OutcomeSuccess {
			out.Results = append(out.Results, r)
		} else {
			out.FailureResults = append(out.FailureResults, r)
		}
	}

	e.logger.Debug("run finished",
		zap.Int("success", len(out.Results)),
		zap.Int("failure", len(out.FailureResults)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return out, nil
}

// publish records res on the almanac and notifies engine listeners.
func (e *Engine) publish(ctx context.Context, almanac *Almanac, res *RuleResult) error {
	almanac.AddResult(res)
	outcome := res.Outcome()
	almanac.AddEvent(res.Event.Clone(), outcome)

	if outcome == types.OutcomeFailure {
		return e.events.emit(ctx, EventFailure, res.Event, almanac, res)
	}
	if err := e.events.emit(ctx, EventSuccess, res.Event, almanac, res); err != nil {
		return err
	}
	return e.events.emit(ctx, res.Event.Type, res.Event, almanac, res)
}
