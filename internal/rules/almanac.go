// internal/rules/almanac.go
package rules

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"

	"github.com/solatis/rulekeeper/internal/types"
)

/*
 * Almanac: per-run fact registry and memoizing cache.
 *
 * The cache maps cache key -> factEntry. An entry is installed under the
 * lock before its computation starts, and the computation runs outside the
 * lock in the requesting goroutine. Every later or concurrent request for
 * the same key waits on the entry's done channel instead of computing again
 * (request coalescing). Errors are cached like values: every waiter sees
 * the same failure and nothing is retried.
 *
 * Constant facts are never cached; their value is returned directly.
 *
 * Event and result logs are append-only; getters return copies.
 */

// factEntry is a pending or settled fact computation.
type factEntry struct {
	done  chan struct{}
	value any
	err   error
}

// Almanac holds the facts, the fact result cache, and the event and result
// logs of one run. Safe for concurrent use.
type Almanac struct {
	mu      sync.Mutex
	facts   map[string]*Fact
	cache   map[string]*factEntry
	events  map[types.Outcome][]types.Event
	results []*RuleResult

	allowUndefinedFacts bool
	pathResolver        PathResolver
	logger              *zap.Logger
}

// AlmanacOption configures an Almanac.
type AlmanacOption func(*Almanac)

// WithAllowUndefinedFacts makes unknown fact ids resolve to nil instead of
// failing with UndefinedFactError. This changes evaluation semantics: a
// comparison against a missing fact is decided by its operator on nil.
func WithAllowUndefinedFacts(allow bool) AlmanacOption {
	return func(a *Almanac) {
		a.allowUndefinedFacts = allow
	}
}

// WithAlmanacPathResolver sets the resolver used for condition paths.
func WithAlmanacPathResolver(r PathResolver) AlmanacOption {
	return func(a *Almanac) {
		if r != nil {
			a.pathResolver = r
		}
	}
}

// WithAlmanacLogger sets the diagnostic logger.
func WithAlmanacLogger(l *zap.Logger) AlmanacOption {
	return func(a *Almanac) {
		if l != nil {
			a.logger = l
		}
	}
}

// NewAlmanac creates an empty almanac.
func NewAlmanac(opts ...AlmanacOption) *Almanac {
	a := &Almanac{
		facts:        make(map[string]*Fact),
		cache:        make(map[string]*factEntry),
		events:       make(map[types.Outcome][]types.Event),
		pathResolver: ResolvePath,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// AddFact registers f, superseding any fact with the same id.
func (a *Almanac) AddFact(f *Fact) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.facts[f.id] = f
}

// AddRuntimeFact registers a constant fact that supersedes any fact of the
// same id in this almanac only. The override keeps the priority of the fact
// it replaces.
func (a *Almanac) AddRuntimeFact(id string, value any) error {
	var opts []FactOption
	if prev, ok := a.Fact(id); ok {
		opts = append(opts, WithPriority(prev.priority))
	}
	f, err := NewFact(id, value, opts...)
	if err != nil {
		return err
	}
	a.AddFact(f)
	return nil
}

// Fact returns the registered fact for id.
func (a *Almanac) Fact(id string) (*Fact, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	f, ok := a.facts[id]
	return f, ok
}

// FactValue resolves fact id with params, then applies path when the value
// is object-like.
func (a *Almanac) FactValue(ctx context.Context, id string, params map[string]any, path string) (any, error) {
	value, err := a.resolve(ctx, id, params)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return value, nil
	}
	if !isObjectLike(value) {
		a.logger.Debug("path ignored for non-object fact value",
			zap.String("fact", id),
			zap.String("path", path),
			zap.Any("value", value),
		)
		return value, nil
	}
	sub, err := a.pathResolver(value, path)
	if err != nil {
		return nil, fmt.Errorf("fact %s: path %q: %w", id, path, err)
	}
	return sub, nil
}

// GetValue resolves x when it has the fact reference shape
// {fact, params?, path?}; any other value is returned unchanged.
func (a *Almanac) GetValue(ctx context.Context, x any) (any, error) {
	ref, ok := types.AsFactRef(x)
	if !ok {
		return x, nil
	}
	return a.FactValue(ctx, ref.Fact, ref.Params, ref.Path)
}

func (a *Almanac) resolve(ctx context.Context, id string, params map[string]any) (any, error) {
	a.mu.Lock()
	fact, ok := a.facts[id]
	if !ok {
		a.mu.Unlock()
		if a.allowUndefinedFacts {
			a.logger.Debug("undefined fact resolved to nil", zap.String("fact", id))
			return nil, nil
		}
		return nil, &types.UndefinedFactError{FactID: id}
	}
	if fact.IsConstant() {
		a.mu.Unlock()
		return fact.value, nil
	}

	key, cached, err := fact.CacheKey(params)
	if err != nil {
		a.mu.Unlock()
		return nil, err
	}
	if !cached {
		a.mu.Unlock()
		return a.compute(ctx, fact, params)
	}

	if entry, hit := a.cache[key]; hit {
		a.mu.Unlock()
		a.logger.Debug("fact cache hit", zap.String("fact", id))
		<-entry.done
		return entry.value, entry.err
	}

	entry := &factEntry{done: make(chan struct{})}
	a.cache[key] = entry
	a.mu.Unlock()

	a.logger.Debug("computing fact", zap.String("fact", id), zap.Any("params", params))
	entry.value, entry.err = a.compute(ctx, fact, params)
	close(entry.done)
	return entry.value, entry.err
}

// compute runs the fact computation, converting errors and panics into
// FactComputationError.
func (a *Almanac) compute(ctx context.Context, fact *Fact, params map[string]any) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("fact computation panicked",
				zap.String("fact", fact.id),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			value = nil
			err = &types.FactComputationError{FactID: fact.id, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	value, err = fact.Calculate(ctx, params, a)
	if err != nil {
		return nil, &types.FactComputationError{FactID: fact.id, Err: err}
	}
	return value, nil
}

// AddEvent appends event to the log for outcome.
func (a *Almanac) AddEvent(event types.Event, outcome types.Outcome) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events[outcome] = append(a.events[outcome], event)
}

// Events returns the events logged for outcome. An empty outcome returns
// success events followed by failure events.
func (a *Almanac) Events(outcome types.Outcome) []types.Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	if outcome == "" {
		out := make([]types.Event, 0, len(a.events[types.OutcomeSuccess])+len(a.events[types.OutcomeFailure]))
		out = append(out, a.events[types.OutcomeSuccess]...)
		return append(out, a.events[types.OutcomeFailure]...)
	}
	return append([]types.Event{}, a.events[outcome]...)
}

// AddResult appends a rule result.
func (a *Almanac) AddResult(r *RuleResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.results = append(a.results, r)
}

// Results returns the rule results logged so far.
func (a *Almanac) Results() []*RuleResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*RuleResult{}, a.results...)
}
