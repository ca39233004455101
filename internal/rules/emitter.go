package rules

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"

	"github.com/solatis/rulekeeper/internal/types"
)

// Engine-level event names. Listeners may also subscribe to a rule event
// type, which is emitted after "success".
const (
	EventSuccess = "success"
	EventFailure = "failure"
)

// Listener observes rule outcomes. A returned error aborts the run.
type Listener func(ctx context.Context, event types.Event, almanac *Almanac, result *RuleResult) error

type subscription struct {
	id uint64
	fn Listener
}

// emitter dispatches named events to listeners in registration order.
// Emission works on a snapshot, so listeners may subscribe or unsubscribe
// while being called.
type emitter struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[string][]subscription
	logger *zap.Logger
}

func newEmitter(logger *zap.Logger) *emitter {
	return &emitter{subs: make(map[string][]subscription), logger: logger}
}

// on registers fn for name and returns a function removing it.
func (e *emitter) on(name string, fn Listener) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	e.subs[name] = append(e.subs[name], subscription{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() { e.off(name, id) })
	}
}

func (e *emitter) off(name string, id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	subs := e.subs[name]
	for i, s := range subs {
		if s.id == id {
			e.subs[name] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(e.subs[name]) == 0 {
		delete(e.subs, name)
	}
}

func (e *emitter) snapshot(name string) []subscription {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]subscription{}, e.subs[name]...)
}

// emit calls every listener for name in order, stopping at the first error.
func (e *emitter) emit(ctx context.Context, name string, event types.Event, almanac *Almanac, result *RuleResult) error {
	for _, s := range e.snapshot(name) {
		if err := e.call(ctx, s.fn, event, almanac, result); err != nil {
			return fmt.Errorf("listener for %q: %w", name, err)
		}
	}
	return nil
}

func (e *emitter) call(ctx context.Context, fn Listener, event types.Event, almanac *Almanac, result *RuleResult) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("listener panicked",
				zap.String("event", event.Type),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, event.Clone(), almanac, result)
}
