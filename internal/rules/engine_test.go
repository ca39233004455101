package rules

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/solatis/rulekeeper/internal/types"
)

func eventTypes(evs []types.Event) []string {
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

func TestEngine_DrinkingAge(t *testing.T) {
	e := NewEngine()
	e.AddRule(drinkingAgeRule(t))

	res, err := e.Run(context.Background(), map[string]any{"age": 21})
	if err != nil {
		t.Fatal(err)
	}
	if got := eventTypes(res.Events); !reflect.DeepEqual(got, []string{"drinkingAge"}) {
		t.Errorf("events = %v", got)
	}
	if len(res.FailureEvents) != 0 {
		t.Errorf("failure events = %v", res.FailureEvents)
	}

	res, err = e.Run(context.Background(), map[string]any{"age": 20})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Events) != 0 {
		t.Errorf("events = %v", res.Events)
	}
	if got := eventTypes(res.FailureEvents); !reflect.DeepEqual(got, []string{"drinkingAge"}) {
		t.Errorf("failure events = %v", got)
	}
	if len(res.FailureResults) != 1 || res.FailureResults[0].Event.Type != "drinkingAge" {
		t.Errorf("failure results = %v", res.FailureResults)
	}
}

func TestEngine_RunsDoNotShareCache(t *testing.T) {
	var calls atomic.Int32
	e := NewEngine()
	e.AddFact(MustFact("age", FactFunc(func(context.Context, map[string]any, *Almanac) (any, error) {
		calls.Add(1)
		return 30, nil
	})))
	e.AddRule(drinkingAgeRule(t))
	e.AddRule(drinkingAgeRule(t))

	for i := 0; i < 2; i++ {
		if _, err := e.Run(context.Background(), nil); err != nil {
			t.Fatal(err)
		}
	}
	// computed once per run, shared by both rules
	if got := calls.Load(); got != 2 {
		t.Errorf("computations = %d, want 2", got)
	}
}

func TestEngine_RuntimeFactsOverrideEngineFacts(t *testing.T) {
	e := NewEngine()
	e.AddFact(MustFact("age", 10))
	e.AddRule(drinkingAgeRule(t))

	res, err := e.Run(context.Background(), map[string]any{"age": 40})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Events) != 1 {
		t.Errorf("runtime fact did not override engine fact")
	}

	res, err = e.Run(context.Background(), map[string]any{"age": MustFact("age", 5)})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.FailureEvents) != 1 {
		t.Errorf("*Fact runtime value not registered as-is")
	}
}

func TestEngine_ListenerOrder(t *testing.T) {
	e := NewEngine()
	e.AddRule(MustRule(types.RuleDecl{
		Name:       "low",
		Conditions: map[string]any{"all": []any{}},
		Event:      &types.Event{Type: "low-event"},
	}))
	e.AddRule(MustRule(types.RuleDecl{
		Name:       "high",
		Priority:   10,
		Conditions: map[string]any{"any": []any{map[string]any{"fact": "x", "operator": "equal", "value": 2}}},
		Event:      &types.Event{Type: "high-event"},
	}))
	e.AddRule(MustRule(types.RuleDecl{
		Name:       "low-too",
		Conditions: map[string]any{"all": []any{}},
		Event:      &types.Event{Type: "low-event"},
	}))

	var mu sync.Mutex
	var got []string
	listen := func(tag string) Listener {
		return func(_ context.Context, ev types.Event, _ *Almanac, r *RuleResult) error {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, tag+":"+r.Name)
			return nil
		}
	}
	e.On(EventSuccess, listen("success"))
	e.On(EventFailure, listen("failure"))
	e.On("low-event", listen("low-event"))

	if _, err := e.Run(context.Background(), map[string]any{"x": 1}); err != nil {
		t.Fatal(err)
	}
	want := []string{
		"failure:high",
		"success:low", "low-event:low",
		"success:low-too", "low-event:low-too",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("listener calls = %v, want %v", got, want)
	}
}

func TestEngine_UnsubscribeDuringDispatch(t *testing.T) {
	e := NewEngine()
	e.AddRule(MustRule(types.RuleDecl{Conditions: map[string]any{"all": []any{}}}))

	var second atomic.Int32
	var unsubscribeSecond func()
	e.On(EventSuccess, func(context.Context, types.Event, *Almanac, *RuleResult) error {
		unsubscribeSecond()
		return nil
	})
	unsubscribeSecond = e.On(EventSuccess, func(context.Context, types.Event, *Almanac, *RuleResult) error {
		second.Add(1)
		return nil
	})

	for i := 0; i < 2; i++ {
		if _, err := e.Run(context.Background(), nil); err != nil {
			t.Fatal(err)
		}
	}
	// the first dispatch works on its snapshot; later ones see the removal
	if got := second.Load(); got != 1 {
		t.Errorf("second listener calls = %d, want 1", got)
	}
}

func TestEngine_ListenerErrorAborts(t *testing.T) {
	e := NewEngine()
	e.AddRule(MustRule(types.RuleDecl{Conditions: map[string]any{"all": []any{}}}))
	boom := errors.New("boom")
	e.On(EventSuccess, func(context.Context, types.Event, *Almanac, *RuleResult) error { return boom })

	if _, err := e.Run(context.Background(), nil); !errors.Is(err, boom) {
		t.Errorf("error = %v, want boom", err)
	}
}

func TestEngine_ListenerPanicBecomesError(t *testing.T) {
	e := NewEngine()
	e.AddRule(MustRule(types.RuleDecl{Conditions: map[string]any{"all": []any{}}}))
	e.On(EventSuccess, func(context.Context, types.Event, *Almanac, *RuleResult) error { panic("bad listener") })

	if _, err := e.Run(context.Background(), nil); err == nil {
		t.Error("panicking listener should fail the run")
	}
}

func TestEngine_Stop(t *testing.T) {
	e := NewEngine()
	e.AddRule(MustRule(types.RuleDecl{
		Name:       "first",
		Priority:   10,
		Conditions: map[string]any{"all": []any{}},
		Event:      &types.Event{Type: "first"},
	}))
	e.AddRule(MustRule(types.RuleDecl{
		Name:       "second",
		Conditions: map[string]any{"all": []any{}},
		Event:      &types.Event{Type: "second"},
	}))
	e.On("first", func(context.Context, types.Event, *Almanac, *RuleResult) error {
		e.Stop()
		return nil
	})

	res, err := e.Run(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := eventTypes(res.Events); !reflect.DeepEqual(got, []string{"first"}) {
		t.Errorf("events after stop = %v", got)
	}

	// without the stopping listener both tiers run
	e2 := NewEngine()
	e2.AddRules(e.Rules()...)
	res, err = e2.Run(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Events) != 2 {
		t.Errorf("events = %v, want both rules", eventTypes(res.Events))
	}
}

func TestEngine_StopDoesNotAffectLaterRuns(t *testing.T) {
	e := NewEngine()
	e.AddRule(MustRule(types.RuleDecl{Conditions: map[string]any{"all": []any{}}}))
	e.Stop()
	res, err := e.Run(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Results) != 1 {
		t.Errorf("results = %d, want 1", len(res.Results))
	}
}

func TestEngine_ContextCancelled(t *testing.T) {
	e := NewEngine()
	e.AddRule(drinkingAgeRule(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := e.Run(ctx, map[string]any{"age": 30})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	if res != nil {
		t.Errorf("result = %+v, want nil", res)
	}
}

func TestEngine_CancelDuringTierLetsTierSettle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var lowCalls, listenerCalls, laterCalls atomic.Int32
	e := NewEngine()
	e.AddFact(MustFact("a", FactFunc(func(context.Context, map[string]any, *Almanac) (any, error) {
		cancel()
		return 1, nil
	}), WithPriority(10)))
	e.AddFact(MustFact("b", FactFunc(func(context.Context, map[string]any, *Almanac) (any, error) {
		lowCalls.Add(1)
		return 1, nil
	})))
	e.AddFact(MustFact("later", FactFunc(func(context.Context, map[string]any, *Almanac) (any, error) {
		laterCalls.Add(1)
		return 1, nil
	})))
	e.AddRule(MustRule(types.RuleDecl{
		Priority: 5,
		Conditions: map[string]any{"all": []any{
			map[string]any{"fact": "a", "operator": "equal", "value": 1},
			map[string]any{"fact": "b", "operator": "equal", "value": 1},
		}},
	}, WithOnSuccess(func(context.Context, types.Event, *Almanac, *RuleResult) error {
		listenerCalls.Add(1)
		return nil
	})))
	e.AddRule(MustRule(types.RuleDecl{
		Priority: 1,
		Conditions: map[string]any{"all": []any{
			map[string]any{"fact": "later", "operator": "equal", "value": 1},
		}},
	}))

	_, err := e.Run(ctx, nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	if lowCalls.Load() != 1 {
		t.Errorf("lower condition tier ran %d times, want 1", lowCalls.Load())
	}
	if listenerCalls.Load() != 1 {
		t.Errorf("success listener fired %d times, want 1", listenerCalls.Load())
	}
	if laterCalls.Load() != 0 {
		t.Error("rule tier after the cancellation was evaluated")
	}
}

func TestEngine_UndefinedFact(t *testing.T) {
	e := NewEngine()
	e.AddRule(drinkingAgeRule(t))
	if _, err := e.Run(context.Background(), nil); !errors.Is(err, types.ErrUndefinedFact) {
		t.Errorf("error = %v, want undefined fact", err)
	}

	lenient := NewEngine(WithUndefinedFacts(true))
	lenient.AddRule(drinkingAgeRule(t))
	res, err := lenient.Run(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.FailureEvents) != 1 {
		t.Errorf("failure events = %v", res.FailureEvents)
	}
}

func TestEngine_NamedConditions(t *testing.T) {
	e := NewEngine()
	e.AddRule(MustRule(types.RuleDecl{
		Conditions: map[string]any{"all": []any{map[string]any{"condition": "adult"}}},
		Event:      &types.Event{Type: "ok"},
	}))

	if _, err := e.Run(context.Background(), map[string]any{"age": 30}); !errors.Is(err, types.ErrUndefinedCondition) {
		t.Errorf("error = %v, want undefined condition", err)
	}

	// registered after the rule; resolved at run time
	err := e.SetCondition("adult", map[string]any{"all": []any{
		map[string]any{"fact": "age", "operator": "greaterThanInclusive", "value": 18},
	}})
	if err != nil {
		t.Fatal(err)
	}
	res, err := e.Run(context.Background(), map[string]any{"age": 30})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Events) != 1 {
		t.Errorf("events = %v", res.Events)
	}

	if err := e.SetCondition("bad", map[string]any{"fact": "age", "operator": "equal", "value": 1}); !errors.Is(err, types.ErrValidation) {
		t.Errorf("SetCondition(comparison root) error = %v", err)
	}
	if !e.RemoveCondition("adult") || e.RemoveCondition("adult") {
		t.Error("RemoveCondition should report presence once")
	}

	lenient := NewEngine(WithUndefinedConditions(true))
	lenient.AddRules(e.Rules()...)
	res, err = lenient.Run(context.Background(), map[string]any{"age": 30})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.FailureEvents) != 1 {
		t.Errorf("failure events = %v", res.FailureEvents)
	}
}

func TestEngine_RuleRegistry(t *testing.T) {
	e := NewEngine()
	a := MustRule(types.RuleDecl{Name: "a", Conditions: map[string]any{"all": []any{}}})
	b := MustRule(types.RuleDecl{Name: "b", Conditions: map[string]any{"all": []any{}}})
	e.AddRules(a, b)

	replacement := MustRule(types.RuleDecl{Name: "a", Priority: 5, Conditions: map[string]any{"any": []any{}}})
	if err := e.UpdateRule(replacement); err != nil {
		t.Fatal(err)
	}
	if rules := e.Rules(); rules[0] != replacement || rules[1] != b {
		t.Errorf("UpdateRule did not replace in place: %v", rules)
	}
	missing := MustRule(types.RuleDecl{Name: "zzz", Conditions: map[string]any{"all": []any{}}})
	if err := e.UpdateRule(missing); !errors.Is(err, types.ErrRuleNotFound) {
		t.Errorf("UpdateRule(missing) error = %v", err)
	}

	if !e.RemoveRule(b) || e.RemoveRule(b) {
		t.Error("RemoveRule should report presence once")
	}
	if !e.RemoveRuleByName("a") || len(e.Rules()) != 0 {
		t.Error("RemoveRuleByName did not remove rule")
	}
}

func TestEngine_FactRegistry(t *testing.T) {
	e := NewEngine()
	e.AddFact(MustFact("x", 1))
	if f, ok := e.GetFact("x"); !ok || f.Value() != 1 {
		t.Errorf("GetFact = %v, %v", f, ok)
	}
	if !e.RemoveFact("x") || e.RemoveFact("x") {
		t.Error("RemoveFact should report presence once")
	}
}

func TestEngine_CustomOperator(t *testing.T) {
	e := NewEngine()
	op, err := NewOperator("divisibleBy", func(a, b any) bool {
		x, ok1 := toNumber(a)
		y, ok2 := toNumber(b)
		return ok1 && ok2 && y != 0 && int(x)%int(y) == 0
	}, isNumber)
	if err != nil {
		t.Fatal(err)
	}
	e.AddOperator(op)
	e.AddRule(MustRule(types.RuleDecl{
		Conditions: map[string]any{"all": []any{
			map[string]any{"fact": "n", "operator": "not:divisibleBy", "value": 3},
		}},
		Event: &types.Event{Type: "odd-third"},
	}))

	res, err := e.Run(context.Background(), map[string]any{"n": 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Events) != 1 {
		t.Errorf("events = %v", res.Events)
	}

	if !e.RemoveOperator("divisibleBy") {
		t.Fatal("RemoveOperator = false")
	}
	if _, err := e.Run(context.Background(), map[string]any{"n": 10}); !errors.Is(err, types.ErrUnknownOperator) {
		t.Errorf("error after removal = %v", err)
	}
}

func TestEngine_WithAlmanac(t *testing.T) {
	e := NewEngine()
	e.AddRule(drinkingAgeRule(t))
	a := NewAlmanac()
	a.AddFact(MustFact("age", 50))

	res, err := e.Run(context.Background(), nil, WithAlmanac(a))
	if err != nil {
		t.Fatal(err)
	}
	if res.Almanac != a || len(a.Results()) != 1 {
		t.Errorf("supplied almanac not used")
	}
}

func TestEngine_ConcurrentRuns(t *testing.T) {
	e := NewEngine()
	e.AddRule(drinkingAgeRule(t))

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(age int) {
			defer wg.Done()
			res, err := e.Run(context.Background(), map[string]any{"age": age})
			if err != nil {
				errs <- err
				return
			}
			if (age >= 21) != (len(res.Events) == 1) {
				errs <- errors.New("wrong outcome")
			}
		}(i + 5)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestEngine_RuntimeOverrideKeepsFactPriority(t *testing.T) {
	var loCalls atomic.Int32
	e := NewEngine()
	e.AddFact(MustFact("hi", 1, WithPriority(100)))
	e.AddFact(MustFact("lo", FactFunc(func(context.Context, map[string]any, *Almanac) (any, error) {
		loCalls.Add(1)
		return 1, nil
	})))
	e.AddRule(MustRule(types.RuleDecl{
		Conditions: map[string]any{"all": []any{
			map[string]any{"fact": "lo", "operator": "equal", "value": 1},
			map[string]any{"fact": "hi", "operator": "equal", "value": 1},
		}},
	}))

	res, err := e.Run(context.Background(), map[string]any{"hi": 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.FailureResults) != 1 {
		t.Fatalf("failure results = %d, want 1", len(res.FailureResults))
	}
	if loCalls.Load() != 0 {
		t.Error("lower priority fact computed after the overridden fact failed")
	}
	if p := res.FailureResults[0].Conditions.All[1].Priority; p != 100 {
		t.Errorf("overridden comparison priority = %d, want 100", p)
	}
}
