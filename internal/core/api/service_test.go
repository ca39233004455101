package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/solatis/rulekeeper/internal/core/config"
	"github.com/solatis/rulekeeper/internal/core/db"
	"github.com/solatis/rulekeeper/internal/rules"
	"github.com/solatis/rulekeeper/internal/types"
)

func testEngine(t *testing.T) *rules.Engine {
	t.Helper()
	e := rules.NewEngine()
	e.AddRule(rules.MustRule(types.RuleDecl{
		Name: "drinking-age",
		Conditions: map[string]any{"any": []any{
			map[string]any{"fact": "age", "operator": "greaterThanInclusive", "value": 21},
		}},
		Event: &types.Event{Type: "drinkingAge", Params: map[string]any{"message": "of age"}},
	}))
	return e
}

func testDecisionLog(t *testing.T) *db.DecisionLog {
	t.Helper()
	conn, err := db.Open("sqlite://" + filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, db.MigrateUp(conn))
	q, err := db.LoadQueries(conn)
	require.NoError(t, err)
	return db.NewDecisionLog(q, nil)
}

// dial serves svc over an in-memory listener and returns a client.
func dial(t *testing.T, svc EvaluatorServer) *EvaluatorClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterEvaluatorServer(srv, svc)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewEvaluatorClient(conn)
}

func TestEvaluate(t *testing.T) {
	svc, err := NewEvaluatorService(testEngine(t), testDecisionLog(t), config.DefaultConfig().Evaluator, nil)
	require.NoError(t, err)
	client := dial(t, svc)
	ctx := context.Background()

	resp, err := client.Evaluate(ctx, map[string]any{"age": 25})
	require.NoError(t, err)
	out := resp.AsMap()

	events := out["events"].([]any)
	require.Len(t, events, 1)
	assert.Equal(t, "drinkingAge", events[0].(map[string]any)["type"])
	assert.Empty(t, out["failure_events"])

	results := out["results"].([]any)
	require.Len(t, results, 1)
	assert.Equal(t, true, results[0].(map[string]any)["result"])

	runID, _ := out["run_id"].(string)
	_, err = types.ParseRunID(runID)
	require.NoError(t, err)

	t.Run("recorded run", func(t *testing.T) {
		stored, err := client.GetRun(ctx, runID)
		require.NoError(t, err)
		m := stored.AsMap()
		run := m["run"].(map[string]any)
		assert.Equal(t, runID, run["run_id"])
		assert.Equal(t, float64(1), run["success_count"])
		assert.Equal(t, map[string]any{"age": float64(25)}, run["facts"])
		assert.Len(t, m["results"], 1)
	})

	t.Run("failure", func(t *testing.T) {
		resp, err := client.Evaluate(ctx, map[string]any{"age": 18})
		require.NoError(t, err)
		out := resp.AsMap()
		assert.Empty(t, out["events"])
		assert.Len(t, out["failure_events"], 1)
	})
}

func TestEvaluate_Errors(t *testing.T) {
	cfg := config.DefaultConfig().Evaluator
	cfg.MaxFacts = 2
	svc, err := NewEvaluatorService(testEngine(t), nil, cfg, nil)
	require.NoError(t, err)
	client := dial(t, svc)
	ctx := context.Background()

	_, err = client.Evaluate(ctx, map[string]any{})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err), "undefined fact")

	_, err = client.Evaluate(ctx, map[string]any{"a": 1, "b": 2, "c": 3})
	assert.Equal(t, codes.InvalidArgument, status.Code(err), "too many facts")

	_, err = client.GetRun(ctx, string(types.NewRunID()))
	assert.Equal(t, codes.Unimplemented, status.Code(err), "decision log disabled")
}

func TestGetRun_Errors(t *testing.T) {
	svc, err := NewEvaluatorService(testEngine(t), testDecisionLog(t), config.DefaultConfig().Evaluator, nil)
	require.NoError(t, err)
	client := dial(t, svc)

	_, err = client.GetRun(context.Background(), "not-a-uuid")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = client.GetRun(context.Background(), string(types.NewRunID()))
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestEvaluate_Timeout(t *testing.T) {
	e := testEngine(t)
	e.AddRule(rules.MustRule(types.RuleDecl{
		Priority: 10,
		Conditions: map[string]any{"all": []any{
			map[string]any{"fact": "slow", "operator": "equal", "value": true},
		}},
	}))
	// the slow tier outlives the deadline; the run stops before the
	// drinking-age tier
	e.AddFact(rules.MustFact("slow", rules.FactFunc(func(context.Context, map[string]any, *rules.Almanac) (any, error) {
		time.Sleep(100 * time.Millisecond)
		return true, nil
	})))

	cfg := config.DefaultConfig().Evaluator
	cfg.RequestTimeout = 20 * time.Millisecond
	svc, err := NewEvaluatorService(e, nil, cfg, nil)
	require.NoError(t, err)

	_, err = dial(t, svc).Evaluate(context.Background(), map[string]any{"age": 30})
	assert.Equal(t, codes.DeadlineExceeded, status.Code(err))
}

func TestListRules(t *testing.T) {
	svc, err := NewEvaluatorService(testEngine(t), nil, config.DefaultConfig().Evaluator, nil)
	require.NoError(t, err)

	resp, err := dial(t, svc).ListRules(context.Background())
	require.NoError(t, err)
	list := resp.AsMap()["rules"].([]any)
	require.Len(t, list, 1)
	rule := list[0].(map[string]any)
	assert.Equal(t, "drinking-age", rule["name"])
	assert.Equal(t, float64(1), rule["priority"])
}

func TestToStatus(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{types.NewValidationError("conditions", "required"), codes.InvalidArgument},
		{&types.UndefinedFactError{FactID: "x"}, codes.FailedPrecondition},
		{&types.UnknownOperatorError{Name: "nope"}, codes.FailedPrecondition},
		{&types.UndefinedConditionError{Name: "c"}, codes.FailedPrecondition},
		{fmt.Errorf("run cancelled: %w", context.DeadlineExceeded), codes.DeadlineExceeded},
		{fmt.Errorf("run cancelled: %w", context.Canceled), codes.Canceled},
		{fmt.Errorf("%w: x", db.ErrRunNotFound), codes.NotFound},
		{fmt.Errorf("%w: disk full", errDecisionLog), codes.Unavailable},
		{status.Error(codes.Aborted, "already a status"), codes.Aborted},
		{errors.New("boom"), codes.Internal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, status.Code(toStatus(tt.err)), tt.err.Error())
	}
	assert.NoError(t, toStatus(nil))
}
