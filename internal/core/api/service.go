// Package api implements the RuleKeeper Evaluator gRPC service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/solatis/rulekeeper/internal/core/auth"
	"github.com/solatis/rulekeeper/internal/core/config"
	"github.com/solatis/rulekeeper/internal/core/db"
	"github.com/solatis/rulekeeper/internal/rules"
	"github.com/solatis/rulekeeper/internal/types"
)

// EvaluatorService serves rule evaluation over a shared engine. Runs do
// not share state, so requests are served concurrently.
type EvaluatorService struct {
	engine    *rules.Engine
	decisions *db.DecisionLog
	cfg       config.EvaluatorConfig
	logger    *zap.Logger
}

var _ EvaluatorServer = (*EvaluatorService)(nil)

// NewEvaluatorService creates the service. decisions may be nil, which
// disables the decision log and GetRun.
func NewEvaluatorService(engine *rules.Engine, decisions *db.DecisionLog, cfg config.EvaluatorConfig, logger *zap.Logger) (*EvaluatorService, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EvaluatorService{engine: engine, decisions: decisions, cfg: cfg, logger: logger}, nil
}

// Evaluate runs every rule against the request facts.
func (s *EvaluatorService) Evaluate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	facts := map[string]any{}
	if v, ok := req.GetFields()["facts"]; ok {
		sv := v.GetStructValue()
		if sv == nil {
			return nil, status.Error(codes.InvalidArgument, "facts must be an object")
		}
		facts = sv.AsMap()
	}
	if s.cfg.MaxFacts > 0 && len(facts) > s.cfg.MaxFacts {
		return nil, status.Errorf(codes.InvalidArgument, "too many facts: %d (max %d)", len(facts), s.cfg.MaxFacts)
	}

	if s.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}

	runID := types.NewRunID()
	log := s.logger.With(zap.String("run_id", string(runID)))
	if p, ok := auth.PrincipalFromContext(ctx); ok {
		log = log.With(zap.String("api_key_id", p.APIKeyID))
	}

	started := time.Now()
	res, err := s.engine.Run(ctx, facts)
	elapsed := time.Since(started)
	if err != nil {
		log.Warn("evaluation failed", zap.Error(err))
		return nil, toStatus(err)
	}

	if s.decisions != nil {
		if err := s.decisions.Record(ctx, runID, started, elapsed, facts, res); err != nil {
			log.Error("failed to record decision", zap.Error(err))
			return nil, toStatus(fmt.Errorf("%w: %v", errDecisionLog, err))
		}
	}

	log.Info("evaluation complete",
		zap.Int("success", len(res.Results)),
		zap.Int("failure", len(res.FailureResults)),
		zap.Duration("elapsed", elapsed),
	)

	return toStruct(map[string]any{
		"run_id":          string(runID),
		"events":          res.Events,
		"failure_events":  res.FailureEvents,
		"results":         res.Results,
		"failure_results": res.FailureResults,
	})
}

// ListRules returns the engine's rules in declaration order.
func (s *EvaluatorService) ListRules(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return toStruct(map[string]any{"rules": s.engine.Rules()})
}

// GetRun returns a recorded run and its rule results.
func (s *EvaluatorService) GetRun(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.decisions == nil {
		return nil, status.Error(codes.Unimplemented, "decision log disabled")
	}
	runID, err := types.ParseRunID(req.GetFields()["run_id"].GetStringValue())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid run_id: %v", err)
	}

	run, err := s.decisions.Run(ctx, runID)
	if err != nil {
		if !errors.Is(err, db.ErrRunNotFound) {
			err = fmt.Errorf("%w: %v", errDecisionLog, err)
		}
		return nil, toStatus(err)
	}
	records, err := s.decisions.RuleResults(ctx, runID)
	if err != nil {
		return nil, toStatus(fmt.Errorf("%w: %v", errDecisionLog, err))
	}

	results := make([]json.RawMessage, 0, len(records))
	for _, r := range records {
		results = append(results, json.RawMessage(r.Result))
	}
	return toStruct(map[string]any{
		"run": map[string]any{
			"run_id":        string(run.RunID),
			"started_at":    run.StartedAt,
			"duration_ms":   run.DurationMs,
			"facts":         json.RawMessage(run.Facts),
			"success_count": run.SuccessCount,
			"failure_count": run.FailureCount,
		},
		"results": results,
	})
}

// toStruct converts v through its JSON encoding. Results and events carry
// their own MarshalJSON, which structpb.NewStruct would not consult.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	return out, nil
}
