package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/solatis/rulekeeper/internal/rules"
	"github.com/solatis/rulekeeper/internal/types"
)

// ErrRunNotFound is returned when a run id has no decision log entry.
var ErrRunNotFound = errors.New("run not found")

// RunRecord is one row of the runs table.
type RunRecord struct {
	RunID        types.RunID `db:"run_id"`
	StartedAt    string      `db:"started_at"`
	DurationMs   int64       `db:"duration_ms"`
	Facts        string      `db:"facts"`
	SuccessCount int         `db:"success_count"`
	FailureCount int         `db:"failure_count"`
}

// Started parses StartedAt.
func (r RunRecord) Started() (time.Time, error) {
	return time.Parse(time.RFC3339Nano, r.StartedAt)
}

// RuleResultRecord is one row of the rule_results table. Result holds the
// rule result JSON including the evaluated condition tree.
type RuleResultRecord struct {
	RunID     types.RunID   `db:"run_id"`
	Position  int           `db:"position"`
	RuleName  string        `db:"rule_name"`
	Priority  int           `db:"priority"`
	Outcome   types.Outcome `db:"outcome"`
	EventType string        `db:"event_type"`
	Result    string        `db:"result"`
}

// DecisionLog persists engine runs.
type DecisionLog struct {
	queries *Queries
	logger  *zap.Logger
}

// NewDecisionLog creates a decision log over queries. A nil logger is
// replaced with a no-op logger.
func NewDecisionLog(queries *Queries, logger *zap.Logger) *DecisionLog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DecisionLog{queries: queries, logger: logger}
}

// Record stores a run and its rule results in one transaction. Rule
// results keep the order the engine published them in.
func (d *DecisionLog) Record(ctx context.Context, runID types.RunID, started time.Time, elapsed time.Duration, facts map[string]any, res *rules.RunResult) error {
	factsJSON, err := json.Marshal(facts)
	if err != nil {
		return fmt.Errorf("failed to encode facts: %w", err)
	}

	published := append(append([]*rules.RuleResult{}, res.Results...), res.FailureResults...)
	if res.Almanac != nil {
		published = res.Almanac.Results()
	}

	err = d.queries.InTx(ctx, func(tx *Tx) error {
		_, err := tx.Exec(ctx, "insert-run",
			string(runID),
			started.UTC().Format(time.RFC3339Nano),
			elapsed.Milliseconds(),
			string(factsJSON),
			len(res.Results),
			len(res.FailureResults),
		)
		if err != nil {
			return fmt.Errorf("failed to insert run: %w", err)
		}

		for i, r := range published {
			resultJSON, err := json.Marshal(r)
			if err != nil {
				return fmt.Errorf("failed to encode result of rule %q: %w", r.Name, err)
			}
			_, err = tx.Exec(ctx, "insert-rule-result",
				string(runID), i, r.Name, r.Priority, string(r.Outcome()), r.Event.Type, string(resultJSON),
			)
			if err != nil {
				return fmt.Errorf("failed to insert rule result: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	d.logger.Debug("decision recorded",
		zap.String("run_id", string(runID)),
		zap.Int("rules", len(published)),
	)
	return nil
}

// Run returns the stored run for runID.
func (d *DecisionLog) Run(ctx context.Context, runID types.RunID) (*RunRecord, error) {
	var rec RunRecord
	err := d.queries.GetContext(ctx, "get-run", &rec, string(runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run: %w", err)
	}
	return &rec, nil
}

// RecentRuns returns up to limit runs, newest first.
func (d *DecisionLog) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	var recs []RunRecord
	if err := d.queries.SelectContext(ctx, "list-runs", &recs, limit); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return recs, nil
}

// RuleResults returns the rule results of runID in publish order.
func (d *DecisionLog) RuleResults(ctx context.Context, runID types.RunID) ([]RuleResultRecord, error) {
	var recs []RuleResultRecord
	if err := d.queries.SelectContext(ctx, "list-rule-results", &recs, string(runID)); err != nil {
		return nil, fmt.Errorf("failed to list rule results: %w", err)
	}
	return recs, nil
}
