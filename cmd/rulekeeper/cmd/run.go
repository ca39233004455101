package cmd

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/solatis/rulekeeper/internal/core/config"
	"github.com/solatis/rulekeeper/internal/core/db"
	"github.com/solatis/rulekeeper/internal/ruleset"
	"github.com/solatis/rulekeeper/internal/types"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Evaluate a rule set against facts and print the outcome as JSON",
	Example: `  rulekeeper run --rules rules.yaml --facts facts.json
  rulekeeper run --rules rules.json --fact age=21 --fact 'tags=["vip"]'`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().String("rules", "", "rule set file (JSON or YAML)")
	runCmd.Flags().String("facts", "", "facts file (JSON or YAML object)")
	runCmd.Flags().StringArray("fact", nil, "fact as id=value; value is parsed as JSON, else taken as a string")
	runCmd.Flags().Bool("record", false, "record the run in the decision log at --db-url")
	runCmd.MarkFlagRequired("rules")
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	rulesPath, _ := cmd.Flags().GetString("rules")
	engine, err := loadEngine(rulesPath, cfg.Engine, logger)
	if err != nil {
		return err
	}

	facts := map[string]any{}
	if path, _ := cmd.Flags().GetString("facts"); path != "" {
		if facts, err = ruleset.LoadFacts(path); err != nil {
			return err
		}
	}
	inline, _ := cmd.Flags().GetStringArray("fact")
	for _, kv := range inline {
		id, raw, ok := strings.Cut(kv, "=")
		if !ok || id == "" {
			return fmt.Errorf("invalid --fact %q (expected id=value)", kv)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		facts[id] = v
	}
	if len(facts) > cfg.Evaluator.MaxFacts {
		return fmt.Errorf("too many facts: %d (max %d)", len(facts), cfg.Evaluator.MaxFacts)
	}

	started := time.Now()
	res, err := engine.Run(ctx, facts)
	if err != nil {
		return err
	}
	elapsed := time.Since(started)

	out := map[string]any{
		"events":          res.Events,
		"failure_events":  res.FailureEvents,
		"results":         res.Results,
		"failure_results": res.FailureResults,
	}

	if record, _ := cmd.Flags().GetBool("record"); record {
		if dbURL == "" {
			return fmt.Errorf("--record requires --db-url")
		}
		database, err := openMigrated(dbURL)
		if err != nil {
			return err
		}
		defer database.Close()
		queries, err := db.LoadQueries(database)
		if err != nil {
			return fmt.Errorf("failed to load queries: %w", err)
		}

		runID := types.NewRunID()
		if err := db.NewDecisionLog(queries, logger).Record(ctx, runID, started, elapsed, facts, res); err != nil {
			return err
		}
		out["run_id"] = runID
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
