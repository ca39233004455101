package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/solatis/rulekeeper/internal/core/api"
	"github.com/solatis/rulekeeper/internal/core/auth"
	"github.com/solatis/rulekeeper/internal/core/config"
	"github.com/solatis/rulekeeper/internal/core/db"
	"github.com/solatis/rulekeeper/internal/core/server"
	"github.com/solatis/rulekeeper/internal/rules"
	"github.com/solatis/rulekeeper/internal/ruleset"
)

const initialMigration = "001_initial_schema.sql"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gRPC evaluator service",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("host", "0.0.0.0", "gRPC server host")
	serveCmd.Flags().Int("port", 50051, "gRPC server port")
	serveCmd.Flags().String("rules", "", "rule set file (JSON or YAML)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cmd.Flags().Changed("host") {
		cfg.Evaluator.Host, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("port") {
		cfg.Evaluator.Port, _ = cmd.Flags().GetInt("port")
	}
	if cmd.Flags().Changed("rules") {
		cfg.Evaluator.RulesFile, _ = cmd.Flags().GetString("rules")
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if cfg.Evaluator.RulesFile == "" {
		return fmt.Errorf("--rules or evaluator.rules_file required")
	}

	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	engine, err := loadEngine(cfg.Evaluator.RulesFile, cfg.Engine, logger)
	if err != nil {
		return err
	}

	var (
		decisions    *db.DecisionLog
		interceptors []grpc.UnaryServerInterceptor
	)
	if dbURL != "" {
		database, err := openMigrated(dbURL)
		if err != nil {
			return err
		}
		defer database.Close()

		queries, err := db.LoadQueries(database)
		if err != nil {
			return fmt.Errorf("failed to load queries: %w", err)
		}

		secrets, err := config.HMACSecrets()
		if err != nil {
			return fmt.Errorf("failed to load HMAC secrets: %w", err)
		}
		if len(secrets) == 0 {
			return fmt.Errorf("no HMAC secrets configured (set RK_HMAC_SECRET environment variable)")
		}
		interceptors = append(interceptors, auth.NewAuthenticator(secrets, queries, logger).UnaryInterceptor())

		if cfg.DecisionLog.Enabled {
			decisions = db.NewDecisionLog(queries, logger)
		}
	} else {
		logger.Warn("no --db-url given: serving without authentication or decision log")
	}

	service, err := api.NewEvaluatorService(engine, decisions, cfg.Evaluator, logger)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	grpcServer, err := server.NewGRPCServer(cfg.Evaluator, service, logger, interceptors...)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	logger.Info("starting RuleKeeper evaluator",
		zap.String("version", Version),
		zap.String("addr", grpcServer.Addr()),
		zap.Int("rules", len(engine.Rules())),
		zap.Bool("decision_log", decisions != nil),
	)

	errChan := make(chan error, 1)
	go func() {
		errChan <- grpcServer.Start(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return err
	case <-sigChan:
		logger.Info("shutting down gracefully")
		engine.Stop()
		return grpcServer.Shutdown(ctx)
	}
}

// loadEngine builds an engine from a rule set file.
func loadEngine(path string, ec config.EngineConfig, logger *zap.Logger) (*rules.Engine, error) {
	rs, err := ruleset.Load(path)
	if err != nil {
		return nil, err
	}
	opts := append(ec.EngineOptions(), rules.WithLogger(logger))
	engine, err := rs.Engine(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build engine: %w", err)
	}
	return engine, nil
}

// openMigrated opens the database and checks the schema is in place.
func openMigrated(url string) (*sqlx.DB, error) {
	database, err := db.Open(url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	var migrationID string
	err = database.Get(&migrationID, database.Rebind("SELECT migration_id FROM migrations WHERE migration_id = ?"), initialMigration)
	if err != nil {
		database.Close()
		if errors.Is(err, sql.ErrNoRows) || isMissingTable(err) {
			return nil, fmt.Errorf("migration %s not applied - run 'rulekeeper migrate' first", initialMigration)
		}
		return nil, fmt.Errorf("failed to check migrations: %w", err)
	}
	return database, nil
}
