// Package config provides configuration management for RuleKeeper services.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/solatis/rulekeeper/internal/rules"
	"github.com/solatis/rulekeeper/internal/types"
)

// Config is the full service configuration.
type Config struct {
	Evaluator   EvaluatorConfig
	Engine      EngineConfig
	DecisionLog DecisionLogConfig
}

// EvaluatorConfig holds configuration for the gRPC evaluation service.
type EvaluatorConfig struct {
	Host           string
	Port           int
	RequestTimeout time.Duration
	MaxFacts       int
	RulesFile      string
}

// EngineConfig holds the evaluation semantics switches. Both allow flags
// change rule outcomes and default to off.
type EngineConfig struct {
	AllowUndefinedFacts       bool
	AllowUndefinedConditions  bool
	ReplaceFactsInEventParams bool
}

// DecisionLogConfig controls persistence of run outcomes.
type DecisionLogConfig struct {
	Enabled bool
}

// DefaultConfig returns configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		Evaluator: EvaluatorConfig{
			Host:           "0.0.0.0",
			Port:           50051,
			RequestTimeout: 30 * time.Second,
			MaxFacts:       types.MaxRunFacts,
		},
		DecisionLog: DecisionLogConfig{Enabled: true},
	}
}

// EngineOptions translates the engine section into engine options.
func (c EngineConfig) EngineOptions() []rules.EngineOption {
	return []rules.EngineOption{
		rules.WithUndefinedFacts(c.AllowUndefinedFacts),
		rules.WithUndefinedConditions(c.AllowUndefinedConditions),
		rules.WithReplaceFactsInEventParams(c.ReplaceFactsInEventParams),
	}
}

// HMACSecrets extracts HMAC secrets from environment variables.
// Supports RK_HMAC_SECRET (single) and RK_HMAC_SECRET_N (rotation).
// Returns map of secret_id -> decoded secret bytes.
// Secret IDs are UUIDv7 (32 hex chars without hyphens) matching API key format.
func HMACSecrets() (map[string][]byte, error) {
	secrets := make(map[string][]byte)

	add := func(key, val string) error {
		secretID, decoded, err := ParseHMACSecretWithID(val)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		if _, exists := secrets[secretID]; exists {
			return fmt.Errorf("duplicate secret_id '%s' found in environment variables (check RK_HMAC_SECRET and RK_HMAC_SECRET_* for conflicts)", secretID)
		}
		secrets[secretID] = decoded
		return nil
	}

	if val := os.Getenv("RK_HMAC_SECRET"); val != "" {
		if err := add("RK_HMAC_SECRET", val); err != nil {
			return nil, err
		}
	}

	// Numbered secrets keep old and new keys valid during rotation.
	// The sequence ends at the first unset index.
	for i := 1; ; i++ {
		key := fmt.Sprintf("RK_HMAC_SECRET_%d", i)
		val := os.Getenv(key)
		if val == "" {
			break
		}
		if err := add(key, val); err != nil {
			return nil, err
		}
	}

	return secrets, nil
}

// ParseHMACSecretWithID parses secret_id:base64_secret format.
// Secret ID must be 32 lowercase hex chars (UUIDv7 without hyphens).
func ParseHMACSecretWithID(envValue string) (secretID string, secret []byte, err error) {
	id, encoded, ok := strings.Cut(strings.TrimSpace(envValue), ":")
	if !ok {
		return "", nil, fmt.Errorf("format must be <secret_id>:<base64_secret>")
	}
	if len(id) != 32 {
		return "", nil, fmt.Errorf("secret_id must be 32 hex chars (UUIDv7 without hyphens)")
	}
	for _, c := range id {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return "", nil, fmt.Errorf("secret_id must be hex chars only")
		}
	}

	secret, err = base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", nil, fmt.Errorf("invalid base64 encoding: %w", err)
	}
	if len(secret) < 32 {
		return "", nil, fmt.Errorf("secret must be at least 32 bytes, got %d", len(secret))
	}
	return id, secret, nil
}
