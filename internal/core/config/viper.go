package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// LoadConfig loads configuration using viper.
// Precedence: CLI flags (applied by the caller) > RK_ environment > config
// file > defaults.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	d := DefaultConfig()
	v.SetDefault("evaluator.host", d.Evaluator.Host)
	v.SetDefault("evaluator.port", d.Evaluator.Port)
	v.SetDefault("evaluator.request_timeout", d.Evaluator.RequestTimeout.String())
	v.SetDefault("evaluator.max_facts", d.Evaluator.MaxFacts)
	v.SetDefault("evaluator.rules_file", "")
	v.SetDefault("engine.allow_undefined_facts", false)
	v.SetDefault("engine.allow_undefined_conditions", false)
	v.SetDefault("engine.replace_facts_in_event_params", false)
	v.SetDefault("decision_log.enabled", d.DecisionLog.Enabled)

	// RK_EVALUATOR_PORT -> evaluator.port
	v.SetEnvPrefix("RK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Secrets are environment-only.
	if err := validateNoSecretsInConfig(v); err != nil {
		return nil, err
	}

	cfg := &Config{
		Evaluator: EvaluatorConfig{
			Host:           v.GetString("evaluator.host"),
			Port:           v.GetInt("evaluator.port"),
			RequestTimeout: v.GetDuration("evaluator.request_timeout"),
			MaxFacts:       v.GetInt("evaluator.max_facts"),
			RulesFile:      v.GetString("evaluator.rules_file"),
		},
		Engine: EngineConfig{
			AllowUndefinedFacts:       v.GetBool("engine.allow_undefined_facts"),
			AllowUndefinedConditions:  v.GetBool("engine.allow_undefined_conditions"),
			ReplaceFactsInEventParams: v.GetBool("engine.replace_facts_in_event_params"),
		},
		DecisionLog: DecisionLogConfig{
			Enabled: v.GetBool("decision_log.enabled"),
		},
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks port range and positive limits.
func Validate(cfg *Config) error {
	if cfg.Evaluator.Port <= 0 || cfg.Evaluator.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", cfg.Evaluator.Port)
	}
	if cfg.Evaluator.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive, got %v", cfg.Evaluator.RequestTimeout)
	}
	if cfg.Evaluator.MaxFacts <= 0 {
		return fmt.Errorf("max_facts must be positive, got %d", cfg.Evaluator.MaxFacts)
	}
	return nil
}

func validateNoSecretsInConfig(v *viper.Viper) error {
	for _, key := range []string{"hmac_secret", "evaluator.hmac_secret", "auth.hmac_secret"} {
		if v.InConfig(key) {
			return fmt.Errorf("HMAC secrets not allowed in config files (use RK_HMAC_SECRET environment variable)")
		}
	}
	return nil
}
