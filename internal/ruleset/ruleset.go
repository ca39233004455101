// Package ruleset loads rule-set documents (JSON or YAML) into an engine.
//
// A document carries three optional sections:
//
//	facts:       constant facts registered on the engine
//	conditions:  named conditions usable through {condition: name}
//	rules:       rule declarations, in evaluation declaration order
//
// Unknown top-level fields are rejected so that typos surface at load time.
package ruleset

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/solatis/rulekeeper/internal/rules"
	"github.com/solatis/rulekeeper/internal/types"
)

// Format selects the document encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// RuleSet is a decoded rule-set document.
type RuleSet struct {
	Facts      map[string]any            `json:"facts,omitempty" yaml:"facts,omitempty"`
	Conditions map[string]map[string]any `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Rules      []types.RuleDecl          `json:"rules" yaml:"rules"`
}

// FormatFor picks the format from a file extension (default JSON).
func FormatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// Load reads and parses the rule set at path.
func Load(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule set: %w", err)
	}
	rs, err := Parse(data, FormatFor(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rs, nil
}

// Parse decodes a rule-set document and validates every rule and named
// condition in it.
func Parse(data []byte, format Format) (*RuleSet, error) {
	var rs RuleSet
	if err := decodeStrict(data, format, &rs); err != nil {
		return nil, err
	}
	if _, err := rs.Build(); err != nil {
		return nil, err
	}
	return &rs, nil
}

// Build constructs validated rules in declaration order.
func (rs *RuleSet) Build(opts ...rules.RuleOption) ([]*rules.Rule, error) {
	for _, name := range rs.conditionNames() {
		if _, err := rules.NewRootCondition(rs.Conditions[name]); err != nil {
			return nil, fmt.Errorf("condition %s: %w", name, err)
		}
	}
	out := make([]*rules.Rule, 0, len(rs.Rules))
	for i, decl := range rs.Rules {
		r, err := rules.NewRule(decl, opts...)
		if err != nil {
			return nil, fmt.Errorf("rules[%d]: %w", i, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// Apply registers the facts, named conditions and rules on e.
func (rs *RuleSet) Apply(e *rules.Engine, opts ...rules.RuleOption) error {
	built, err := rs.Build(opts...)
	if err != nil {
		return err
	}
	for id, value := range rs.Facts {
		f, err := rules.NewFact(id, value)
		if err != nil {
			return fmt.Errorf("fact %s: %w", id, err)
		}
		e.AddFact(f)
	}
	for _, name := range rs.conditionNames() {
		if err := e.SetCondition(name, rs.Conditions[name]); err != nil {
			return err
		}
	}
	e.AddRules(built...)
	return nil
}

// Engine returns a new engine loaded with rs.
func (rs *RuleSet) Engine(opts ...rules.EngineOption) (*rules.Engine, error) {
	e := rules.NewEngine(opts...)
	if err := rs.Apply(e); err != nil {
		return nil, err
	}
	return e, nil
}

func (rs *RuleSet) conditionNames() []string {
	names := make([]string, 0, len(rs.Conditions))
	for name := range rs.Conditions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadFacts reads a JSON or YAML object of runtime facts.
func LoadFacts(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read facts: %w", err)
	}
	facts := map[string]any{}
	if err := decode(data, FormatFor(path), &facts); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if len(facts) > types.MaxRunFacts {
		return nil, types.NewValidationError("facts", "at most %d facts per run, got %d", types.MaxRunFacts, len(facts))
	}
	return facts, nil
}

func decodeStrict(data []byte, format Format, v any) error {
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(v); err != nil {
			return types.NewValidationError("ruleset", "invalid YAML: %v", err)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(v); err != nil {
			return types.NewValidationError("ruleset", "invalid JSON: %v", err)
		}
	}
	return nil
}

func decode(data []byte, format Format, v any) error {
	var err error
	if format == FormatYAML {
		err = yaml.Unmarshal(data, v)
	} else {
		err = json.Unmarshal(data, v)
	}
	if err != nil {
		return types.NewValidationError("facts", "invalid %s: %v", format, err)
	}
	return nil
}
