package ruleset

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solatis/rulekeeper/internal/types"
)

const yamlRuleSet = `
facts:
  minimumAge: 21
conditions:
  adult:
    all:
      - fact: age
        operator: greaterThanInclusive
        value:
          fact: minimumAge
rules:
  - name: drinking-age
    priority: 5
    conditions:
      any:
        - condition: adult
    event:
      type: drinkingAge
      params:
        message: of age
`

const jsonRuleSet = `{
  "rules": [
    {
      "name": "vip",
      "conditions": {"all": [{"fact": "spend", "operator": "greaterThan", "value": 1000}]},
      "event": {"type": "vip"}
    }
  ]
}`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_YAML(t *testing.T) {
	rs, err := Load(writeFile(t, "rules.yaml", yamlRuleSet))
	require.NoError(t, err)
	require.Len(t, rs.Rules, 1)
	assert.Equal(t, "drinking-age", rs.Rules[0].Name)
	assert.Equal(t, 5, rs.Rules[0].Priority)
	assert.Contains(t, rs.Conditions, "adult")

	e, err := rs.Engine()
	require.NoError(t, err)

	res, err := e.Run(context.Background(), map[string]any{"age": 25})
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	assert.Equal(t, "drinkingAge", res.Events[0].Type)
	assert.Equal(t, "of age", res.Events[0].Params["message"])

	res, err = e.Run(context.Background(), map[string]any{"age": 18})
	require.NoError(t, err)
	assert.Empty(t, res.Events)
	assert.Len(t, res.FailureEvents, 1)
}

func TestLoad_JSON(t *testing.T) {
	rs, err := Load(writeFile(t, "rules.json", jsonRuleSet))
	require.NoError(t, err)

	rules, err := rs.Build()
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "vip", rules[0].Name())
	assert.Equal(t, 1, rules[0].Priority())
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name   string
		data   string
		format Format
	}{
		{"unknown top-level field yaml", "rulez: []\n", FormatYAML},
		{"unknown top-level field json", `{"rulez": []}`, FormatJSON},
		{"malformed json", `{"rules": [`, FormatJSON},
		{"comparison at rule root", `{"rules": [{"conditions": {"fact": "a", "operator": "equal", "value": 1}}]}`, FormatJSON},
		{"invalid named condition", `{"conditions": {"x": {"all": 3}}, "rules": []}`, FormatJSON},
		{"missing value", "rules:\n  - conditions:\n      all:\n        - fact: a\n          operator: equal\n", FormatYAML},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data), tt.format)
			assert.ErrorIs(t, err, types.ErrValidation)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}

func TestLoadFacts(t *testing.T) {
	facts, err := LoadFacts(writeFile(t, "facts.yml", "age: 30\nuser:\n  name: ada\n"))
	require.NoError(t, err)
	assert.Equal(t, 30, facts["age"])
	assert.Equal(t, map[string]any{"name": "ada"}, facts["user"])

	facts, err = LoadFacts(writeFile(t, "facts.json", `{"age": 30}`))
	require.NoError(t, err)
	assert.Equal(t, float64(30), facts["age"])

	_, err = LoadFacts(writeFile(t, "facts.json", `[1, 2]`))
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestFormatFor(t *testing.T) {
	assert.Equal(t, FormatYAML, FormatFor("a.YAML"))
	assert.Equal(t, FormatYAML, FormatFor("a.yml"))
	assert.Equal(t, FormatJSON, FormatFor("a.json"))
	assert.Equal(t, FormatJSON, FormatFor("a"))
}
