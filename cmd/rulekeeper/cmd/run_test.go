package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRuleSet = `rules:
  - name: drinking-age
    conditions:
      all:
        - fact: age
          operator: greaterThanInclusive
          value: 21
    event:
      type: drinkingAge
`

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	require.NoError(t, rootCmd.Execute(), out.String())
	return out.String()
}

func TestRunAndRecord(t *testing.T) {
	dir := t.TempDir()
	rulesPath := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(rulesPath, []byte(testRuleSet), 0o600))

	var out struct {
		RunID  string           `json:"run_id"`
		Events []map[string]any `json:"events"`
	}
	raw := execute(t, "run", "--rules", rulesPath, "--fact", "age=25", "--log-level", "error")
	require.NoError(t, json.Unmarshal([]byte(raw), &out))
	require.Len(t, out.Events, 1)
	assert.Equal(t, "drinkingAge", out.Events[0]["type"])
	assert.Empty(t, out.RunID)

	url := "sqlite://" + filepath.Join(dir, "rk.db")
	assert.Contains(t, execute(t, "migrate", "--db-url", url), "migrations applied")
	assert.Contains(t, execute(t, "migrate", "status", "--db-url", url), "001_initial_schema.sql")

	raw = execute(t, "run", "--rules", rulesPath, "--fact", "age=25", "--record", "--db-url", url, "--log-level", "error")
	require.NoError(t, json.Unmarshal([]byte(raw), &out))
	assert.NotEmpty(t, out.RunID)
}

func TestNewLogger(t *testing.T) {
	logLevel, logFormat = "debug", "text"
	_, err := newLogger()
	require.NoError(t, err)

	logFormat = "xml"
	_, err = newLogger()
	assert.Error(t, err)

	logLevel, logFormat = "loud", "json"
	_, err = newLogger()
	assert.Error(t, err)

	logLevel = "info"
}
