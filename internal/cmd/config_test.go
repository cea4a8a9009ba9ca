package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rand/finagent/internal/config"
)

func validConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	corpus := filepath.Join(dir, "corpus.yaml")
	require.NoError(t, os.WriteFile(corpus, []byte("- id: a\n  text: hello\n"), 0o644))

	cfg := config.DefaultConfig()
	cfg.DataDir = dir
	cfg.Retrieval.CorpusPath = corpus
	cfg.Generation.APIKeyEnv = "FINAGENT_TEST_KEY"
	return cfg
}

func TestCheckConfig(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		t.Setenv("FINAGENT_TEST_KEY", "secret")
		errs, warnings := checkConfig(validConfig(t))
		assert.Empty(t, errs)
		assert.Empty(t, warnings)
	})

	t.Run("missing api key", func(t *testing.T) {
		t.Setenv("FINAGENT_TEST_KEY", "")
		errs, _ := checkConfig(validConfig(t))
		require.Len(t, errs, 1)
		assert.Contains(t, errs[0], "$FINAGENT_TEST_KEY")
	})

	t.Run("unknown provider", func(t *testing.T) {
		cfg := validConfig(t)
		cfg.Generation.APIKeyEnv = ""
		cfg.Generation.Provider = "mystery"
		errs, warnings := checkConfig(cfg)
		assert.True(t, containsSubstring(errs, `Unknown generation provider "mystery"`), errs)
		assert.True(t, containsSubstring(warnings, "api_key_env is empty"), warnings)
	})

	t.Run("missing corpus", func(t *testing.T) {
		t.Setenv("FINAGENT_TEST_KEY", "secret")
		cfg := validConfig(t)
		cfg.Retrieval.CorpusPath = filepath.Join(cfg.DataDir, "nope.yaml")
		errs, _ := checkConfig(cfg)
		assert.True(t, containsSubstring(errs, "Corpus not found"), errs)
	})

	t.Run("invalid values", func(t *testing.T) {
		t.Setenv("FINAGENT_TEST_KEY", "secret")
		cfg := validConfig(t)
		cfg.Orchestrator.MaxAttempts = 0
		errs, _ := checkConfig(cfg)
		assert.NotEmpty(t, errs)
	})

	t.Run("warnings", func(t *testing.T) {
		t.Setenv("FINAGENT_TEST_KEY", "secret")
		cfg := validConfig(t)
		cfg.DataDir = filepath.Join(cfg.DataDir, "later")
		cfg.Cache.Enabled = false
		cfg.Compliance.Rules = nil

		errs, warnings := checkConfig(cfg)
		assert.Empty(t, errs)
		assert.True(t, containsSubstring(warnings, "will be created"), warnings)
		assert.True(t, containsSubstring(warnings, "Semantic cache disabled"), warnings)
		assert.True(t, containsSubstring(warnings, "No compliance rules"), warnings)
	})
}

func TestPrintConfig(t *testing.T) {
	cfg := validConfig(t)
	var buf bytes.Buffer
	printConfig(&buf, cfg, "")

	out := buf.String()
	assert.Contains(t, out, "Source:            (defaults)")
	assert.Contains(t, out, "Provider:        anthropic")
	assert.Contains(t, out, "API Key Env:     FINAGENT_TEST_KEY")
	assert.Contains(t, out, "Max Attempts:    3")
	assert.Contains(t, out, "run 6000, bundle 2000, excerpt 400")
	assert.NotContains(t, out, "Base URL")

	buf.Reset()
	cfg.Generation.BaseURL = "http://localhost:8080"
	printConfig(&buf, cfg, "/etc/finagent.yaml")
	assert.Contains(t, buf.String(), "Source:            /etc/finagent.yaml")
	assert.Contains(t, buf.String(), "Base URL:        http://localhost:8080")
}

func TestWriteDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", config.DataDirFileName)
	require.NoError(t, writeDefaultConfig(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "# finagent configuration"))
	require.NoError(t, config.ValidateRaw(data))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	want := config.DefaultConfig()
	assert.Equal(t, want.Budget, cfg.Budget)
	assert.Equal(t, want.Cache.TTL, cfg.Cache.TTL)
	assert.Equal(t, want.Planner, cfg.Planner)
}

func TestSchemaJSONIsValid(t *testing.T) {
	data, err := config.SchemaJSON()
	require.NoError(t, err)

	var schema map[string]any
	require.NoError(t, json.Unmarshal(data, &schema))
	assert.Equal(t, "finagent configuration", schema["title"])
}

func containsSubstring(list []string, sub string) bool {
	for _, s := range list {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
