package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 6000, cfg.Budget.PerRunTokens)
	assert.Equal(t, 2000, cfg.Budget.PerBundleTokens)
	assert.Equal(t, 400, cfg.Budget.PerExcerptTokens)
	assert.Equal(t, 3, cfg.Orchestrator.MaxAttempts)
	assert.Equal(t, 4000, cfg.Orchestrator.MaxQueryChars)
	assert.Equal(t, 0.35, cfg.Classifier.ComplexityThreshold)
	assert.Equal(t, 24*time.Hour, cfg.Cache.TTLFor("general"))
	assert.Equal(t, time.Hour, cfg.Cache.TTLFor("numeric"))
	assert.Equal(t, 12*time.Hour, cfg.Cache.TTLFor("unknown"))
	assert.Equal(t, "hash", cfg.Embedding.Provider)
	assert.Equal(t, "[REPLAN]", cfg.Planner.ReplanMarker)
	assert.Equal(t, 30*time.Second, cfg.Timeouts.Generation)
	assert.Equal(t, 5*time.Second, cfg.Timeouts.Retrieval)
	assert.NotEmpty(t, cfg.Compliance.Rules)
	assert.Contains(t, cfg.Prompts.Think, "{{evidence}}")

	require.NoError(t, cfg.Validate())
}

func TestDefaultConfig_Independent(t *testing.T) {
	a := DefaultConfig()
	b := DefaultConfig()
	a.Classifier.HighRiskTerms[0] = "changed"
	a.Cache.TTL["general"] = time.Minute

	assert.Equal(t, DefaultHighRiskTerms[0], b.Classifier.HighRiskTerms[0])
	assert.Equal(t, 24*time.Hour, b.Cache.TTL["general"])
}

func TestParse_OverridesDefaults(t *testing.T) {
	data := []byte(`
orchestrator:
  max_attempts: 5
cache:
  ttl:
    numeric: 30m
timeouts:
  generation: 10s
compliance:
  rules:
    - name: no-promises
      terms: ["promise you"]
`)
	cfg, err := Parse(data)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Orchestrator.MaxAttempts)
	assert.Equal(t, 30*time.Minute, cfg.Cache.TTLFor("numeric"))
	assert.Equal(t, 24*time.Hour, cfg.Cache.TTLFor("general"), "unset tags keep their default")
	assert.Equal(t, 10*time.Second, cfg.Timeouts.Generation)
	assert.Equal(t, 5*time.Second, cfg.Timeouts.Retrieval)
	assert.Equal(t, 4000, cfg.Orchestrator.MaxQueryChars)
	require.Len(t, cfg.Compliance.Rules, 1)
	assert.Equal(t, "no-promises", cfg.Compliance.Rules[0].Name)
}

func TestParse_Empty(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Budget, cfg.Budget)
}

func TestValidateRaw(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr bool
	}{
		{"valid", "retrieval:\n  top_k: 4\n", false},
		{"unknown key", "retreival:\n  top_k: 4\n", true},
		{"bad enum", "embedding:\n  provider: magic\n", true},
		{"bad duration", "timeouts:\n  generation: soon\n", true},
		{"below minimum", "orchestrator:\n  max_attempts: 0\n", true},
		{"rule without name", "compliance:\n  rules:\n    - terms: [x]\n", true},
		{"malformed yaml", "budget: [\n", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRaw([]byte(tt.yaml))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Run("excerpt above bundle", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Budget.PerExcerptTokens = 3000
		assert.ErrorContains(t, cfg.Validate(), "per_excerpt_tokens")
	})

	t.Run("numeric ttl longer than general", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Cache.TTL["numeric"] = 48 * time.Hour
		assert.ErrorContains(t, cfg.Validate(), "numeric")
	})

	t.Run("empty rule", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Compliance.Rules = []ComplianceRule{{Name: "empty"}}
		assert.ErrorContains(t, cfg.Validate(), "neither terms nor patterns")
	})

	t.Run("context window above buffer", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Memory.ContextWindow = 50
		assert.ErrorContains(t, cfg.Validate(), "context_window")
	})
}

func TestWarnings(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Compliance.Rules = nil
	cfg.Cache.Enabled = false

	warnings := cfg.Warnings()
	assert.Contains(t, warnings, "Semantic cache disabled")
	assert.GreaterOrEqual(t, len(warnings), 3)
}

func TestSchema(t *testing.T) {
	data, err := SchemaJSON()
	require.NoError(t, err)

	s := string(data)
	assert.Contains(t, s, `"max_attempts"`)
	assert.Contains(t, s, `"complexity_threshold"`)
	assert.Contains(t, s, "Go duration string")
}

func TestInit(t *testing.T) {
	cwd := t.TempDir()
	dataDir := filepath.Join(t.TempDir(), "data")

	t.Run("defaults without file", func(t *testing.T) {
		cfg, path, err := Init("", cwd, dataDir)
		require.NoError(t, err)
		assert.Empty(t, path)
		assert.Equal(t, dataDir, cfg.DataDir)
		assert.Equal(t, filepath.Join(dataDir, "finagent.db"), cfg.DatabasePath())
		assert.DirExists(t, dataDir)
	})

	t.Run("cwd file with relative corpus", func(t *testing.T) {
		file := filepath.Join(cwd, FileName)
		require.NoError(t, os.WriteFile(file, []byte("retrieval:\n  corpus_path: corpus.yaml\n"), 0o644))

		cfg, path, err := Init("", cwd, dataDir)
		require.NoError(t, err)
		assert.Equal(t, file, path)
		assert.Equal(t, filepath.Join(cwd, "corpus.yaml"), cfg.Retrieval.CorpusPath)
	})

	t.Run("explicit invalid file", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(file, []byte("orchestrator:\n  max_attempts: -1\n"), 0o644))

		_, _, err := Init(file, cwd, dataDir)
		assert.Error(t, err)
	})
}
