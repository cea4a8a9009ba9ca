// Package config defines the finagent configuration surface: token
// ceilings, retry bounds, cache ttl per content tag, the compliance rule
// set, classification thresholds, and the collaborator settings.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

// Config is the complete configuration. It is read-only to the pipeline.
type Config struct {
	Budget       BudgetConfig       `json:"budget,omitempty" yaml:"budget,omitempty" jsonschema:"description=Token ceilings for evidence bundles"`
	Orchestrator OrchestratorConfig `json:"orchestrator,omitempty" yaml:"orchestrator,omitempty" jsonschema:"description=Run state machine settings"`
	Classifier   ClassifierConfig   `json:"classifier,omitempty" yaml:"classifier,omitempty" jsonschema:"description=Risk and complexity classification thresholds"`
	Cache        CacheConfig        `json:"cache,omitempty" yaml:"cache,omitempty" jsonschema:"description=Semantic cache settings"`
	Compliance   ComplianceConfig   `json:"compliance,omitempty" yaml:"compliance,omitempty" jsonschema:"description=Compliance rule set applied by the verifier"`
	Verifier     VerifierConfig     `json:"verifier,omitempty" yaml:"verifier,omitempty" jsonschema:"description=Verifier tolerances"`
	Retrieval    RetrievalConfig    `json:"retrieval,omitempty" yaml:"retrieval,omitempty" jsonschema:"description=Retrieval collaborator settings"`
	Embedding    EmbeddingConfig    `json:"embedding,omitempty" yaml:"embedding,omitempty" jsonschema:"description=Embedding provider settings"`
	Generation   GenerationConfig   `json:"generation,omitempty" yaml:"generation,omitempty" jsonschema:"description=Text generation collaborator settings"`
	Timeouts     TimeoutConfig      `json:"timeouts,omitempty" yaml:"timeouts,omitempty" jsonschema:"description=Per-call timeouts for external collaborators"`
	Resilience   ResilienceConfig   `json:"resilience,omitempty" yaml:"resilience,omitempty" jsonschema:"description=Circuit breaker settings"`
	Memory       MemoryConfig       `json:"memory,omitempty" yaml:"memory,omitempty" jsonschema:"description=User memory settings"`
	Planner      PlannerConfig      `json:"planner,omitempty" yaml:"planner,omitempty" jsonschema:"description=Query decomposition settings"`
	Prompts      PromptConfig       `json:"prompts,omitempty" yaml:"prompts,omitempty" jsonschema:"description=Prompt templates (opaque strings)"`
	Log          LogConfig          `json:"log,omitempty" yaml:"log,omitempty" jsonschema:"description=Logging settings"`

	// DataDir holds the database and the default config file.
	DataDir string `json:"data_dir,omitempty" yaml:"data_dir,omitempty" jsonschema:"description=Directory for the database and config file,example=~/.finagent"`
}

// BudgetConfig configures token ceilings.
type BudgetConfig struct {
	PerRunTokens     int     `json:"per_run_tokens,omitempty" yaml:"per_run_tokens,omitempty" jsonschema:"description=Maximum evidence tokens per run,minimum=1,default=6000"`
	PerBundleTokens  int     `json:"per_bundle_tokens,omitempty" yaml:"per_bundle_tokens,omitempty" jsonschema:"description=Maximum tokens in one evidence bundle,minimum=1,default=2000"`
	PerExcerptTokens int     `json:"per_excerpt_tokens,omitempty" yaml:"per_excerpt_tokens,omitempty" jsonschema:"description=Excerpts above this size are summarized,minimum=1,default=400"`
	WarningThreshold float64 `json:"warning_threshold,omitempty" yaml:"warning_threshold,omitempty" jsonschema:"description=Fraction of the run ceiling that triggers a warning,minimum=0,maximum=1,default=0.8"`
}

// OrchestratorConfig configures the run state machine.
type OrchestratorConfig struct {
	// MaxAttempts bounds the reason/verify loop.
	MaxAttempts int `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty" jsonschema:"description=Maximum reason/verify attempts per run,minimum=1,maximum=10,default=3"`

	// ParallelSteps thinks about plan steps concurrently.
	ParallelSteps bool `json:"parallel_steps,omitempty" yaml:"parallel_steps,omitempty" jsonschema:"description=Generate drafts for plan steps concurrently,default=false"`

	MaxParallel   int `json:"max_parallel,omitempty" yaml:"max_parallel,omitempty" jsonschema:"description=Concurrency limit when parallel_steps is set,minimum=1,default=4"`
	MaxQueryChars int `json:"max_query_chars,omitempty" yaml:"max_query_chars,omitempty" jsonschema:"description=Longer queries are treated as malformed,minimum=1,default=4000"`

	FastDisclaimer   string `json:"fast_disclaimer,omitempty" yaml:"fast_disclaimer,omitempty" jsonschema:"description=Notice attached when classification fails"`
	RefusalText      string `json:"refusal_text,omitempty" yaml:"refusal_text,omitempty" jsonschema:"description=Generic refusal returned on compliance violations"`
	UnverifiedNotice string `json:"unverified_notice,omitempty" yaml:"unverified_notice,omitempty" jsonschema:"description=Notice attached to answers that failed verification"`
}

// ClassifierConfig configures risk and complexity classification.
type ClassifierConfig struct {
	ComplexityThreshold float64  `json:"complexity_threshold,omitempty" yaml:"complexity_threshold,omitempty" jsonschema:"description=Complexity below this allows the fast path for low risk queries,minimum=0,maximum=1,default=0.35"`
	HighRiskTerms       []string `json:"high_risk_terms,omitempty" yaml:"high_risk_terms,omitempty" jsonschema:"description=Terms that make a query high risk"`
	MediumRiskTerms     []string `json:"medium_risk_terms,omitempty" yaml:"medium_risk_terms,omitempty" jsonschema:"description=Terms that make a query medium risk"`
	LongQueryWords      int      `json:"long_query_words,omitempty" yaml:"long_query_words,omitempty" jsonschema:"description=Word count at which length contributes full complexity,minimum=1,default=40"`
}

// CacheConfig configures the semantic cache.
type CacheConfig struct {
	Enabled bool `json:"enabled,omitempty" yaml:"enabled,omitempty" jsonschema:"description=Enable the semantic cache,default=true"`

	// AnswerCache serves verified answers for non-high-risk queries.
	AnswerCache bool `json:"answer_cache,omitempty" yaml:"answer_cache,omitempty" jsonschema:"description=Serve cached verified answers for low and medium risk queries,default=true"`

	// TTL maps a content tag to its ttl.
	TTL        map[string]time.Duration `json:"ttl,omitempty" yaml:"ttl,omitempty" jsonschema:"description=TTL per content tag (general or numeric)"`
	DefaultTTL time.Duration            `json:"default_ttl,omitempty" yaml:"default_ttl,omitempty" jsonschema:"description=TTL for tags without an entry,default=12h"`
}

// ComplianceConfig is the compliance rule set.
type ComplianceConfig struct {
	Rules []ComplianceRule `json:"rules,omitempty" yaml:"rules,omitempty" jsonschema:"description=Forbidden terms and patterns"`
}

// ComplianceRule forbids terms or patterns in drafts. A match is excused
// when the draft also contains one of the qualifiers.
type ComplianceRule struct {
	Name       string   `json:"name" yaml:"name" jsonschema:"required,description=Rule name reported in verdicts"`
	Terms      []string `json:"terms,omitempty" yaml:"terms,omitempty" jsonschema:"description=Case-insensitive forbidden phrases"`
	Patterns   []string `json:"patterns,omitempty" yaml:"patterns,omitempty" jsonschema:"description=Forbidden regular expressions"`
	Qualifiers []string `json:"qualifiers,omitempty" yaml:"qualifiers,omitempty" jsonschema:"description=Phrases that make a match acceptable"`
}

// VerifierConfig configures verification tolerances.
type VerifierConfig struct {
	NumericTolerance float64 `json:"numeric_tolerance,omitempty" yaml:"numeric_tolerance,omitempty" jsonschema:"description=Absolute tolerance for arithmetic and percentage sums,minimum=0,default=0.5"`
}

// RetrievalConfig configures the retrieval collaborator.
type RetrievalConfig struct {
	TopK       int     `json:"top_k,omitempty" yaml:"top_k,omitempty" jsonschema:"description=Candidates requested per search,minimum=1,default=8"`
	MinScore   float64 `json:"min_score,omitempty" yaml:"min_score,omitempty" jsonschema:"description=Candidates below this similarity are discarded,minimum=-1,maximum=1,default=0"`
	CorpusPath string  `json:"corpus_path,omitempty" yaml:"corpus_path,omitempty" jsonschema:"description=YAML or JSONL corpus loaded into the index"`
}

// EmbeddingConfig configures the embedding provider.
type EmbeddingConfig struct {
	Provider   string  `json:"provider,omitempty" yaml:"provider,omitempty" jsonschema:"description=Embedding provider,enum=hash,enum=voyage,default=hash"`
	Model      string  `json:"model,omitempty" yaml:"model,omitempty" jsonschema:"description=Embedding model for remote providers,example=voyage-3"`
	Dimensions int     `json:"dimensions,omitempty" yaml:"dimensions,omitempty" jsonschema:"description=Vector size for the hash provider,minimum=8,default=256"`
	RateLimit  float64 `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty" jsonschema:"description=Requests per second for remote providers,minimum=0,default=10"`
	CacheSize  int     `json:"cache_size,omitempty" yaml:"cache_size,omitempty" jsonschema:"description=Number of embeddings kept in the LRU cache,minimum=0,default=1000"`
}

// GenerationConfig configures the text generation collaborator.
type GenerationConfig struct {
	Provider    string   `json:"provider,omitempty" yaml:"provider,omitempty" jsonschema:"description=Generation provider,enum=anthropic,enum=openrouter,default=anthropic"`
	Model       string   `json:"model,omitempty" yaml:"model,omitempty" jsonschema:"description=Model identifier,example=claude-haiku-4-5-20251001"`
	APIKeyEnv   string   `json:"api_key_env,omitempty" yaml:"api_key_env,omitempty" jsonschema:"description=Environment variable holding the API key,example=ANTHROPIC_API_KEY"`
	BaseURL     string   `json:"base_url,omitempty" yaml:"base_url,omitempty" jsonschema:"description=Override the provider endpoint"`
	MaxTokens   int      `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty" jsonschema:"description=Maximum output tokens per call,minimum=1,default=1024"`
	Temperature float64  `json:"temperature,omitempty" yaml:"temperature,omitempty" jsonschema:"description=Sampling temperature,minimum=0,maximum=2,default=0"`
	Stop        []string `json:"stop,omitempty" yaml:"stop,omitempty" jsonschema:"description=Stop sequences"`
}

// TimeoutConfig configures per-call timeouts.
type TimeoutConfig struct {
	Generation time.Duration `json:"generation,omitempty" yaml:"generation,omitempty" jsonschema:"description=Timeout for one generation call,default=30s"`
	Retrieval  time.Duration `json:"retrieval,omitempty" yaml:"retrieval,omitempty" jsonschema:"description=Timeout for one retrieval call,default=5s"`
}

// ResilienceConfig configures circuit breakers around collaborators.
type ResilienceConfig struct {
	FailureThreshold int           `json:"failure_threshold,omitempty" yaml:"failure_threshold,omitempty" jsonschema:"description=Consecutive failures before a breaker opens,minimum=1,default=5"`
	RecoveryTimeout  time.Duration `json:"recovery_timeout,omitempty" yaml:"recovery_timeout,omitempty" jsonschema:"description=Time an open breaker waits before probing,default=30s"`
}

// MemoryConfig configures user memory.
type MemoryConfig struct {
	DBPath          string `json:"db_path,omitempty" yaml:"db_path,omitempty" jsonschema:"description=SQLite database path (defaults to data_dir/finagent.db)"`
	BufferSize      int    `json:"buffer_size,omitempty" yaml:"buffer_size,omitempty" jsonschema:"description=Short-term messages kept per user,minimum=2,default=20"`
	ContextWindow   int    `json:"context_window,omitempty" yaml:"context_window,omitempty" jsonschema:"description=Messages rendered as immediate context,minimum=1,default=4"`
	ArchiveMinChars int    `json:"archive_min_chars,omitempty" yaml:"archive_min_chars,omitempty" jsonschema:"description=Turns longer than this are archived as episodes,minimum=0,default=50"`
	MaxFacts        int    `json:"max_facts,omitempty" yaml:"max_facts,omitempty" jsonschema:"description=Facts kept after session consolidation,minimum=1,default=25"`
	SummaryTokens   int    `json:"summary_tokens,omitempty" yaml:"summary_tokens,omitempty" jsonschema:"description=Token cap for the rolling summary,minimum=16,default=300"`
}

// PlannerConfig configures query decomposition.
type PlannerConfig struct {
	Mode         string `json:"mode,omitempty" yaml:"mode,omitempty" jsonschema:"description=Planner implementation,enum=heuristic,enum=model,default=heuristic"`
	MaxSteps     int    `json:"max_steps,omitempty" yaml:"max_steps,omitempty" jsonschema:"description=Maximum steps in a plan,minimum=1,maximum=10,default=4"`
	ReplanMarker string `json:"replan_marker,omitempty" yaml:"replan_marker,omitempty" jsonschema:"description=Marker in a draft that reports a step-decomposition error,default=[REPLAN]"`
}

// PromptConfig holds the prompt templates. They are opaque to the
// pipeline apart from the placeholders documented on each field.
type PromptConfig struct {
	// Think receives {{intent}}, {{evidence}}, {{memory}} and {{guidance}}.
	Think string `json:"think,omitempty" yaml:"think,omitempty" jsonschema:"description=Thinker prompt template"`

	// Plan receives {{query}} and {{max_steps}}.
	Plan string `json:"plan,omitempty" yaml:"plan,omitempty" jsonschema:"description=Model planner prompt template"`

	// Replan receives {{query}}, {{max_steps}} and {{failures}}.
	Replan string `json:"replan,omitempty" yaml:"replan,omitempty" jsonschema:"description=Model re-planner prompt template"`

	// Facts receives {{conversation}}. Empty uses the built-in template.
	Facts string `json:"facts,omitempty" yaml:"facts,omitempty" jsonschema:"description=Memory fact extraction prompt template"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty" jsonschema:"description=Minimum log level,enum=debug,enum=info,enum=warn,enum=error,default=info"`
	Format string `json:"format,omitempty" yaml:"format,omitempty" jsonschema:"description=Log format,enum=text,enum=json,default=text"`
	File   string `json:"file,omitempty" yaml:"file,omitempty" jsonschema:"description=Rotate logs into this file instead of stderr"`
}

// DatabasePath returns the effective SQLite path.
func (c *Config) DatabasePath() string {
	if c.Memory.DBPath != "" {
		return c.Memory.DBPath
	}
	if c.DataDir == "" {
		return ""
	}
	return filepath.Join(c.DataDir, "finagent.db")
}

// TTLFor returns the cache ttl for a content tag.
func (c *CacheConfig) TTLFor(tag string) time.Duration {
	if ttl, ok := c.TTL[tag]; ok {
		return ttl
	}
	return c.DefaultTTL
}

// Validate checks semantic constraints the schema cannot express.
func (c *Config) Validate() error {
	var errs []error

	if c.Budget.PerExcerptTokens > c.Budget.PerBundleTokens {
		errs = append(errs, fmt.Errorf("budget.per_excerpt_tokens (%d) exceeds budget.per_bundle_tokens (%d)",
			c.Budget.PerExcerptTokens, c.Budget.PerBundleTokens))
	}
	if c.Budget.PerBundleTokens > c.Budget.PerRunTokens {
		errs = append(errs, fmt.Errorf("budget.per_bundle_tokens (%d) exceeds budget.per_run_tokens (%d)",
			c.Budget.PerBundleTokens, c.Budget.PerRunTokens))
	}
	if c.Orchestrator.MaxAttempts < 1 {
		errs = append(errs, errors.New("orchestrator.max_attempts must be at least 1"))
	}
	if c.Memory.ContextWindow > c.Memory.BufferSize {
		errs = append(errs, fmt.Errorf("memory.context_window (%d) exceeds memory.buffer_size (%d)",
			c.Memory.ContextWindow, c.Memory.BufferSize))
	}
	if num, gen := c.Cache.TTLFor("numeric"), c.Cache.TTLFor("general"); num > gen {
		errs = append(errs, fmt.Errorf("cache ttl for numeric content (%s) must not exceed general (%s)", num, gen))
	}
	for i, r := range c.Compliance.Rules {
		if len(r.Terms) == 0 && len(r.Patterns) == 0 {
			errs = append(errs, fmt.Errorf("compliance.rules[%d] %q has neither terms nor patterns", i, r.Name))
		}
	}
	if c.Timeouts.Generation <= 0 || c.Timeouts.Retrieval <= 0 {
		errs = append(errs, errors.New("timeouts must be positive"))
	}

	return errors.Join(errs...)
}

// Warnings reports settings that work but are probably unintended.
func (c *Config) Warnings() []string {
	var warnings []string
	if len(c.Compliance.Rules) == 0 {
		warnings = append(warnings, "No compliance rules configured - every draft passes the compliance check")
	}
	if c.Retrieval.CorpusPath == "" {
		warnings = append(warnings, "retrieval.corpus_path is empty - every bundle will be marked retrieval-failed")
	}
	if c.Generation.APIKeyEnv == "" {
		warnings = append(warnings, "generation.api_key_env is empty - the provider default will be used")
	}
	if !c.Cache.Enabled {
		warnings = append(warnings, "Semantic cache disabled")
	}
	return warnings
}
