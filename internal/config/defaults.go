package config

import "time"

// Default templates. The pipeline treats them as opaque text and only
// substitutes the documented placeholders.
const (
	DefaultThinkPrompt = `You answer one part of a personal finance question.

Task: {{intent}}

Evidence (cite sources as [id] after every factual sentence):
{{evidence}}

Conversation context:
{{memory}}

{{guidance}}
Reply with JSON: {"answer": "...", "claims": [{"text": "...", "value": 0, "unit": "%", "source_id": "..."}]}`

	DefaultPlanPrompt = `Split the question into at most {{max_steps}} independent sub-questions.
Question: {{query}}
Reply with JSON: {"steps": [{"intent": "...", "required": true}]}`

	DefaultReplanPrompt = `The previous decomposition could not be answered.
Failures: {{failures}}
Split the question into at most {{max_steps}} sub-questions that can each be answered from evidence.
Question: {{query}}
Reply with JSON: {"steps": [{"intent": "...", "required": true}]}`
)

// DefaultHighRiskTerms trigger mandatory verification.
var DefaultHighRiskTerms = []string{
	"financial advice",
	"investment advice",
	"should i buy",
	"should i sell",
	"should i invest",
	"invest in",
	"guarantee",
	"guaranteed",
	"tax",
	"legal",
	"lawsuit",
	"retire early",
	"crypto",
}

// DefaultMediumRiskTerms mark queries that touch numbers or products.
var DefaultMediumRiskTerms = []string{
	"rate",
	"return",
	"interest",
	"yield",
	"fee",
	"inflation",
	"mortgage",
	"loan",
	"portfolio",
	"allocation",
}

// DefaultComplianceRules is the built-in compliance rule set.
func DefaultComplianceRules() []ComplianceRule {
	return []ComplianceRule{
		{
			Name:       "guaranteed-returns",
			Terms:      []string{"guaranteed return", "guaranteed returns", "risk-free return", "can't lose", "cannot lose"},
			Patterns:   []string{`(?i)\bguarantee[sd]?\b.{0,40}\b(profit|return|gain)s?\b`},
			Qualifiers: []string{"fdic-insured", "government-backed"},
		},
		{
			Name:       "personalized-advice",
			Terms:      []string{"you should buy", "you should sell", "i recommend buying", "i recommend selling"},
			Patterns:   []string{`(?i)\b(buy|sell) (now|today|immediately)\b`},
			Qualifiers: []string{"not financial advice", "consult a licensed"},
		},
	}
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Budget: BudgetConfig{
			PerRunTokens:     6000,
			PerBundleTokens:  2000,
			PerExcerptTokens: 400,
			WarningThreshold: 0.8,
		},
		Orchestrator: OrchestratorConfig{
			MaxAttempts:      3,
			ParallelSteps:    false,
			MaxParallel:      4,
			MaxQueryChars:    4000,
			FastDisclaimer:   "This answer was produced without full analysis and may be incomplete.",
			RefusalText:      "I can't help with that request. For personalized guidance, please consult a licensed financial professional.",
			UnverifiedNotice: "Parts of this answer could not be verified against sources. Treat it with caution.",
		},
		Classifier: ClassifierConfig{
			ComplexityThreshold: 0.35,
			HighRiskTerms:       append([]string(nil), DefaultHighRiskTerms...),
			MediumRiskTerms:     append([]string(nil), DefaultMediumRiskTerms...),
			LongQueryWords:      40,
		},
		Cache: CacheConfig{
			Enabled:     true,
			AnswerCache: true,
			TTL: map[string]time.Duration{
				"general": 24 * time.Hour,
				"numeric": time.Hour,
			},
			DefaultTTL: 12 * time.Hour,
		},
		Compliance: ComplianceConfig{
			Rules: DefaultComplianceRules(),
		},
		Verifier: VerifierConfig{
			NumericTolerance: 0.5,
		},
		Retrieval: RetrievalConfig{
			TopK:     8,
			MinScore: 0,
		},
		Embedding: EmbeddingConfig{
			Provider:   "hash",
			Model:      "voyage-3",
			Dimensions: 256,
			RateLimit:  10,
			CacheSize:  1000,
		},
		Generation: GenerationConfig{
			Provider:    "anthropic",
			Model:       "claude-haiku-4-5-20251001",
			APIKeyEnv:   "ANTHROPIC_API_KEY",
			MaxTokens:   1024,
			Temperature: 0,
		},
		Timeouts: TimeoutConfig{
			Generation: 30 * time.Second,
			Retrieval:  5 * time.Second,
		},
		Resilience: ResilienceConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  30 * time.Second,
		},
		Memory: MemoryConfig{
			BufferSize:      20,
			ContextWindow:   4,
			ArchiveMinChars: 50,
			MaxFacts:        25,
			SummaryTokens:   300,
		},
		Planner: PlannerConfig{
			Mode:         "heuristic",
			MaxSteps:     4,
			ReplanMarker: "[REPLAN]",
		},
		Prompts: PromptConfig{
			Think:  DefaultThinkPrompt,
			Plan:   DefaultPlanPrompt,
			Replan: DefaultReplanPrompt,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
