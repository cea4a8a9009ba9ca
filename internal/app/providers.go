package app

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/rand/finagent/internal/config"
	"github.com/rand/finagent/internal/memory/embeddings"
	"github.com/rand/finagent/internal/pipeline/llm"
	"github.com/rand/finagent/internal/pipeline/resilience"
)

// Embedding provider names.
const (
	EmbeddingHash   = "hash"
	EmbeddingVoyage = "voyage"
)

var defaultKeyEnv = map[string]string{
	llm.ProviderAnthropic:  "ANTHROPIC_API_KEY",
	llm.ProviderOpenRouter: "OPENROUTER_API_KEY",
}

// APIKeyEnv returns the environment variable holding the generation key.
func APIKeyEnv(cfg *config.Config) string {
	if cfg.Generation.APIKeyEnv != "" {
		return cfg.Generation.APIKeyEnv
	}
	provider := cfg.Generation.Provider
	if provider == "" {
		provider = llm.ProviderAnthropic
	}
	return defaultKeyEnv[provider]
}

// NewGenerator creates a generation client with a breaker of its own, for
// commands that run without the full application.
func NewGenerator(cfg *config.Config, logger *slog.Logger) (llm.Generator, error) {
	breaker := resilience.NewBreaker("generation", resilience.BreakerConfig{
		FailureThreshold: cfg.Resilience.FailureThreshold,
		RecoveryTimeout:  cfg.Resilience.RecoveryTimeout,
	})
	return newGenerator(cfg, breaker, logger)
}

// newGenerator creates the generation client for the configured provider.
func newGenerator(cfg *config.Config, breaker *resilience.Breaker, logger *slog.Logger) (llm.Generator, error) {
	env := APIKeyEnv(cfg)
	provider, err := llm.NewProvider(llm.ProviderConfig{
		Provider: cfg.Generation.Provider,
		APIKey:   os.Getenv(env),
		BaseURL:  cfg.Generation.BaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("no generation provider available (check $%s): %w", env, err)
	}

	logger.Info("Generation provider ready",
		"provider", cfg.Generation.Provider,
		"model", cfg.Generation.Model)
	return llm.NewFantasyGenerator(provider, cfg.Generation.Model,
		llm.WithBreaker(breaker),
		llm.WithTimeout(cfg.Timeouts.Generation),
		llm.WithLogger(logger),
	), nil
}

// NewEmbedder creates the configured embedding provider, wrapped in an
// LRU cache when embedding.cache_size is positive.
func NewEmbedder(cfg *config.Config) (embeddings.Provider, error) {
	var p embeddings.Provider
	switch cfg.Embedding.Provider {
	case EmbeddingHash, "":
		p = embeddings.NewHashProvider(cfg.Embedding.Dimensions)
	case EmbeddingVoyage:
		v, err := embeddings.NewVoyageProvider(
			embeddings.WithModel(cfg.Embedding.Model),
			embeddings.WithRateLimit(cfg.Embedding.RateLimit),
			embeddings.WithTimeout(cfg.Timeouts.Retrieval),
		)
		if err != nil {
			return nil, fmt.Errorf("create embedding provider: %w", err)
		}
		p = v
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Embedding.Provider)
	}

	if cfg.Embedding.CacheSize > 0 {
		return embeddings.NewCachedProvider(p, cfg.Embedding.CacheSize), nil
	}
	return p, nil
}
