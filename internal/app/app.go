// Package app wires the configured components into one runnable
// application shared by the CLI commands and the MCP server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rand/finagent/internal/budget"
	"github.com/rand/finagent/internal/config"
	"github.com/rand/finagent/internal/memory"
	"github.com/rand/finagent/internal/memory/embeddings"
	"github.com/rand/finagent/internal/pipeline"
	"github.com/rand/finagent/internal/pipeline/assemble"
	"github.com/rand/finagent/internal/pipeline/cache"
	"github.com/rand/finagent/internal/pipeline/compress"
	"github.com/rand/finagent/internal/pipeline/decompose"
	"github.com/rand/finagent/internal/pipeline/llm"
	"github.com/rand/finagent/internal/pipeline/observability"
	"github.com/rand/finagent/internal/pipeline/orchestrator"
	"github.com/rand/finagent/internal/pipeline/resilience"
	"github.com/rand/finagent/internal/pipeline/routing"
	"github.com/rand/finagent/internal/pipeline/synthesize"
	"github.com/rand/finagent/internal/pipeline/think"
	"github.com/rand/finagent/internal/pipeline/verify"
	"github.com/rand/finagent/internal/retrieval"
	"github.com/rand/finagent/internal/store"
)

// App holds the wired components.
type App struct {
	Config       *config.Config
	Store        *store.Store
	Cache        *cache.Cache
	Memory       *memory.Manager
	Index        *retrieval.Index
	Breakers     *resilience.Registry
	Metrics      *observability.Metrics
	Orchestrator *orchestrator.Orchestrator

	logger       *slog.Logger
	cleanupFuncs []func() error
}

type options struct {
	generator llm.Generator
	embedder  embeddings.Provider
	sinks     []observability.Sink
	logger    *slog.Logger
}

// Option configures New.
type Option func(*options)

// WithGenerator replaces the configured generation provider.
func WithGenerator(g llm.Generator) Option {
	return func(o *options) { o.generator = g }
}

// WithEmbedder replaces the configured embedding provider.
func WithEmbedder(p embeddings.Provider) Option {
	return func(o *options) { o.embedder = p }
}

// WithSink adds a trace sink next to the default ones.
func WithSink(s observability.Sink) Option {
	return func(o *options) { o.sinks = append(o.sinks, s) }
}

// WithLogger sets the logger handed to every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// OpenStore opens the database at the configured path. An empty path
// opens an in-memory database.
func OpenStore(cfg *config.Config) (*store.Store, error) {
	s, err := store.NewStore(store.Options{
		Path:              cfg.DatabasePath(),
		CreateIfNotExists: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return s, nil
}

// NewCache creates the semantic cache over kv with the configured ttls.
func NewCache(cfg *config.Config, kv store.KV) *cache.Cache {
	return cache.New(kv, cache.Config{
		TTL:        cfg.Cache.TTL,
		DefaultTTL: cfg.Cache.DefaultTTL,
	})
}

// NewMemory creates the memory manager over kv.
func NewMemory(cfg *config.Config, kv store.KV, c *cache.Cache, opts ...memory.Option) *memory.Manager {
	opts = append([]memory.Option{memory.WithCache(c)}, opts...)
	return memory.NewManager(kv, memory.Config{
		BufferSize:      cfg.Memory.BufferSize,
		ContextWindow:   cfg.Memory.ContextWindow,
		ArchiveMinChars: cfg.Memory.ArchiveMinChars,
		MaxFacts:        cfg.Memory.MaxFacts,
		SummaryTokens:   cfg.Memory.SummaryTokens,
		FactsPrompt:     cfg.Prompts.Facts,
	}, opts...)
}

// New builds the application from cfg. The corpus, when configured, is
// indexed before New returns.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	a := &App{Config: cfg, logger: logger}

	kv, err := OpenStore(cfg)
	if err != nil {
		return nil, err
	}
	a.Store = kv
	a.cleanupFuncs = append(a.cleanupFuncs, kv.Close)

	a.Breakers = resilience.NewRegistry(resilience.BreakerConfig{
		FailureThreshold: cfg.Resilience.FailureThreshold,
		RecoveryTimeout:  cfg.Resilience.RecoveryTimeout,
		OnStateChange: func(name string, from, to resilience.State) {
			logger.Warn("Circuit breaker state changed", "collaborator", name, "from", from, "to", to)
		},
	})

	embedder := o.embedder
	if embedder == nil {
		embedder, err = NewEmbedder(cfg)
		if err != nil {
			a.Shutdown()
			return nil, err
		}
	}

	a.Cache = NewCache(cfg, kv)
	a.Cache.SetLogger(logger)

	a.Index = retrieval.NewIndex(embedder,
		retrieval.WithVectorStore(kv),
		retrieval.WithMinScore(cfg.Retrieval.MinScore),
		retrieval.WithLogger(logger))
	if cfg.Retrieval.CorpusPath != "" {
		docs, err := retrieval.LoadCorpus(cfg.Retrieval.CorpusPath)
		if err != nil {
			a.Shutdown()
			return nil, fmt.Errorf("load corpus: %w", err)
		}
		if err := a.Index.Add(ctx, docs); err != nil {
			a.Shutdown()
			return nil, fmt.Errorf("index corpus: %w", err)
		}
		logger.Info("Corpus indexed", "path", cfg.Retrieval.CorpusPath, "documents", len(docs))
	}

	gen := o.generator
	if gen == nil {
		gen, err = newGenerator(cfg, a.Breakers.Get("generation"), logger)
		if err != nil {
			a.Shutdown()
			return nil, err
		}
	}

	a.Memory = NewMemory(cfg, kv, a.Cache,
		memory.WithEmbedder(embedder),
		memory.WithGenerator(gen),
		memory.WithLogger(logger))

	orch, err := a.newOrchestrator(cfg, gen, embedder, o.sinks)
	if err != nil {
		a.Shutdown()
		return nil, err
	}
	a.Orchestrator = orch
	return a, nil
}

func (a *App) newOrchestrator(cfg *config.Config, gen llm.Generator, embedder embeddings.Provider, extra []observability.Sink) (*orchestrator.Orchestrator, error) {
	logger := a.logger

	rules := make([]verify.Rule, 0, len(cfg.Compliance.Rules))
	for _, r := range cfg.Compliance.Rules {
		rules = append(rules, verify.Rule{
			Name:       r.Name,
			Terms:      r.Terms,
			Patterns:   r.Patterns,
			Qualifiers: r.Qualifiers,
		})
	}
	verifier, err := verify.New(verify.Config{
		NumericTolerance: cfg.Verifier.NumericTolerance,
		Rules:            rules,
	})
	if err != nil {
		return nil, fmt.Errorf("create verifier: %w", err)
	}
	verifier.SetLogger(logger)

	planner := decompose.New(decompose.Config{
		Mode:         decompose.Mode(cfg.Planner.Mode),
		MaxSteps:     cfg.Planner.MaxSteps,
		PlanPrompt:   cfg.Prompts.Plan,
		ReplanPrompt: cfg.Prompts.Replan,
		MaxTokens:    cfg.Generation.MaxTokens,
	}, gen)
	planner.SetLogger(logger)

	thinker := think.New(think.Config{
		Prompt:       cfg.Prompts.Think,
		MaxTokens:    cfg.Generation.MaxTokens,
		Temperature:  cfg.Generation.Temperature,
		Stop:         cfg.Generation.Stop,
		ReplanMarker: cfg.Planner.ReplanMarker,
	}, gen)
	thinker.SetLogger(logger)

	explainer := synthesize.New(synthesize.Config{
		FastDisclaimer:   cfg.Orchestrator.FastDisclaimer,
		UnverifiedNotice: cfg.Orchestrator.UnverifiedNotice,
		RefusalText:      cfg.Orchestrator.RefusalText,
	})
	explainer.SetLogger(logger)

	assembleOpts := []assemble.Option{
		assemble.WithBreaker(a.Breakers.Get("retrieval")),
		assemble.WithCompressor(compress.New()),
		assemble.WithLogger(logger),
	}
	var pipelineCache *cache.Cache
	if cfg.Cache.Enabled {
		pipelineCache = a.Cache
		assembleOpts = append(assembleOpts, assemble.WithCache(a.Cache))
	}
	assembler := assemble.New(assemble.Config{
		TopK:             cfg.Retrieval.TopK,
		PerExcerptTokens: cfg.Budget.PerExcerptTokens,
		Timeout:          cfg.Timeouts.Retrieval,
	}, embedder, a.Index, assembleOpts...)

	a.Metrics = observability.NewMetrics(nil)
	sink := observability.MultiSink{
		observability.SlogSink{Logger: logger},
		observability.StoreSink{KV: a.Store},
		a.Metrics,
	}
	sink = append(sink, extra...)

	return orchestrator.New(orchestrator.Config{
		MaxAttempts:   cfg.Orchestrator.MaxAttempts,
		ParallelSteps: cfg.Orchestrator.ParallelSteps,
		MaxParallel:   cfg.Orchestrator.MaxParallel,
		AnswerCache:   cfg.Cache.AnswerCache,
		Budget: budget.Limits{
			PerRunTokens:          cfg.Budget.PerRunTokens,
			PerBundleTokens:       cfg.Budget.PerBundleTokens,
			PerExcerptTokens:      cfg.Budget.PerExcerptTokens,
			TokenWarningThreshold: cfg.Budget.WarningThreshold,
		},
	}, orchestrator.Components{
		Classifier: routing.New(routing.Config{
			ComplexityThreshold: cfg.Classifier.ComplexityThreshold,
			HighRiskTerms:       cfg.Classifier.HighRiskTerms,
			MediumRiskTerms:     cfg.Classifier.MediumRiskTerms,
			LongQueryWords:      cfg.Classifier.LongQueryWords,
			MaxQueryChars:       cfg.Orchestrator.MaxQueryChars,
		}),
		Planner:   planner,
		Assembler: assembler,
		Thinker:   thinker,
		Verifier:  verifier,
		Explainer: explainer,
		Cache:     pipelineCache,
		Memory:    a.Memory,
	}, orchestrator.WithSink(sink), orchestrator.WithLogger(logger))
}

// Ask runs one query for user.
func (a *App) Ask(ctx context.Context, user, text string) (*orchestrator.Response, error) {
	if a.Orchestrator == nil {
		return nil, errors.New("orchestrator not initialized")
	}
	rec, err := a.Memory.Get(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("load memory for %s: %w", user, err)
	}
	return a.Orchestrator.Run(ctx, pipeline.Query{UserID: user, Text: text, Turn: rec.Turns})
}

// Shutdown releases every resource opened by New, in reverse order.
func (a *App) Shutdown() {
	for i := len(a.cleanupFuncs) - 1; i >= 0; i-- {
		if err := a.cleanupFuncs[i](); err != nil {
			a.logger.Error("Failed to shutdown app cleanly", "error", err)
		}
	}
	a.cleanupFuncs = nil
}
