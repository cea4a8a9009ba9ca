package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"charm.land/fantasy"
	"charm.land/fantasy/providers/anthropic"
	"charm.land/fantasy/providers/openrouter"

	"github.com/rand/finagent/internal/pipeline/resilience"
)

// Provider names.
const (
	ProviderAnthropic  = "anthropic"
	ProviderOpenRouter = "openrouter"
)

// ProviderConfig selects and authenticates a provider.
type ProviderConfig struct {
	Provider string
	APIKey   string
	BaseURL  string
}

// NewProvider creates a fantasy provider.
func NewProvider(cfg ProviderConfig) (fantasy.Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%s: API key not set", cfg.Provider)
	}

	switch cfg.Provider {
	case ProviderAnthropic, "":
		opts := []anthropic.Option{anthropic.WithAPIKey(cfg.APIKey)}
		if cfg.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
		}
		return anthropic.New(opts...)
	case ProviderOpenRouter:
		return openrouter.New(openrouter.WithAPIKey(cfg.APIKey))
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

// FantasyGenerator generates text through a fantasy language model.
type FantasyGenerator struct {
	provider fantasy.Provider
	model    string
	breaker  *resilience.Breaker
	timeout  time.Duration
	logger   *slog.Logger
}

// Option configures a FantasyGenerator.
type Option func(*FantasyGenerator)

// WithBreaker guards calls with a circuit breaker.
func WithBreaker(b *resilience.Breaker) Option {
	return func(g *FantasyGenerator) { g.breaker = b }
}

// WithTimeout bounds each call.
func WithTimeout(d time.Duration) Option {
	return func(g *FantasyGenerator) { g.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *FantasyGenerator) { g.logger = l }
}

// NewFantasyGenerator creates a generator for model.
func NewFantasyGenerator(provider fantasy.Provider, model string, opts ...Option) *FantasyGenerator {
	g := &FantasyGenerator{
		provider: provider,
		model:    model,
		timeout:  30 * time.Second,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate implements Generator. Failures are returned as *ModelError,
// except cancellation of ctx which is returned unwrapped.
func (g *FantasyGenerator) Generate(ctx context.Context, req Request) (Response, error) {
	resp, err := resilience.Call(ctx, g.breaker, g.timeout, func(ctx context.Context) (Response, error) {
		return g.generate(ctx, req)
	})
	if err == nil {
		return resp, nil
	}
	if ctx.Err() != nil {
		return Response{}, ctx.Err()
	}

	var me *ModelError
	switch {
	case errors.As(err, &me):
		return Response{}, me
	case errors.Is(err, resilience.ErrTimeout):
		return Response{}, NewModelError(KindTimeout, err)
	case errors.Is(err, resilience.ErrOpen), errors.Is(err, resilience.ErrProbeInFlight):
		return Response{}, NewModelError(KindUnavailable, err)
	default:
		return Response{}, NewModelError(classify(err), err)
	}
}

func (g *FantasyGenerator) generate(ctx context.Context, req Request) (Response, error) {
	lm, err := g.provider.LanguageModel(ctx, g.model)
	if err != nil {
		return Response{}, fmt.Errorf("get language model: %w", err)
	}

	call := fantasy.Call{
		Prompt: fantasy.Prompt{fantasy.NewUserMessage(req.Prompt)},
	}
	if req.MaxTokens > 0 {
		maxTokens := int64(req.MaxTokens)
		call.MaxOutputTokens = &maxTokens
	}
	temperature := req.Temperature
	call.Temperature = &temperature

	start := time.Now()
	resp, err := lm.Generate(ctx, call)
	if err != nil {
		return Response{}, fmt.Errorf("generate: %w", err)
	}

	text := TruncateAtStop(resp.Content.Text(), req.Stop)
	if strings.TrimSpace(text) == "" {
		return Response{}, NewModelError(KindInvalidResponse, errors.New("empty response"))
	}

	g.logger.Debug("generation complete",
		"model", g.model,
		"tokens", resp.Usage.TotalTokens,
		"duration", time.Since(start))

	return Response{Text: text, Tokens: int(resp.Usage.TotalTokens)}, nil
}
