// Package assemble builds the token-bounded evidence bundle for a plan
// step, consulting the semantic cache before retrieval.
package assemble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/xxh3"

	"github.com/rand/finagent/internal/budget"
	"github.com/rand/finagent/internal/memory/embeddings"
	"github.com/rand/finagent/internal/pipeline"
	"github.com/rand/finagent/internal/pipeline/cache"
	"github.com/rand/finagent/internal/pipeline/compress"
	"github.com/rand/finagent/internal/pipeline/resilience"
	"github.com/rand/finagent/internal/retrieval"
)

// ErrNoCandidates is recorded when retrieval succeeds with no results.
var ErrNoCandidates = errors.New("retrieval returned no candidates")

// Config configures an Assembler.
type Config struct {
	TopK             int
	PerExcerptTokens int
	Timeout          time.Duration
}

// Assembler assembles evidence bundles.
type Assembler struct {
	config     Config
	cache      *cache.Cache
	embedder   embeddings.Provider
	searcher   retrieval.Searcher
	compressor *compress.Compressor
	breaker    *resilience.Breaker
	logger     *slog.Logger
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithCache enables the semantic cache lookup.
func WithCache(c *cache.Cache) Option {
	return func(a *Assembler) { a.cache = c }
}

// WithBreaker guards retrieval with a circuit breaker.
func WithBreaker(b *resilience.Breaker) Option {
	return func(a *Assembler) { a.breaker = b }
}

// WithCompressor sets the excerpt compressor.
func WithCompressor(c *compress.Compressor) Option {
	return func(a *Assembler) { a.compressor = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Assembler) { a.logger = l }
}

// New creates an assembler.
func New(config Config, embedder embeddings.Provider, searcher retrieval.Searcher, opts ...Option) *Assembler {
	if config.TopK <= 0 {
		config.TopK = 8
	}
	if config.PerExcerptTokens <= 0 {
		config.PerExcerptTokens = 400
	}
	a := &Assembler{
		config:     config,
		embedder:   embedder,
		searcher:   searcher,
		compressor: compress.New(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Result is the outcome of one Assemble call.
type Result struct {
	Bundle pipeline.EvidenceBundle

	// Fingerprint is the bundle cache key for the step intent.
	Fingerprint string

	// Tag selects the cache ttl when the bundle is stored.
	Tag string

	// Failure is set when the bundle is marked retrieval-failed.
	Failure *pipeline.RetrievalFailure
}

// CacheHit reports whether the bundle came from the cache.
func (r Result) CacheHit() bool {
	return r.Bundle.Provenance == pipeline.ProvenanceCacheHit
}

// Assemble returns the evidence bundle for step within budgetTokens. It
// never fails: retrieval problems produce an empty bundle marked
// retrieval-failed, with the cause in Result.Failure.
func (a *Assembler) Assemble(ctx context.Context, step pipeline.Step, userID string, budgetTokens int) Result {
	res := Result{Fingerprint: cache.Fingerprint(cache.KindBundle, step.Intent, userID)}

	if a.cache != nil {
		entry, ok, err := a.cache.Lookup(ctx, cache.KindBundle, res.Fingerprint)
		if err != nil {
			a.logger.Warn("Bundle cache lookup failed", "step", step.ID, "error", err)
		}
		if ok && entry.Bundle != nil {
			items := Select(entry.Bundle.Items, budgetTokens)
			res.Bundle = pipeline.EvidenceBundle{
				Items:      items,
				Tokens:     Tokens(items),
				Provenance: pipeline.ProvenanceCacheHit,
			}
			res.Tag = entry.Tag
			return res
		}
	}

	candidates, err := resilience.Call(ctx, a.breaker, a.config.Timeout, func(ctx context.Context) ([]retrieval.Candidate, error) {
		vecs, err := a.embedder.Embed(ctx, []string{step.Intent})
		if err != nil {
			return nil, fmt.Errorf("embed intent: %w", err)
		}
		if len(vecs) != 1 {
			return nil, fmt.Errorf("embed intent: got %d vectors", len(vecs))
		}
		return a.searcher.Search(ctx, vecs[0], a.config.TopK)
	})
	if err == nil && len(candidates) == 0 {
		err = ErrNoCandidates
	}
	if err != nil {
		res.Failure = &pipeline.RetrievalFailure{StepID: step.ID, Err: err}
		res.Bundle = pipeline.EvidenceBundle{Provenance: pipeline.ProvenanceRetrievalFailed}
		a.logger.Warn("Retrieval failed", "step", step.ID, "error", err)
		return res
	}

	items := a.prepare(candidates, step.Intent)
	items = Select(items, budgetTokens)
	res.Bundle = pipeline.EvidenceBundle{
		Items:      items,
		Tokens:     Tokens(items),
		Provenance: pipeline.ProvenanceFreshRetrieval,
	}

	texts := make([]string, len(items))
	for i, it := range items {
		texts[i] = it.Text
	}
	res.Tag = cache.Tag(texts...)

	a.logger.Debug("Assembled bundle",
		"step", step.ID,
		"candidates", len(candidates),
		"items", len(items),
		"tokens", res.Bundle.Tokens,
		"budget", budgetTokens)
	return res
}

// prepare dedupes candidates in retrieval order and summarizes excerpts
// over the per-excerpt cap.
func (a *Assembler) prepare(candidates []retrieval.Candidate, intent string) []pipeline.Evidence {
	seen := make(map[uint64]bool, len(candidates))
	out := make([]pipeline.Evidence, 0, len(candidates))
	for _, c := range candidates {
		h := xxh3.HashString(strings.ToLower(strings.Join(strings.Fields(c.Text), " ")))
		if seen[h] {
			continue
		}
		seen[h] = true

		text := c.Text
		if budget.EstimateTokens(text) > a.config.PerExcerptTokens {
			text = a.compressor.Summarize(text, intent, a.config.PerExcerptTokens)
		}
		out = append(out, pipeline.Evidence{SourceID: c.SourceID, Text: text, Score: c.Score})
	}
	return out
}

// Select keeps the longest prefix of items, ranked by descending score
// with ties by source id, whose token total fits budgetTokens. The kept
// items are returned in their input order. The input is not modified.
func Select(items []pipeline.Evidence, budgetTokens int) []pipeline.Evidence {
	order := make([]int, len(items))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(x, y int) bool {
		a, b := items[order[x]], items[order[y]]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		return a.SourceID < b.SourceID
	})

	keep := make([]bool, len(items))
	used := 0
	for _, i := range order {
		t := budget.EstimateTokens(items[i].Text)
		if used+t > budgetTokens {
			break
		}
		keep[i] = true
		used += t
	}

	out := make([]pipeline.Evidence, 0, len(items))
	for i, it := range items {
		if keep[i] {
			out = append(out, it)
		}
	}
	return out
}

// Tokens returns the token estimate of items.
func Tokens(items []pipeline.Evidence) int {
	n := 0
	for _, it := range items {
		n += budget.EstimateTokens(it.Text)
	}
	return n
}
