// Package retrieval is the vector similarity search collaborator: an
// in-process cosine index over a document corpus.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"

	"github.com/zeebo/xxh3"

	"github.com/rand/finagent/internal/memory/embeddings"
	"github.com/rand/finagent/internal/store"
)

// Candidate is one search hit.
type Candidate struct {
	SourceID string  `json:"source_id"`
	Text     string  `json:"text"`
	Score    float64 `json:"score"`
}

// Searcher finds the candidates closest to a vector, ordered by
// descending score.
type Searcher interface {
	Search(ctx context.Context, vec embeddings.Vector, topK int) ([]Candidate, error)
}

// ErrEmptyIndex is returned by Search before any document is indexed.
var ErrEmptyIndex = errors.New("retrieval index is empty")

type entry struct {
	doc Document
	vec embeddings.Vector
}

// Index is an in-memory cosine index. Vectors can be persisted in a KV
// store so that reloading a corpus only embeds new or changed documents.
type Index struct {
	provider embeddings.Provider
	kv       store.KV
	minScore float64
	logger   *slog.Logger

	mu      sync.RWMutex
	entries []entry
}

// Option configures an Index.
type Option func(*Index)

// WithVectorStore persists document vectors in kv.
func WithVectorStore(kv store.KV) Option {
	return func(i *Index) { i.kv = kv }
}

// WithMinScore drops candidates scoring below min.
func WithMinScore(min float64) Option {
	return func(i *Index) { i.minScore = min }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(i *Index) { i.logger = l }
}

// NewIndex creates an empty index using provider for document vectors.
func NewIndex(provider embeddings.Provider, opts ...Option) *Index {
	idx := &Index{
		provider: provider,
		minScore: -1,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(idx)
	}
	return idx
}

func (idx *Index) vectorKey(text string) string {
	return "vector/" + idx.provider.Model() + "/" + strconv.FormatUint(xxh3.HashString(text), 16)
}

// Add embeds and indexes docs. Documents with an existing id are replaced.
func (idx *Index) Add(ctx context.Context, docs []Document) error {
	vecs := make([]embeddings.Vector, len(docs))
	var missing []string
	var missingIdx []int

	for i, d := range docs {
		if idx.kv != nil {
			if item, err := idx.kv.Get(ctx, idx.vectorKey(d.Text)); err == nil {
				if v, err := embeddings.Decode(item.Value); err == nil && len(v) == idx.provider.Dimensions() {
					vecs[i] = v
					continue
				}
			} else if !errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("load vector: %w", err)
			}
		}
		missing = append(missing, d.Text)
		missingIdx = append(missingIdx, i)
	}

	if len(missing) > 0 {
		embedded, err := idx.provider.Embed(ctx, missing)
		if err != nil {
			return fmt.Errorf("embed corpus: %w", err)
		}
		if len(embedded) != len(missing) {
			return fmt.Errorf("embed corpus: provider returned %d vectors for %d documents", len(embedded), len(missing))
		}
		for j, v := range embedded {
			i := missingIdx[j]
			vecs[i] = v
			if idx.kv != nil {
				if _, err := idx.kv.Set(ctx, idx.vectorKey(docs[i].Text), v.Encode()); err != nil {
					return fmt.Errorf("store vector: %w", err)
				}
			}
		}
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	pos := make(map[string]int, len(idx.entries))
	for i, e := range idx.entries {
		pos[e.doc.ID] = i
	}
	for i, d := range docs {
		if p, ok := pos[d.ID]; ok {
			idx.entries[p] = entry{doc: d, vec: vecs[i]}
			continue
		}
		pos[d.ID] = len(idx.entries)
		idx.entries = append(idx.entries, entry{doc: d, vec: vecs[i]})
	}

	idx.logger.Debug("Indexed documents", "added", len(docs), "embedded", len(missing), "total", len(idx.entries))
	return nil
}

// Len returns the number of indexed documents.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}

// Search implements Searcher. Ties are broken by source id.
func (idx *Index) Search(ctx context.Context, vec embeddings.Vector, topK int) ([]Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if len(idx.entries) == 0 {
		return nil, ErrEmptyIndex
	}

	out := make([]Candidate, 0, len(idx.entries))
	for _, e := range idx.entries {
		score := vec.Cosine(e.vec)
		if score < idx.minScore {
			continue
		}
		out = append(out, Candidate{SourceID: e.doc.ID, Text: e.doc.Text, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].SourceID < out[j].SourceID
	})
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}
