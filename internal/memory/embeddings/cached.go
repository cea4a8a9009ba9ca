package embeddings

import (
	"context"
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultCacheSize = 1000

// CachedProvider wraps a Provider with an LRU cache keyed by text.
type CachedProvider struct {
	provider Provider
	cache    *lru.Cache[string, Vector]
	hits     atomic.Int64
	misses   atomic.Int64
}

// NewCachedProvider wraps provider. A non-positive size selects the default.
func NewCachedProvider(provider Provider, size int) *CachedProvider {
	if size <= 0 {
		size = defaultCacheSize
	}
	cache, _ := lru.New[string, Vector](size)
	return &CachedProvider{provider: provider, cache: cache}
}

// Embed returns cached vectors where available and embeds the rest in a
// single call to the wrapped provider.
func (p *CachedProvider) Embed(ctx context.Context, texts []string) ([]Vector, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	results := make([]Vector, len(texts))
	var missing []string
	var missingIdx []int
	for i, text := range texts {
		if vec, ok := p.cache.Get(text); ok {
			results[i] = vec
			p.hits.Add(1)
			continue
		}
		p.misses.Add(1)
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}

	if len(missing) > 0 {
		vectors, err := p.provider.Embed(ctx, missing)
		if err != nil {
			return nil, err
		}
		if len(vectors) != len(missing) {
			return nil, fmt.Errorf("%s: got %d vectors for %d texts", p.provider.Model(), len(vectors), len(missing))
		}
		for i, vec := range vectors {
			results[missingIdx[i]] = vec
			p.cache.Add(missing[i], vec)
		}
	}
	return results, nil
}

// Dimensions implements Provider.
func (p *CachedProvider) Dimensions() int { return p.provider.Dimensions() }

// Model implements Provider.
func (p *CachedProvider) Model() string { return p.provider.Model() }

// CacheStats returns hit and miss counts.
func (p *CachedProvider) CacheStats() (hits, misses int64) {
	return p.hits.Load(), p.misses.Load()
}
