// Package cache is the semantic cache shared by all users. It holds
// evidence bundles keyed by step intent and verified answers keyed by
// query, each under a fingerprint of the normalized text.
//
// There is no single-flight protection: two runs that miss on the same
// fingerprint both retrieve and both store, and the later write wins.
// Entries are whole values, so the loser's work is discarded rather than
// merged.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/rand/finagent/internal/pipeline"
	"github.com/rand/finagent/internal/store"
)

// Kind distinguishes what a cache entry holds.
type Kind string

const (
	KindBundle Kind = "bundle"
	KindAnswer Kind = "answer"
)

// Content tags select the ttl.
const (
	TagGeneral = "general"
	TagNumeric = "numeric"
)

const keyPrefix = "cache/"

// Entry is one cached value. Exactly one of Bundle and Answer is set,
// matching Kind.
type Entry struct {
	Kind        Kind                     `json:"kind"`
	Fingerprint string                   `json:"fingerprint"`
	Tag         string                   `json:"tag"`
	Bundle      *pipeline.EvidenceBundle `json:"bundle,omitempty"`
	Answer      *pipeline.Draft          `json:"answer,omitempty"`
	StoredAt    time.Time                `json:"stored_at"`
	TTL         time.Duration            `json:"ttl"`
}

// Expired reports whether the entry is older than its ttl at now.
func (e Entry) Expired(now time.Time) bool {
	return e.TTL > 0 && now.Sub(e.StoredAt) > e.TTL
}

// Config configures ttls.
type Config struct {
	TTL        map[string]time.Duration
	DefaultTTL time.Duration
}

// Cache is the semantic cache over a KV store.
type Cache struct {
	kv     store.KV
	config Config
	now    func() time.Time
	logger *slog.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a cache.
func New(kv store.KV, config Config) *Cache {
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = 12 * time.Hour
	}
	return &Cache{
		kv:     kv,
		config: config,
		now:    time.Now,
		logger: slog.Default(),
	}
}

// SetLogger sets the logger.
func (c *Cache) SetLogger(l *slog.Logger) {
	c.logger = l
}

// TTLFor returns the ttl for a content tag.
func (c *Cache) TTLFor(tag string) time.Duration {
	if ttl, ok := c.config.TTL[tag]; ok && ttl > 0 {
		return ttl
	}
	return c.config.DefaultTTL
}

func key(kind Kind, fingerprint string) string {
	return keyPrefix + string(kind) + "/" + fingerprint
}

// Lookup returns the live entry for fingerprint. Expired entries are
// misses. The returned entry is freshly decoded and shares no memory
// with the stored value.
func (c *Cache) Lookup(ctx context.Context, kind Kind, fingerprint string) (Entry, bool, error) {
	item, err := c.kv.Get(ctx, key(kind, fingerprint))
	if errors.Is(err, store.ErrNotFound) {
		c.misses.Add(1)
		return Entry{}, false, nil
	}
	if err != nil {
		c.misses.Add(1)
		return Entry{}, false, fmt.Errorf("cache lookup: %w", err)
	}

	var e Entry
	if err := json.Unmarshal(item.Value, &e); err != nil {
		c.misses.Add(1)
		c.logger.Warn("Dropping undecodable cache entry", "fingerprint", fingerprint, "error", err)
		return Entry{}, false, nil
	}
	if e.Expired(c.now()) {
		c.misses.Add(1)
		return Entry{}, false, nil
	}

	c.hits.Add(1)
	return e, true, nil
}

// Store writes entry, replacing any previous value for the same
// fingerprint. StoredAt and TTL are filled in when zero.
func (c *Cache) Store(ctx context.Context, e Entry) error {
	switch {
	case e.Fingerprint == "":
		return errors.New("cache store: empty fingerprint")
	case e.Kind == KindBundle && e.Bundle == nil, e.Kind == KindAnswer && e.Answer == nil:
		return fmt.Errorf("cache store: %s entry without value", e.Kind)
	case e.Kind != KindBundle && e.Kind != KindAnswer:
		return fmt.Errorf("cache store: unknown kind %q", e.Kind)
	}

	if e.Tag == "" {
		e.Tag = TagGeneral
	}
	if e.StoredAt.IsZero() {
		e.StoredAt = c.now()
	}
	if e.TTL == 0 {
		e.TTL = c.TTLFor(e.Tag)
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("cache store: marshal: %w", err)
	}
	if _, err := c.kv.Set(ctx, key(e.Kind, e.Fingerprint), data); err != nil {
		return fmt.Errorf("cache store: %w", err)
	}

	c.logger.Debug("Cached entry", "kind", e.Kind, "tag", e.Tag, "ttl", e.TTL)
	return nil
}

// Clear removes every entry.
func (c *Cache) Clear(ctx context.Context) (int64, error) {
	n, err := c.kv.DeletePrefix(ctx, keyPrefix)
	if err != nil {
		return 0, fmt.Errorf("cache clear: %w", err)
	}
	return n, nil
}

// Purge removes expired entries.
func (c *Cache) Purge(ctx context.Context) (int, error) {
	items, err := c.kv.List(ctx, keyPrefix)
	if err != nil {
		return 0, fmt.Errorf("cache purge: %w", err)
	}

	now := c.now()
	removed := 0
	for _, item := range items {
		var e Entry
		if err := json.Unmarshal(item.Value, &e); err == nil && !e.Expired(now) {
			continue
		}
		if err := c.kv.Delete(ctx, item.Key); err != nil {
			return removed, fmt.Errorf("cache purge: %w", err)
		}
		removed++
	}
	return removed, nil
}

// Stats summarizes cache usage.
type Stats struct {
	Hits    int64          `json:"hits"`
	Misses  int64          `json:"misses"`
	HitRate float64        `json:"hit_rate"`
	Entries map[Kind]int   `json:"entries"`
	Expired int            `json:"expired"`
	ByTag   map[string]int `json:"by_tag"`
}

// Stats counts entries in the store and reports the in-process hit rate.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	items, err := c.kv.List(ctx, keyPrefix)
	if err != nil {
		return Stats{}, fmt.Errorf("cache stats: %w", err)
	}

	s := Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Entries: make(map[Kind]int),
		ByTag:   make(map[string]int),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}

	now := c.now()
	for _, item := range items {
		var e Entry
		if err := json.Unmarshal(item.Value, &e); err != nil {
			continue
		}
		s.Entries[e.Kind]++
		s.ByTag[e.Tag]++
		if e.Expired(now) {
			s.Expired++
		}
	}
	return s, nil
}
