package cache

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/rand/finagent/internal/pipeline"
	"github.com/rand/finagent/internal/store"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	kv, err := store.NewStore(store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })

	return New(kv, Config{
		TTL:        map[string]time.Duration{TagGeneral: 24 * time.Hour, TagNumeric: time.Hour},
		DefaultTTL: 12 * time.Hour,
	})
}

func bundle(ids ...string) *pipeline.EvidenceBundle {
	b := &pipeline.EvidenceBundle{Provenance: pipeline.ProvenanceFreshRetrieval}
	for _, id := range ids {
		b.Items = append(b.Items, pipeline.Evidence{SourceID: id, Text: "text " + id, Score: 0.5})
		b.Tokens += 3
	}
	return b
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		userID string
		want   string
	}{
		{"case and space", "  What IS   an Index\tFund? ", "", "what is an index fund"},
		{"fullwidth", "ＥＴＦ fees", "", "etf fees"},
		{"email", "mail me at bob@example.com about bonds", "", "mail me at about bonds"},
		{"handle", "ask @carol about bonds", "", "ask about bonds"},
		{"account number", "account 123456789 balance", "", "account balance"},
		{"user id", "u-42 wants bonds", "u-42", "wants bonds"},
		{"keeps short numbers", "4% of 2024 returns", "", "4% of 2024 returns"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.text, tt.userID))
		})
	}
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint(KindBundle, "What is an index fund?", "alice")
	b := Fingerprint(KindBundle, "what is an INDEX fund", "bob")
	c := Fingerprint(KindAnswer, "What is an index fund?", "alice")
	d := Fingerprint(KindBundle, "What is a bond?", "alice")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c, "kinds do not collide")
	assert.NotEqual(t, a, d)
	assert.Len(t, a, 64)
}

func TestFingerprint_StableUnderFormatting(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		words := rapid.SliceOfN(rapid.StringMatching(`[a-z]{1,8}`), 1, 8).Draw(t, "words")
		sep := rapid.SampledFrom([]string{" ", "  ", "\t", " \n "}).Draw(t, "sep")
		upper := rapid.Bool().Draw(t, "upper")

		plain := strings.Join(words, " ")
		variant := "  " + strings.Join(words, sep) + " "
		if upper {
			variant = strings.ToUpper(variant)
		}

		if Fingerprint(KindBundle, plain, "") != Fingerprint(KindBundle, variant, "") {
			t.Fatalf("fingerprint differs for %q and %q", plain, variant)
		}
	})
}

func TestTag(t *testing.T) {
	assert.Equal(t, TagGeneral, Tag("index funds track a market"))
	assert.Equal(t, TagNumeric, Tag("no digits", "returns were 7%"))
}

func TestCache_StoreLookup(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	fp := Fingerprint(KindBundle, "index funds", "")

	_, ok, err := c.Lookup(ctx, KindBundle, fp)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Store(ctx, Entry{Kind: KindBundle, Fingerprint: fp, Bundle: bundle("a", "b")}))

	got, ok, err := c.Lookup(ctx, KindBundle, fp)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, TagGeneral, got.Tag)
	assert.Equal(t, 24*time.Hour, got.TTL)
	require.NotNil(t, got.Bundle)
	assert.Len(t, got.Bundle.Items, 2)

	// Mutating the returned value does not affect the cache.
	got.Bundle.Items[0].Text = "mutated"
	again, _, err := c.Lookup(ctx, KindBundle, fp)
	require.NoError(t, err)
	assert.Equal(t, "text a", again.Bundle.Items[0].Text)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 1, stats.Entries[KindBundle])
}

func TestCache_LastWriteWins(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	fp := Fingerprint(KindBundle, "bonds", "")

	require.NoError(t, c.Store(ctx, Entry{Kind: KindBundle, Fingerprint: fp, Bundle: bundle("a", "b", "c")}))
	require.NoError(t, c.Store(ctx, Entry{Kind: KindBundle, Fingerprint: fp, Bundle: bundle("z")}))

	got, ok, err := c.Lookup(ctx, KindBundle, fp)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, got.Bundle.Items, 1)
	assert.Equal(t, "z", got.Bundle.Items[0].SourceID)
}

func TestCache_TTLByTag(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	now := time.Now()
	c.now = func() time.Time { return now }

	numeric := Fingerprint(KindAnswer, "rate", "")
	general := Fingerprint(KindAnswer, "what", "")
	require.NoError(t, c.Store(ctx, Entry{Kind: KindAnswer, Fingerprint: numeric, Tag: TagNumeric, Answer: &pipeline.Draft{Text: "5%"}}))
	require.NoError(t, c.Store(ctx, Entry{Kind: KindAnswer, Fingerprint: general, Tag: TagGeneral, Answer: &pipeline.Draft{Text: "x"}}))

	now = now.Add(2 * time.Hour)

	_, ok, err := c.Lookup(ctx, KindAnswer, numeric)
	require.NoError(t, err)
	assert.False(t, ok, "numeric entry expired")

	_, ok, err = c.Lookup(ctx, KindAnswer, general)
	require.NoError(t, err)
	assert.True(t, ok)

	removed, err := c.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	n, err := c.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestCache_StoreRejectsInvalid(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	assert.Error(t, c.Store(ctx, Entry{Kind: KindBundle, Bundle: bundle("a")}))
	assert.Error(t, c.Store(ctx, Entry{Kind: KindBundle, Fingerprint: "x"}))
	assert.Error(t, c.Store(ctx, Entry{Kind: "other", Fingerprint: "x", Bundle: bundle("a")}))
}
