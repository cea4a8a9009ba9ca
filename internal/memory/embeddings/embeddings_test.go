package embeddings

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVector_Cosine(t *testing.T) {
	tests := []struct {
		name string
		a, b Vector
		want float64
	}{
		{"identical", Vector{1, 0, 0}, Vector{1, 0, 0}, 1},
		{"orthogonal", Vector{1, 0, 0}, Vector{0, 1, 0}, 0},
		{"opposite", Vector{1, 0}, Vector{-1, 0}, -1},
		{"45 degrees", Vector{1, 1}, Vector{1, 0}, 0.7071},
		{"length mismatch", Vector{1}, Vector{1, 0}, 0},
		{"zero", Vector{0, 0}, Vector{1, 0}, 0},
		{"empty", Vector{}, Vector{}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, tt.a.Cosine(tt.b), 0.001)
		})
	}
}

func TestVector_EncodeDecode(t *testing.T) {
	v := Vector{1.5, -2, 0, 3.25}
	got, err := Decode(v.Encode())
	require.NoError(t, err)
	assert.Equal(t, v, got)

	_, err = Decode([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestHashProvider(t *testing.T) {
	p := NewHashProvider(128)
	ctx := context.Background()

	vecs, err := p.Embed(ctx, []string{
		"index fund expense ratio",
		"What is the expense ratio of an index fund?",
		"mortgage refinancing closing costs",
	})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Len(t, vecs[0], 128)

	related := vecs[0].Cosine(vecs[1])
	unrelated := vecs[0].Cosine(vecs[2])
	assert.Greater(t, related, unrelated)

	again, err := p.Embed(ctx, []string{"index fund expense ratio"})
	require.NoError(t, err)
	assert.Equal(t, vecs[0], again[0], "deterministic")
}

type countingProvider struct {
	calls int
	texts int
	extra int
	err   error
}

func (c *countingProvider) Embed(_ context.Context, texts []string) ([]Vector, error) {
	c.calls++
	c.texts += len(texts)
	if c.err != nil {
		return nil, c.err
	}
	out := make([]Vector, len(texts)+c.extra)
	for i, t := range texts {
		out[i] = Vector{float32(len(t))}
	}
	return out, nil
}

func (c *countingProvider) Dimensions() int { return 1 }
func (c *countingProvider) Model() string   { return "counting" }

func TestCachedProvider(t *testing.T) {
	inner := &countingProvider{}
	p := NewCachedProvider(inner, 2)
	ctx := context.Background()

	_, err := p.Embed(ctx, []string{"a", "bb"})
	require.NoError(t, err)
	vecs, err := p.Embed(ctx, []string{"bb", "ccc", "a"})
	require.NoError(t, err)

	assert.Equal(t, []Vector{{2}, {3}, {1}}, vecs)
	assert.Equal(t, 2, inner.calls)
	assert.Equal(t, 3, inner.texts)

	// Adding ccc evicted bb, the least recently used entry.
	_, err = p.Embed(ctx, []string{"bb"})
	require.NoError(t, err)
	assert.Equal(t, 4, inner.texts)

	hits, misses := p.CacheStats()
	assert.Equal(t, int64(2), hits)
	assert.Equal(t, int64(4), misses)
	assert.Equal(t, "counting", p.Model())
}

func TestCachedProvider_Error(t *testing.T) {
	p := NewCachedProvider(&countingProvider{err: errors.New("down")}, 0)
	_, err := p.Embed(context.Background(), []string{"x"})
	assert.EqualError(t, err, "down")
}

func TestCachedProvider_VectorCountMismatch(t *testing.T) {
	p := NewCachedProvider(&countingProvider{extra: 1}, 0)
	_, err := p.Embed(context.Background(), []string{"x", "yy"})
	assert.EqualError(t, err, "counting: got 3 vectors for 2 texts")

	_, ok := p.cache.Get("x")
	assert.False(t, ok, "nothing is cached")
}

func TestVoyageProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req voyageRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "voyage-3-lite", req.Model)

		type item struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		}
		var data []item
		// Reverse order to exercise index placement.
		for i := len(req.Input) - 1; i >= 0; i-- {
			data = append(data, item{Embedding: []float32{float32(i)}, Index: i})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
	}))
	defer srv.Close()

	p, err := NewVoyageProvider(WithAPIKey("test-key"), WithModel("voyage-3-lite"), WithEndpoint(srv.URL), WithRateLimit(1000))
	require.NoError(t, err)

	vecs, err := p.Embed(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, []Vector{{0}, {1}, {2}}, vecs)
}

func TestVoyageProvider_Errors(t *testing.T) {
	t.Setenv("VOYAGE_API_KEY", "")
	_, err := NewVoyageProvider()
	assert.ErrorContains(t, err, "API key")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p, err := NewVoyageProvider(WithAPIKey("k"), WithEndpoint(srv.URL))
	require.NoError(t, err)
	_, err = p.Embed(context.Background(), []string{"x"})
	assert.ErrorContains(t, err, "429")
}
