package embeddings

import (
	"context"
	"strings"
	"unicode"

	"github.com/zeebo/xxh3"
)

// HashProvider embeds text by feature hashing of word unigrams and
// bigrams. It is deterministic, needs no network, and places texts that
// share vocabulary close together.
type HashProvider struct {
	dims int
}

// NewHashProvider creates a provider producing dims-sized vectors.
func NewHashProvider(dims int) *HashProvider {
	if dims <= 0 {
		dims = 256
	}
	return &HashProvider{dims: dims}
}

// Embed implements Provider.
func (p *HashProvider) Embed(ctx context.Context, texts []string) ([]Vector, error) {
	out := make([]Vector, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = p.embed(t)
	}
	return out, nil
}

func (p *HashProvider) embed(text string) Vector {
	v := make(Vector, p.dims)
	tokens := tokenize(text)
	add := func(feature string, weight float32) {
		h := xxh3.HashString(feature)
		idx := int(h % uint64(p.dims))
		if h&(1<<63) != 0 {
			weight = -weight
		}
		v[idx] += weight
	}
	for i, tok := range tokens {
		add(tok, 1)
		if i > 0 {
			add(tokens[i-1]+" "+tok, 0.5)
		}
	}
	return v.Normalize()
}

// tokenize lowercases text and splits it into words, dropping stop words.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '%'
	})
	out := fields[:0]
	for _, f := range fields {
		if !stopWords[f] {
			out = append(out, f)
		}
	}
	return out
}

var stopWords = map[string]bool{
	"a": true, "an": true, "the": true, "is": true, "are": true, "of": true,
	"to": true, "and": true, "or": true, "in": true, "on": true, "for": true,
	"what": true, "how": true, "does": true, "do": true, "i": true, "my": true,
	"it": true, "be": true, "with": true, "as": true, "at": true, "by": true,
}

// Dimensions implements Provider.
func (p *HashProvider) Dimensions() int { return p.dims }

// Model implements Provider.
func (p *HashProvider) Model() string { return "xxh3-hash" }
