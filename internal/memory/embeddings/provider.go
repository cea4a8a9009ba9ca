// Package embeddings turns text into vectors for the retrieval index and
// the context assembler.
package embeddings

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
)

// Provider generates embeddings from text.
type Provider interface {
	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([]Vector, error)

	// Dimensions returns the vector size.
	Dimensions() int

	// Model returns the model identifier.
	Model() string
}

// Vector is a dense embedding.
type Vector []float32

// Cosine returns the cosine similarity of v and other in [-1, 1]. Vectors
// of different length, empty vectors and zero vectors score 0.
func (v Vector) Cosine(other Vector) float64 {
	if len(v) != len(other) || len(v) == 0 {
		return 0
	}

	var dot, nv, no float64
	for i := range v {
		a, b := float64(v[i]), float64(other[i])
		dot += a * b
		nv += a * a
		no += b * b
	}
	if nv == 0 || no == 0 {
		return 0
	}
	return dot / (math.Sqrt(nv) * math.Sqrt(no))
}

// Normalize returns a unit vector in the same direction.
func (v Vector) Normalize() Vector {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	n := math.Sqrt(sum)
	out := make(Vector, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / n)
	}
	return out
}

// Encode serializes the vector as little-endian float32s.
func (v Vector) Encode() []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// Decode parses a vector written by Encode.
func Decode(b []byte) (Vector, error) {
	if len(b)%4 != 0 {
		return nil, errors.New("embeddings: encoded vector length is not a multiple of 4")
	}
	v := make(Vector, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}
