package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// DefaultHashDimensions matches all-MiniLM-L6-v2.
const DefaultHashDimensions = 384

// HashProvider is a deterministic feature-hashing embedder for tests and
// offline runs. Each lowercased word is hashed into a bucket with a sign, so
// texts sharing words have positive cosine similarity.
type HashProvider struct {
	dimensions int
}

// NewHashProvider creates a hash embedder producing vectors of the given
// length (DefaultHashDimensions when dims <= 0).
func NewHashProvider(dims int) *HashProvider {
	if dims <= 0 {
		dims = DefaultHashDimensions
	}
	return &HashProvider{dimensions: dims}
}

// EmbedQuery embeds text.
func (h *HashProvider) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	return h.embed(text), nil
}

// EmbedDocuments embeds every text.
func (h *HashProvider) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = h.embed(t)
	}
	return out, nil
}

// Dimensions returns the vector length.
func (h *HashProvider) Dimensions() int {
	return h.dimensions
}

// Model returns the backend name.
func (h *HashProvider) Model() string {
	return "hash"
}

func (h *HashProvider) embed(text string) []float32 {
	vec := make([]float32, h.dimensions)

	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for _, w := range words {
		f := fnv.New64a()
		_, _ = f.Write([]byte(w))
		seed := f.Sum64()

		// Simple LCG step to spread the bucket and sign bits.
		seed = seed*6364136223846793005 + 1442695040888963407
		idx := int(seed % uint64(h.dimensions))
		if seed>>63 == 1 {
			vec[idx] -= 1
		} else {
			vec[idx] += 1
		}
	}

	return normalize(vec)
}

// normalize scales vec to unit length in place; a zero vector is returned
// unchanged.
func normalize(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	norm = math.Sqrt(norm)
	for i, v := range vec {
		vec[i] = float32(float64(v) / norm)
	}
	return vec
}

var _ Provider = (*HashProvider)(nil)
