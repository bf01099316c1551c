package embeddings

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// Deterministic is a hash-derived embedding provider.
//
// Tokens are hashed into dimension buckets and the resulting vector is
// unit-normalized, so identical texts always produce identical vectors
// and token overlap still yields nonzero cosine similarity. Used as the
// degraded-mode fallback while the real provider is unavailable, and in
// tests where ranking must be reproducible.
type Deterministic struct {
	dimension int
}

// NewDeterministic creates a deterministic provider with the given dimension.
func NewDeterministic(dimension int) (*Deterministic, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive, got %d", ErrInvalidConfig, dimension)
	}
	return &Deterministic{dimension: dimension}, nil
}

// EmbedDocuments generates embeddings for multiple texts.
func (d *Deterministic) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vectors[i] = d.embed(text)
	}
	return vectors, nil
}

// EmbedQuery generates an embedding for a single query.
func (d *Deterministic) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := d.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// Dimension returns the embedding dimension.
func (d *Deterministic) Dimension() int {
	return d.dimension
}

// Close is a no-op.
func (d *Deterministic) Close() error {
	return nil
}

func (d *Deterministic) embed(text string) []float32 {
	vec := make([]float32, d.dimension)
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return vec
	}

	for _, token := range tokens {
		h := fnv.New64a()
		h.Write([]byte(token))
		sum := h.Sum64()
		bucket := int(sum % uint64(d.dimension))
		// The high bit picks the sign so hash collisions partially cancel
		// instead of always reinforcing.
		sign := float32(1)
		if sum&(1<<63) != 0 {
			sign = -1
		}
		vec[bucket] += sign
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
