package embeddings

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/fyrsmithlabs/ragchat/internal/config"
)

// DefaultHashDimension is used when no dimension is configured.
const DefaultHashDimension = 384

// HashProvider embeds text by feature hashing lowercased word tokens into a
// fixed number of signed buckets, then L2-normalizing. It needs no model,
// which makes it the provider for tests and offline development. Texts
// without tokens map to the zero vector.
type HashProvider struct {
	dimension int
}

// NewHashProvider creates a HashProvider. Zero selects DefaultHashDimension.
func NewHashProvider(dimension int) (*HashProvider, error) {
	if dimension < 0 {
		return nil, &config.ConfigurationError{Key: "embeddings.dimension", Reason: "must not be negative"}
	}
	if dimension == 0 {
		dimension = DefaultHashDimension
	}
	return &HashProvider{dimension: dimension}, nil
}

// EmbedDocuments embeds every text.
func (h *HashProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = h.vector(t)
	}
	return out, nil
}

// EmbedQuery embeds a single text.
func (h *HashProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return h.vector(text), nil
}

func (h *HashProvider) vector(text string) []float32 {
	v := make([]float64, h.dimension)
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, tok := range tokens {
		f := fnv.New64a()
		f.Write([]byte(tok))
		sum := f.Sum64()
		bucket := sum % uint64(h.dimension)
		if sum>>63 == 1 {
			v[bucket]--
		} else {
			v[bucket]++
		}
	}

	var ss float64
	for _, x := range v {
		ss += x * x
	}
	out := make([]float32, h.dimension)
	if ss == 0 {
		return out
	}
	n := math.Sqrt(ss)
	for i, x := range v {
		out[i] = float32(x / n)
	}
	return out
}

// Dimension returns the vector length.
func (h *HashProvider) Dimension() int {
	return h.dimension
}

// Close is a no-op.
func (h *HashProvider) Close() error {
	return nil
}
