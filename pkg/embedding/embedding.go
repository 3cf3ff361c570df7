// Package embedding defines the text-embedding transport and its
// OpenAI-compatible implementation.
package embedding

import (
	"context"
	"hash/fnv"
	"math"
)

// Embedder maps text to fixed-length real vectors. Implementations are
// safe for concurrent use.
type Embedder interface {
	// Embed returns the vector for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch embeds many texts with partial-failure tolerance: empty
	// inputs and failed items come back as zero vectors.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the vector length this embedder produces.
	Dimension() int
}

// Hashing is a deterministic, dependency-free embedder: token hashes are
// folded into a normalized bag-of-words vector. It stands in wherever no
// embedding backend is configured and in tests.
type Hashing struct {
	dim int
}

var _ Embedder = (*Hashing)(nil)

// NewHashing creates a hashing embedder of the given dimension.
func NewHashing(dimension int) *Hashing {
	if dimension <= 0 {
		dimension = 256
	}
	return &Hashing{dim: dimension}
}

func (h *Hashing) Dimension() int { return h.dim }

func (h *Hashing) Embed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, h.dim)
	if text == "" {
		return vec, nil
	}
	for _, token := range tokenize(text) {
		hash := fnv.New32a()
		hash.Write([]byte(token))
		vec[hash.Sum32()%uint32(h.dim)]++
	}
	normalize(vec)
	return vec, nil
}

func (h *Hashing) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		v, err := h.Embed(ctx, text)
		if err != nil {
			v = make([]float32, h.dim)
		}
		vectors[i] = v
	}
	return vectors, nil
}

// tokenize splits on non-letter boundaries, treating each CJK rune as its
// own token so Chinese text produces useful features.
func tokenize(text string) []string {
	var tokens []string
	var current []rune
	for _, r := range text {
		switch {
		case r >= 0x4E00 && r <= 0x9FFF:
			if len(current) > 0 {
				tokens = append(tokens, string(current))
				current = current[:0]
			}
			tokens = append(tokens, string(r))
		case isWordRune(r):
			current = append(current, toLower(r))
		default:
			if len(current) > 0 {
				tokens = append(tokens, string(current))
				current = current[:0]
			}
		}
	}
	if len(current) > 0 {
		tokens = append(tokens, string(current))
	}
	return tokens
}

func isWordRune(r rune) bool {
	return r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9'
}

func toLower(r rune) rune {
	if r >= 'A' && r <= 'Z' {
		return r + 32
	}
	return r
}

func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
}
