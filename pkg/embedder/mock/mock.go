// Package mock provides a deterministic embedder for tests and offline examples.
package mock

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync/atomic"
)

// Embedder generates deterministic embeddings from a text hash.
//
// Texts that share words land close together: each lower-cased word
// contributes a pseudo-random unit direction and the sum is normalized.
// That gives the activation tests realistic, non-trivial similarities
// without a model.
type Embedder struct {
	dimensions int
	calls      atomic.Int64
}

// New creates a mock embedder producing vectors of the given dimension.
// A non-positive dimension defaults to 64.
func New(dimensions int) *Embedder {
	if dimensions <= 0 {
		dimensions = 64
	}
	return &Embedder{dimensions: dimensions}
}

// Embed creates a deterministic embedding from text.
func (m *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	m.calls.Add(1)
	return m.embed(text), nil
}

// EmbedBatch embeds every text independently.
func (m *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	m.calls.Add(1)
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = m.embed(t)
	}
	return out, nil
}

// Calls reports how many Embed/EmbedBatch calls were made.
func (m *Embedder) Calls() int64 {
	return m.calls.Load()
}

// Dimensions returns the embedding size.
func (m *Embedder) Dimensions() int {
	return m.dimensions
}

// Close is a no-op.
func (m *Embedder) Close() error {
	return nil
}

func (m *Embedder) embed(text string) []float32 {
	sum := make([]float64, m.dimensions)
	words := strings.Fields(strings.ToLower(text))
	if len(words) == 0 {
		words = []string{text}
	}
	for _, w := range words {
		h := fnv.New64a()
		_, _ = h.Write([]byte(strings.Trim(w, ".,;:!?\"'()")))
		seed := h.Sum64()
		for i := range sum {
			// Linear congruential step mapped to [-1, 1].
			seed = seed*6364136223846793005 + 1442695040888963407
			sum[i] += float64(int64(seed)) / float64(math.MaxInt64)
		}
	}
	return normalize(sum)
}

func normalize(vec []float64) []float32 {
	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	out := make([]float32, len(vec))
	if norm == 0 {
		return out
	}
	norm = math.Sqrt(norm)
	for i, v := range vec {
		out[i] = float32(v / norm)
	}
	return out
}
