// Package vector provides the small amount of linear algebra shared by the
// record store and the activation engine: cosine similarity, pairwise
// similarity matrices and conversion between float widths.
package vector

import (
	"errors"
	"fmt"
	"math"
)

// ErrDimensionMismatch indicates that two embedding vectors of differing
// length were passed together.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Float is the set of element types an embedding may be expressed in.
type Float interface {
	~float32 | ~float64
}

// Cosine calculates the cosine similarity between two vectors.
//
// The result lies in [-1, 1]. A zero-norm vector on either side yields 0
// rather than NaN. Vectors of different length return ErrDimensionMismatch.
func Cosine[T Float](a, b []T) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, len(a), len(b))
	}

	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}

	if normA == 0 || normB == 0 {
		return 0, nil
	}

	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	// Rounding can push identical vectors marginally past 1.
	if sim > 1 {
		return 1, nil
	}
	if sim < -1 {
		return -1, nil
	}
	return sim, nil
}

// SimilarityMatrix returns the n×n matrix of pairwise cosine similarities.
// All vectors must share one dimension.
func SimilarityMatrix[T Float](vectors [][]T) ([][]float64, error) {
	n := len(vectors)
	matrix := make([][]float64, n)
	for i := range matrix {
		matrix[i] = make([]float64, n)
	}

	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sim, err := Cosine(vectors[i], vectors[j])
			if err != nil {
				return nil, fmt.Errorf("SimilarityMatrix: [%d,%d]: %w", i, j, err)
			}
			matrix[i][j] = sim
			matrix[j][i] = sim
		}
	}

	return matrix, nil
}

// Convert copies v into a new slice with element type To.
func Convert[To, From Float](v []From) []To {
	if v == nil {
		return nil
	}
	out := make([]To, len(v))
	for i, x := range v {
		out[i] = To(x)
	}
	return out
}

// Clone returns a copy of v that shares no memory with it.
func Clone[T Float](v []T) []T {
	if v == nil {
		return nil
	}
	out := make([]T, len(v))
	copy(out, v)
	return out
}
