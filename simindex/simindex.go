// Package simindex provides the exact nearest-neighbor structure built
// over a dataset's full embedding matrix. The index is rebuilt on every
// context construction and never persisted. Search uses squared
// Euclidean distance, which on unit-normalized vectors orders results
// identically to cosine similarity.
package simindex

import (
	"errors"
	"fmt"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hci-gu/bildutforskaren/internal/vecmath"
)

var (
	// ErrEmptyIndex is returned when an index is built over zero vectors.
	ErrEmptyIndex = errors.New("simindex: empty index")

	// ErrEmptySubset is returned when a subset search has no valid candidates.
	ErrEmptySubset = errors.New("simindex: empty subset")
)

// ErrDimensionMismatch indicates a query/index dimensionality mismatch.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("simindex: dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// Result is one search hit.
type Result struct {
	ID       int     `json:"id"`
	Distance float32 `json:"distance"`
}

// Flat is an exact index over the full embedding matrix.
// Invariants: Len() equals the embedding row count and Dim() the
// embedding column count. Reads are lock-free; the vector slice is
// never mutated after Build.
type Flat struct {
	vectors [][]float32
	dim     int
}

// Build constructs an index over vectors. All rows must share one
// dimensionality.
func Build(vectors [][]float32) (*Flat, error) {
	if len(vectors) == 0 {
		return nil, ErrEmptyIndex
	}

	dim := len(vectors[0])
	for i, row := range vectors {
		if len(row) != dim {
			return nil, fmt.Errorf("simindex: row %d: %w", i, &ErrDimensionMismatch{Expected: dim, Actual: len(row)})
		}
	}

	return &Flat{vectors: vectors, dim: dim}, nil
}

// Len returns the number of indexed vectors.
func (f *Flat) Len() int { return len(f.vectors) }

// Dim returns the vector dimensionality.
func (f *Flat) Dim() int { return f.dim }

// Search returns the k nearest rows to q, ascending by squared
// Euclidean distance, ties broken by ascending row id. k is clamped to
// [1, Len()]; exactly min(k, Len()) results are returned.
func (f *Flat) Search(q []float32, k int) ([]Result, error) {
	if len(q) != f.dim {
		return nil, &ErrDimensionMismatch{Expected: f.dim, Actual: len(q)}
	}

	k = clamp(k, 1, len(f.vectors))

	results := make([]Result, len(f.vectors))
	for i, row := range f.vectors {
		results[i] = Result{ID: i, Distance: vecmath.SquaredL2(q, row)}
	}

	sortResults(results)

	return results[:k], nil
}

// SearchSubset restricts candidates to the given ids: distances are
// computed only against the subset's rows and positions mapped back to
// original ids. Out-of-range and duplicate ids are dropped. The
// ordering is identical to a full Search filtered post-hoc to the same
// subset. k is clamped to [1, subset size].
func (f *Flat) SearchSubset(q []float32, k int, ids []int) ([]Result, error) {
	if len(q) != f.dim {
		return nil, &ErrDimensionMismatch{Expected: f.dim, Actual: len(q)}
	}

	subset := roaring.New()
	for _, id := range ids {
		if id >= 0 && id < len(f.vectors) {
			subset.Add(uint32(id))
		}
	}
	if subset.IsEmpty() {
		return nil, ErrEmptySubset
	}

	k = clamp(k, 1, int(subset.GetCardinality()))

	results := make([]Result, 0, subset.GetCardinality())
	it := subset.Iterator()
	for it.HasNext() {
		id := int(it.Next())
		results = append(results, Result{ID: id, Distance: vecmath.SquaredL2(q, f.vectors[id])})
	}

	sortResults(results)

	return results[:k], nil
}

// sortResults orders ascending by distance, ties by ascending id.
func sortResults(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Distance != results[j].Distance {
			return results[i].Distance < results[j].Distance
		}
		return results[i].ID < results[j].ID
	})
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
