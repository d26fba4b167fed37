// Package vecmath provides the float32 vector kernels used by the
// similarity index and the layout pipeline: squared L2 distance, dot
// product, L2 normalization and row means.
package vecmath

import "math"

// Dot calculates the dot product of two vectors.
// Assumes len(a) == len(b) (caller's responsibility).
func Dot(a, b []float32) float32 {
	var ret float32
	for i := range a {
		ret += a[i] * b[i]
	}

	return ret
}

// SquaredL2 calculates the squared L2 (Euclidean) distance between two vectors.
// Assumes len(a) == len(b) (caller's responsibility).
func SquaredL2(a, b []float32) float32 {
	var ret float32
	for i := range a {
		d := a[i] - b[i]
		ret += d * d
	}

	return ret
}

// NormalizeL2InPlace L2-normalizes v in place.
// Returns false if v is empty or has zero L2 norm.
func NormalizeL2InPlace(v []float32) bool {
	if len(v) == 0 {
		return false
	}

	norm2 := Dot(v, v)
	if norm2 == 0 {
		return false
	}

	inv := 1 / float32(math.Sqrt(float64(norm2)))
	for i := range v {
		v[i] *= inv
	}

	return true
}

// NormalizeRows L2-normalizes every row of m in place. Zero rows are
// left unchanged.
func NormalizeRows(m [][]float32) {
	for _, row := range m {
		NormalizeL2InPlace(row)
	}
}

// Mean returns the arithmetic mean of rows. Returns nil for an empty input.
func Mean(rows [][]float32) []float32 {
	if len(rows) == 0 {
		return nil
	}

	out := make([]float32, len(rows[0]))
	for _, row := range rows {
		for i := range out {
			out[i] += row[i]
		}
	}

	inv := 1 / float32(len(rows))
	for i := range out {
		out[i] *= inv
	}

	return out
}
