// Package projection derives a fixed-width low-dimensional PCA
// re-encoding of the full embeddings. The projector is fitted once per
// dataset and retained so later text-query vectors can be projected
// into the identical reduced space without fitting again.
package projection

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// ErrNoSamples is returned when a fit is attempted on an empty matrix.
var ErrNoSamples = errors.New("projection: fit requires at least one sample")

// Projector holds the fitted PCA parameters. Components has one row
// per retained component, each of the original dimensionality.
type Projector struct {
	Mean       []float64
	Components [][]float64
}

// Dim returns the reduced dimensionality.
func (p *Projector) Dim() int {
	return len(p.Components)
}

// Fit computes a PCA projector over vectors with
// k = min(targetDim, sampleCount, featureCount) components and returns
// the projector together with the projected matrix. The SVD solver is
// deterministic, so repeated fits of identical input are reproducible.
func Fit(vectors [][]float32, targetDim int) (*Projector, [][]float32, error) {
	n := len(vectors)
	if n == 0 {
		return nil, nil, ErrNoSamples
	}
	d := len(vectors[0])

	k := min(targetDim, n, d)
	if k < 1 {
		return nil, nil, fmt.Errorf("projection: cannot fit %d components over %dx%d input", targetDim, n, d)
	}

	// Mean-center into a dense float64 matrix.
	mean := make([]float64, d)
	for _, row := range vectors {
		for j, v := range row {
			mean[j] += float64(v)
		}
	}
	for j := range mean {
		mean[j] /= float64(n)
	}

	data := make([]float64, n*d)
	for i, row := range vectors {
		for j, v := range row {
			data[i*d+j] = float64(v) - mean[j]
		}
	}
	centered := mat.NewDense(n, d, data)

	var svd mat.SVD
	if !svd.Factorize(centered, mat.SVDThin) {
		return nil, nil, errors.New("projection: SVD did not converge")
	}

	// Columns of V are the principal directions; keep the first k.
	var v mat.Dense
	svd.VTo(&v)

	components := make([][]float64, k)
	for c := 0; c < k; c++ {
		components[c] = make([]float64, d)
		for j := 0; j < d; j++ {
			components[c][j] = v.At(j, c)
		}
	}

	p := &Projector{Mean: mean, Components: components}

	return p, p.Project(vectors), nil
}

// Project maps vectors into the fitted reduced space, preserving order.
func (p *Projector) Project(vectors [][]float32) [][]float32 {
	out := make([][]float32, len(vectors))

	for i, row := range vectors {
		proj := make([]float32, len(p.Components))
		for c, comp := range p.Components {
			var sum float64
			for j, v := range row {
				sum += (float64(v) - p.Mean[j]) * comp[j]
			}
			proj[c] = float32(sum)
		}
		out[i] = proj
	}

	return out
}
