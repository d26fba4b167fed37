// Package layout maps subsets of a dataset into 2D/3D coordinates via
// an external nonlinear layout algorithm (UMAP) and caches the
// responses by a deterministic hash of the full request, so repeated
// visualization requests never recompute the layout. Free-text queries
// are placed into an existing layout by averaging the coordinates of
// their nearest neighbors.
package layout

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// CacheVersion is baked into every cache key. Bumping it invalidates
// all prior entries atomically: old-version keys simply never match.
const CacheVersion = 5

// ErrReducerUnavailable is returned when no layout algorithm is
// configured. There is no equivalent fallback, so this surfaces as a
// clear error instead of silently degrading.
var ErrReducerUnavailable = errors.New("layout: reducer unavailable")

// Params are the layout hyperparameters. Field order matters: cache
// keys serialize this struct and rely on a stable JSON key order.
type Params struct {
	MinDist    float64 `json:"min_dist"`
	Components int     `json:"n_components"`
	Neighbors  int     `json:"n_neighbors"`
	Seed       int     `json:"seed"`
	Spread     float64 `json:"spread"`
	TextK      int     `json:"text_k"`
}

// DefaultParams returns the standard layout hyperparameters.
func DefaultParams() Params {
	return Params{
		MinDist:    0.1,
		Components: 2,
		Neighbors:  15,
		Seed:       42,
		Spread:     1.0,
		TextK:      25,
	}
}

// Reducer is the external nonlinear layout collaborator. FitTransform
// must return one coordinate row per input row, order-preserving, using
// the cosine metric with the given hyperparameters.
type Reducer interface {
	FitTransform(vectors [][]float32, p Params) ([][]float32, error)
}

// Request identifies one layout computation. ImageIDs order is
// preserved as given (not sorted): it maps 1:1 to the returned
// coordinates.
type Request struct {
	ImageIDs []int    `json:"image_ids"`
	Texts    []string `json:"texts"`
	Params   Params   `json:"params"`
}

// Response is the cached result of a layout computation.
type Response struct {
	ImageIDs    []int       `json:"image_ids"`
	ImagePoints [][]float32 `json:"image_points"`
	TextPoints  [][]float32 `json:"text_points"`
	Params      Params      `json:"params"`
}

// keyPayload fixes the canonical serialization used for hashing.
// Fields are declared in sorted JSON-key order.
type keyPayload struct {
	ImageIDs []int    `json:"image_ids"`
	Params   Params   `json:"params"`
	Texts    []string `json:"texts"`
	Version  int      `json:"v"`
}

// Key computes the stable cache key for a request.
func Key(req Request) string {
	payload := keyPayload{
		ImageIDs: req.ImageIDs,
		Params:   req.Params,
		Texts:    req.Texts,
		Version:  CacheVersion,
	}
	if payload.ImageIDs == nil {
		payload.ImageIDs = []int{}
	}
	if payload.Texts == nil {
		payload.Texts = []string{}
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		// Only unmarshalable types reach here; the payload is plain data.
		panic(fmt.Sprintf("layout: marshal cache key: %v", err))
	}

	sum := sha256.Sum256(encoded)

	return "post:" + hex.EncodeToString(sum[:])
}
