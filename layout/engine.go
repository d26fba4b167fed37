package layout

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hci-gu/bildutforskaren/internal/vecmath"
	"github.com/hci-gu/bildutforskaren/simindex"
)

// TextEmbedder embeds free-text queries into the shared vector space.
type TextEmbedder interface {
	EmbedText(ctx context.Context, queries []string) ([][]float32, error)
}

// EngineOptions contains configuration options for the engine.
type EngineOptions struct {
	// FallbackUnrestricted controls whether a text query whose nearest
	// neighbors all fall outside the requested id subset falls back to
	// the unrestricted neighbor list. Kept configurable; the behavior
	// is a heuristic without a stricter correctness criterion.
	FallbackUnrestricted bool

	// Logger for cache decisions. Nil uses slog.Default().
	Logger *slog.Logger
}

// DefaultEngineOptions contains the default engine configuration.
var DefaultEngineOptions = EngineOptions{
	FallbackUnrestricted: true,
}

// Engine computes cached layouts for a dataset. The reducer may be nil
// when no layout library is available; Compute then fails with
// ErrReducerUnavailable.
type Engine struct {
	reducer  Reducer
	embedder TextEmbedder
	opts     EngineOptions
	logger   *slog.Logger
}

// NewEngine creates a layout engine.
func NewEngine(reducer Reducer, embedder TextEmbedder, optFns ...func(o *EngineOptions)) *Engine {
	opts := DefaultEngineOptions

	for _, fn := range optFns {
		fn(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{reducer: reducer, embedder: embedder, opts: opts, logger: logger}
}

// Compute returns the layout for req, serving the stored response
// verbatim on a key hit and computing, caching and persisting it
// otherwise. embeddings and index belong to the dataset context the
// request is scoped to; ids in req must already be validated against
// them at the query boundary.
func (e *Engine) Compute(ctx context.Context, store *Store, embeddings [][]float32, index *simindex.Flat, req Request) (*Response, error) {
	key := Key(req)

	if resp, ok := store.Get(key); ok {
		e.logger.Debug("layout cache hit", "key", key)
		return resp, nil
	}

	if e.reducer == nil {
		return nil, ErrReducerUnavailable
	}

	// Select and row-normalize the requested embedding rows. The rows
	// are copied: the context's embedding matrix is shared and must not
	// be mutated.
	vectors := make([][]float32, len(req.ImageIDs))
	for i, id := range req.ImageIDs {
		if id < 0 || id >= len(embeddings) {
			return nil, fmt.Errorf("layout: image id %d out of range", id)
		}
		row := make([]float32, len(embeddings[id]))
		copy(row, embeddings[id])
		vectors[i] = row
	}
	vecmath.NormalizeRows(vectors)

	imagePoints, err := e.reducer.FitTransform(vectors, req.Params)
	if err != nil {
		return nil, fmt.Errorf("layout: %w", err)
	}
	if len(imagePoints) != len(req.ImageIDs) {
		return nil, fmt.Errorf("layout: reducer returned %d points for %d inputs", len(imagePoints), len(req.ImageIDs))
	}

	textPoints, err := e.placeTexts(ctx, index, req, imagePoints)
	if err != nil {
		return nil, err
	}

	resp := &Response{
		ImageIDs:    req.ImageIDs,
		ImagePoints: imagePoints,
		TextPoints:  textPoints,
		Params:      req.Params,
	}

	store.Put(key, resp)

	return resp, nil
}

// placeTexts maps each free-text query to the arithmetic mean of the
// layout coordinates of its nearest neighbors. Neighbors are restricted
// to the requested id subset when possible; when the restriction
// removes every hit the unrestricted neighbor list is used (if
// enabled), and when no neighbor resolves to a coordinate at all the
// centroid of all item coordinates is used.
func (e *Engine) placeTexts(ctx context.Context, index *simindex.Flat, req Request, imagePoints [][]float32) ([][]float32, error) {
	textPoints := make([][]float32, 0, len(req.Texts))
	if len(req.Texts) == 0 {
		return textPoints, nil
	}

	textVectors, err := e.embedder.EmbedText(ctx, req.Texts)
	if err != nil {
		return nil, fmt.Errorf("layout: embed texts: %w", err)
	}

	idToPoint := make(map[int][]float32, len(req.ImageIDs))
	allowed := make(map[int]bool, len(req.ImageIDs))
	for i, id := range req.ImageIDs {
		idToPoint[id] = imagePoints[i]
		allowed[id] = true
	}

	k := clampTextK(req.Params.TextK, len(req.ImageIDs))

	for _, tvec := range textVectors {
		results, err := index.Search(tvec, k)
		if err != nil {
			return nil, fmt.Errorf("layout: neighbor search: %w", err)
		}

		hits := make([]int, 0, len(results))
		for _, r := range results {
			if allowed[r.ID] {
				hits = append(hits, r.ID)
			}
		}
		if len(hits) == 0 && e.opts.FallbackUnrestricted {
			for _, r := range results {
				hits = append(hits, r.ID)
			}
		}

		var points [][]float32
		for _, id := range hits {
			if p, ok := idToPoint[id]; ok {
				points = append(points, p)
			}
		}

		if len(points) == 0 {
			textPoints = append(textPoints, vecmath.Mean(imagePoints))
			continue
		}
		textPoints = append(textPoints, vecmath.Mean(points))
	}

	return textPoints, nil
}

func clampTextK(textK, subsetSize int) int {
	k := textK
	if k < 1 {
		k = 1
	}
	if subsetSize > 0 && k > subsetSize {
		k = subsetSize
	}
	return k
}
