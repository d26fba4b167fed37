package layout

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hci-gu/bildutforskaren/simindex"
)

func TestKey(t *testing.T) {
	base := Request{
		ImageIDs: []int{0, 1, 2},
		Texts:    []string{"boat"},
		Params:   DefaultParams(),
	}

	t.Run("Stable", func(t *testing.T) {
		assert.Equal(t, Key(base), Key(base))
		assert.Regexp(t, `^post:[0-9a-f]{64}$`, Key(base))
	})

	t.Run("OrderMatters", func(t *testing.T) {
		reordered := base
		reordered.ImageIDs = []int{2, 1, 0}
		assert.NotEqual(t, Key(base), Key(reordered))
	})

	t.Run("AnyParamChangeMisses", func(t *testing.T) {
		mutations := map[string]func(*Params){
			"neighbors":  func(p *Params) { p.Neighbors++ },
			"min_dist":   func(p *Params) { p.MinDist += 0.05 },
			"components": func(p *Params) { p.Components = 3 },
			"spread":     func(p *Params) { p.Spread = 2.0 },
			"seed":       func(p *Params) { p.Seed = 7 },
			"text_k":     func(p *Params) { p.TextK = 10 },
		}
		for name, mutate := range mutations {
			t.Run(name, func(t *testing.T) {
				changed := base
				mutate(&changed.Params)
				assert.NotEqual(t, Key(base), Key(changed))
			})
		}
	})

	t.Run("TextChangeMisses", func(t *testing.T) {
		changed := base
		changed.Texts = []string{"ship"}
		assert.NotEqual(t, Key(base), Key(changed))
	})
}

// planeReducer projects each row onto its first two dimensions. It is
// deterministic and order-preserving, and counts invocations.
type planeReducer struct {
	calls int
}

func (r *planeReducer) FitTransform(vectors [][]float32, p Params) ([][]float32, error) {
	r.calls++
	out := make([][]float32, len(vectors))
	for i, v := range vectors {
		out[i] = []float32{v[0], v[1]}
	}
	return out, nil
}

// textStub returns a fixed vector per query.
type textStub struct {
	vectors map[string][]float32
}

func (s *textStub) EmbedText(_ context.Context, queries []string) ([][]float32, error) {
	out := make([][]float32, len(queries))
	for i, q := range queries {
		out[i] = s.vectors[q]
	}
	return out, nil
}

func testIndex(t *testing.T) ([][]float32, *simindex.Flat) {
	t.Helper()

	embeddings := [][]float32{
		{1, 0, 0},
		{0, 1, 0},
		{0, 0, 1},
		{0.7, 0.7, 0},
	}
	idx, err := simindex.Build(embeddings)
	require.NoError(t, err)

	return embeddings, idx
}

func TestEngineCompute(t *testing.T) {
	ctx := context.Background()

	t.Run("CacheHitServesStoredResponse", func(t *testing.T) {
		embeddings, idx := testIndex(t)
		reducer := &planeReducer{}
		engine := NewEngine(reducer, &textStub{})
		store := LoadStore(filepath.Join(t.TempDir(), "umap.json"), nil)

		req := Request{ImageIDs: []int{0, 1, 2}, Params: DefaultParams()}

		first, err := engine.Compute(ctx, store, embeddings, idx, req)
		require.NoError(t, err)
		require.Equal(t, 1, reducer.calls)

		second, err := engine.Compute(ctx, store, embeddings, idx, req)
		require.NoError(t, err)
		assert.Equal(t, 1, reducer.calls, "hit must not recompute")
		assert.Equal(t, first, second)
	})

	t.Run("ParamChangeRecomputes", func(t *testing.T) {
		embeddings, idx := testIndex(t)
		reducer := &planeReducer{}
		engine := NewEngine(reducer, &textStub{})
		store := LoadStore(filepath.Join(t.TempDir(), "umap.json"), nil)

		req := Request{ImageIDs: []int{0, 1, 2}, Params: DefaultParams()}
		_, err := engine.Compute(ctx, store, embeddings, idx, req)
		require.NoError(t, err)

		req.Params.Neighbors = 5
		_, err = engine.Compute(ctx, store, embeddings, idx, req)
		require.NoError(t, err)
		assert.Equal(t, 2, reducer.calls)
	})

	t.Run("PersistsAcrossStoreReload", func(t *testing.T) {
		embeddings, idx := testIndex(t)
		reducer := &planeReducer{}
		engine := NewEngine(reducer, &textStub{})
		path := filepath.Join(t.TempDir(), "umap.json")

		req := Request{ImageIDs: []int{0, 1}, Params: DefaultParams()}
		first, err := engine.Compute(ctx, LoadStore(path, nil), embeddings, idx, req)
		require.NoError(t, err)

		// A fresh store loaded from disk serves the entry without the reducer.
		reloaded := LoadStore(path, nil)
		require.Equal(t, 1, reloaded.Len())

		second, err := engine.Compute(ctx, reloaded, embeddings, idx, req)
		require.NoError(t, err)
		assert.Equal(t, 1, reducer.calls)
		assert.Equal(t, first.ImagePoints, second.ImagePoints)
	})

	t.Run("ReducerUnavailable", func(t *testing.T) {
		embeddings, idx := testIndex(t)
		engine := NewEngine(nil, &textStub{})
		store := LoadStore(filepath.Join(t.TempDir(), "umap.json"), nil)

		_, err := engine.Compute(ctx, store, embeddings, idx, Request{ImageIDs: []int{0}, Params: DefaultParams()})
		assert.ErrorIs(t, err, ErrReducerUnavailable)
	})

	t.Run("OutOfRangeID", func(t *testing.T) {
		embeddings, idx := testIndex(t)
		engine := NewEngine(&planeReducer{}, &textStub{})
		store := LoadStore(filepath.Join(t.TempDir(), "umap.json"), nil)

		_, err := engine.Compute(ctx, store, embeddings, idx, Request{ImageIDs: []int{99}, Params: DefaultParams()})
		assert.Error(t, err)
	})
}

func TestEnginePlaceTexts(t *testing.T) {
	ctx := context.Background()

	t.Run("MeanOfSubsetNeighbors", func(t *testing.T) {
		embeddings, idx := testIndex(t)
		texts := &textStub{vectors: map[string][]float32{
			// Nearest to row 0, then row 3.
			"q": {1, 0.1, 0},
		}}
		engine := NewEngine(&planeReducer{}, texts)
		store := LoadStore(filepath.Join(t.TempDir(), "umap.json"), nil)

		params := DefaultParams()
		params.TextK = 2
		resp, err := engine.Compute(ctx, store, embeddings, idx, Request{
			ImageIDs: []int{0, 3},
			Texts:    []string{"q"},
			Params:   params,
		})
		require.NoError(t, err)
		require.Len(t, resp.TextPoints, 1)

		// Normalized rows 0 and 3 project to (1,0) and (~0.707,~0.707);
		// the text lands on their mean.
		assert.InDelta(t, (1.0+0.70710678)/2, float64(resp.TextPoints[0][0]), 1e-3)
		assert.InDelta(t, 0.70710678/2, float64(resp.TextPoints[0][1]), 1e-3)
	})

	t.Run("FallbackToUnrestrictedWhenSubsetDisjoint", func(t *testing.T) {
		embeddings, idx := testIndex(t)
		texts := &textStub{vectors: map[string][]float32{
			// Nearest neighbor is row 2, which is outside the subset when
			// TextK only reaches it.
			"q": {0, 0, 1},
		}}
		engine := NewEngine(&planeReducer{}, texts)
		store := LoadStore(filepath.Join(t.TempDir(), "umap.json"), nil)

		params := DefaultParams()
		params.TextK = 1
		resp, err := engine.Compute(ctx, store, embeddings, idx, Request{
			ImageIDs: []int{0, 1},
			Texts:    []string{"q"},
			Params:   params,
		})
		require.NoError(t, err)
		require.Len(t, resp.TextPoints, 1)

		// The unrestricted hit (row 2) has no coordinate in this layout,
		// so the centroid of all item coordinates is used.
		want := []float32{
			(resp.ImagePoints[0][0] + resp.ImagePoints[1][0]) / 2,
			(resp.ImagePoints[0][1] + resp.ImagePoints[1][1]) / 2,
		}
		assert.InDelta(t, want[0], resp.TextPoints[0][0], 1e-5)
		assert.InDelta(t, want[1], resp.TextPoints[0][1], 1e-5)
	})
}
