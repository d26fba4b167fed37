package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hci-gu/bildutforskaren/ctxcache"
	"github.com/hci-gu/bildutforskaren/dataset"
	"github.com/hci-gu/bildutforskaren/embedding"
	"github.com/hci-gu/bildutforskaren/job"
	"github.com/hci-gu/bildutforskaren/layout"
	"github.com/hci-gu/bildutforskaren/projection"
)

const readyID = "abcdef0123456789"

// stubModel serves fixed vectors keyed by base filename or query text.
type stubModel struct {
	vectors map[string][]float32
}

func (s *stubModel) lookup(keys []string) [][]float32 {
	out := make([][]float32, len(keys))
	for i, k := range keys {
		v, ok := s.vectors[filepath.Base(k)]
		if !ok {
			v = []float32{1, 1, 1}
		}
		out[i] = append([]float32(nil), v...)
	}
	return out
}

func (s *stubModel) EmbedImages(_ context.Context, paths []string) ([][]float32, error) {
	return s.lookup(paths), nil
}

func (s *stubModel) EmbedText(_ context.Context, queries []string) ([][]float32, error) {
	return s.lookup(queries), nil
}

// planeReducer projects onto the first two vector components.
type planeReducer struct{}

func (planeReducer) FitTransform(vectors [][]float32, _ layout.Params) ([][]float32, error) {
	out := make([][]float32, len(vectors))
	for i, v := range vectors {
		out[i] = []float32{v[0], v[1]}
	}
	return out, nil
}

// copyThumbnailer copies originals verbatim.
type copyThumbnailer struct{}

func (copyThumbnailer) Generate(_ context.Context, src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}

type fixture struct {
	root    string
	srv     *httptest.Server
	manager *job.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	root := t.TempDir()

	model := &stubModel{vectors: map[string][]float32{
		"a.jpg": {1, 0, 0},
		"b.jpg": {0, 1, 0},
		"c.jpg": {0, 0, 1},
		"query": {0.1, 0.9, 0.1},
	}}

	factory := ctxcache.NewFactory(root, embedding.NewPipeline(model), projection.NewCache(), func(o *ctxcache.FactoryOptions) {
		o.PCADim = 2
	})

	contexts, err := ctxcache.New(4)
	require.NoError(t, err)

	manager := job.NewManager()
	t.Cleanup(manager.Close)

	runner := job.NewRunner(factory, contexts, copyThumbnailer{})
	engine := layout.NewEngine(planeReducer{}, model)

	s := New(root, contexts, factory, model, manager, runner, func(o *Options) {
		o.Layouts = engine
	})

	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)

	return &fixture{root: root, srv: srv, manager: manager}
}

// seedReadyDataset lays out a dataset that already finished processing.
func (f *fixture) seedReadyDataset(t *testing.T, id string, images []string) dataset.Config {
	t.Helper()

	cfg := dataset.NewConfig(f.root, id)
	require.NoError(t, os.MkdirAll(cfg.ThumbRoot, 0o755))
	for _, name := range images {
		require.NoError(t, os.WriteFile(filepath.Join(cfg.ThumbRoot, name), []byte("img"), 0o644))
	}
	require.NoError(t, dataset.WriteStatus(cfg, dataset.Status{
		Status:    dataset.StatusReady,
		CreatedAt: time.Now().UTC(),
	}))

	return cfg
}

func (f *fixture) getJSON(t *testing.T, path string, out any) int {
	t.Helper()

	resp, err := http.Get(f.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (f *fixture) postJSON(t *testing.T, path string, body, out any) int {
	t.Helper()

	payload, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(f.srv.URL+path, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusOK, f.getJSON(t, "/healthz", nil))
}

func TestRegisterAndList(t *testing.T) {
	f := newFixture(t)

	var created struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		Status string `json:"status"`
	}
	code := f.postJSON(t, "/datasets/", map[string]string{"name": "holiday"}, &created)
	require.Equal(t, http.StatusCreated, code)
	assert.True(t, dataset.IsSafeID(created.ID), "id must be a safe hex id, got %q", created.ID)
	assert.Equal(t, "holiday", created.Name)
	assert.Equal(t, dataset.StatusUploaded, created.Status)

	cfg := dataset.NewConfig(f.root, created.ID)
	assert.DirExists(t, cfg.OriginalRoot)
	assert.DirExists(t, cfg.ThumbRoot)

	var listed []struct {
		ID string `json:"id"`
	}
	require.Equal(t, http.StatusOK, f.getJSON(t, "/datasets/", &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, created.ID, listed[0].ID)
}

func TestStatusEndpoint(t *testing.T) {
	f := newFixture(t)
	f.seedReadyDataset(t, readyID, []string{"a.jpg"})

	t.Run("ReturnsStatus", func(t *testing.T) {
		var st struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		}
		require.Equal(t, http.StatusOK, f.getJSON(t, "/datasets/"+readyID+"/status", &st))
		assert.Equal(t, dataset.StatusReady, st.Status)
	})

	t.Run("UnknownDatasetIs404", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, f.getJSON(t, "/datasets/feedfeedfeedfeed/status", nil))
	})

	t.Run("MalformedIDIs400", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, f.getJSON(t, "/datasets/not-a-valid-id/status", nil))
	})
}

func TestSearch(t *testing.T) {
	f := newFixture(t)
	f.seedReadyDataset(t, readyID, []string{"a.jpg", "b.jpg", "c.jpg"})

	t.Run("RanksNearestFirst", func(t *testing.T) {
		var hits []struct {
			ID       int    `json:"id"`
			Filename string `json:"filename"`
		}
		code := f.getJSON(t, "/datasets/"+readyID+"/search?q=query&k=3", &hits)
		require.Equal(t, http.StatusOK, code)
		require.Len(t, hits, 3)
		assert.Equal(t, "b.jpg", hits[0].Filename)
	})

	t.Run("PostBodyWorks", func(t *testing.T) {
		var hits []struct {
			Filename string `json:"filename"`
		}
		code := f.postJSON(t, "/datasets/"+readyID+"/search", map[string]any{"query": "query", "k": 1}, &hits)
		require.Equal(t, http.StatusOK, code)
		require.Len(t, hits, 1)
		assert.Equal(t, "b.jpg", hits[0].Filename)
	})

	t.Run("EmptyQueryIs400", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, f.getJSON(t, "/datasets/"+readyID+"/search?q=", nil))
	})

	t.Run("NotReadyIs409", func(t *testing.T) {
		const id = "feedfeedfeedfeed"
		cfg := dataset.NewConfig(f.root, id)
		require.NoError(t, os.MkdirAll(cfg.Dir(), 0o755))
		require.NoError(t, dataset.WriteStatus(cfg, dataset.Status{Status: dataset.StatusProcessing}))

		assert.Equal(t, http.StatusConflict, f.getJSON(t, "/datasets/"+id+"/search?q=query", nil))
	})
}

func TestSearchWithTagFilter(t *testing.T) {
	f := newFixture(t)
	f.seedReadyDataset(t, readyID, []string{"a.jpg", "b.jpg", "c.jpg"})

	var tag struct {
		ID int64 `json:"id"`
	}
	require.Equal(t, http.StatusCreated,
		f.postJSON(t, "/datasets/"+readyID+"/tags/", map[string]string{"name": "keep"}, &tag))

	code := f.postJSON(t, fmt.Sprintf("/datasets/%s/tags/%d/assign", readyID, tag.ID),
		map[string]any{"filenames": []string{"a.jpg", "c.jpg"}}, nil)
	require.Equal(t, http.StatusNoContent, code)

	var hits []struct {
		Filename string `json:"filename"`
	}
	code = f.postJSON(t, "/datasets/"+readyID+"/search",
		map[string]any{"query": "query", "k": 10, "tag_ids": []int64{tag.ID}}, &hits)
	require.Equal(t, http.StatusOK, code)

	// b.jpg is globally nearest but carries no tag.
	require.Len(t, hits, 2)
	for _, h := range hits {
		assert.NotEqual(t, "b.jpg", h.Filename)
	}
}

func TestTagSuggestions(t *testing.T) {
	f := newFixture(t)
	f.seedReadyDataset(t, readyID, []string{"a.jpg", "b.jpg", "c.jpg"})

	var tag struct {
		ID int64 `json:"id"`
	}
	require.Equal(t, http.StatusCreated,
		f.postJSON(t, "/datasets/"+readyID+"/tags/", map[string]string{"name": "boats"}, &tag))

	t.Run("NoAssignmentsMeansNoSuggestions", func(t *testing.T) {
		var hits []struct {
			Filename string `json:"filename"`
		}
		code := f.getJSON(t, fmt.Sprintf("/datasets/%s/tags/%d/suggestions", readyID, tag.ID), &hits)
		require.Equal(t, http.StatusOK, code)
		assert.Empty(t, hits)
	})

	code := f.postJSON(t, fmt.Sprintf("/datasets/%s/tags/%d/assign", readyID, tag.ID),
		map[string]any{"filenames": []string{"a.jpg", "b.jpg"}}, nil)
	require.Equal(t, http.StatusNoContent, code)

	t.Run("SuggestsNearestUntaggedImages", func(t *testing.T) {
		var hits []struct {
			ID       int    `json:"id"`
			Filename string `json:"filename"`
		}
		code := f.getJSON(t, fmt.Sprintf("/datasets/%s/tags/%d/suggestions?k=5", readyID, tag.ID), &hits)
		require.Equal(t, http.StatusOK, code)

		// a.jpg and b.jpg carry the tag already; only c.jpg remains.
		require.Len(t, hits, 1)
		assert.Equal(t, "c.jpg", hits[0].Filename)
	})

	t.Run("UnknownTagIs404", func(t *testing.T) {
		code := f.getJSON(t, "/datasets/"+readyID+"/tags/9999/suggestions", nil)
		assert.Equal(t, http.StatusNotFound, code)
	})

	t.Run("InvalidKIs400", func(t *testing.T) {
		code := f.getJSON(t, fmt.Sprintf("/datasets/%s/tags/%d/suggestions?k=zero", readyID, tag.ID), nil)
		assert.Equal(t, http.StatusBadRequest, code)
	})
}

func TestSearchWithImageIDSubset(t *testing.T) {
	f := newFixture(t)
	f.seedReadyDataset(t, readyID, []string{"a.jpg", "b.jpg", "c.jpg"})

	var hits []struct {
		ID int `json:"id"`
	}
	code := f.postJSON(t, "/datasets/"+readyID+"/search",
		map[string]any{"query": "query", "k": 10, "image_ids": []int{0, 2}}, &hits)
	require.Equal(t, http.StatusOK, code)

	// b.jpg (id 1) is globally nearest but outside the subset.
	require.Len(t, hits, 2)
	for _, h := range hits {
		assert.NotEqual(t, 1, h.ID)
	}
}

func TestSearchByImage(t *testing.T) {
	f := newFixture(t)
	f.seedReadyDataset(t, readyID, []string{"a.jpg", "b.jpg", "c.jpg"})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "upload.jpg")
	require.NoError(t, err)
	_, err = part.Write([]byte("img"))
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("k", "3"))
	require.NoError(t, mw.Close())

	resp, err := http.Post(f.srv.URL+"/datasets/"+readyID+"/search/image", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var hits []struct {
		ID int `json:"id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&hits))

	// The stub embeds unknown uploads as (1,1,1): equidistant to all
	// three images, so ties resolve by ascending id.
	require.Len(t, hits, 3)
	assert.Equal(t, []int{0, 1, 2}, []int{hits[0].ID, hits[1].ID, hits[2].ID})
}

func TestLayoutEndpoint(t *testing.T) {
	f := newFixture(t)
	f.seedReadyDataset(t, readyID, []string{"a.jpg", "b.jpg", "c.jpg"})

	t.Run("ComputesLayout", func(t *testing.T) {
		var resp struct {
			ImageIDs    []int       `json:"image_ids"`
			ImagePoints [][]float32 `json:"image_points"`
			TextPoints  [][]float32 `json:"text_points"`
		}
		code := f.postJSON(t, "/datasets/"+readyID+"/layout",
			map[string]any{"image_ids": []int{0, 1, 2}, "texts": []string{"query"}}, &resp)
		require.Equal(t, http.StatusOK, code)
		assert.Equal(t, []int{0, 1, 2}, resp.ImageIDs)
		require.Len(t, resp.ImagePoints, 3)
		require.Len(t, resp.TextPoints, 1)
	})

	t.Run("PartialParamsKeepDefaults", func(t *testing.T) {
		var resp struct {
			Params layout.Params `json:"params"`
		}
		code := f.postJSON(t, "/datasets/"+readyID+"/layout",
			map[string]any{
				"image_ids": []int{0, 1, 2},
				"params":    map[string]any{"n_neighbors": 10},
			}, &resp)
		require.Equal(t, http.StatusOK, code)

		assert.Equal(t, 10, resp.Params.Neighbors)
		assert.Equal(t, 0.1, resp.Params.MinDist)
		assert.Equal(t, 2, resp.Params.Components)
		assert.Equal(t, 42, resp.Params.Seed)
		assert.Equal(t, 1.0, resp.Params.Spread)
		assert.Equal(t, 25, resp.Params.TextK)
	})

	t.Run("OutOfRangeIDIs400", func(t *testing.T) {
		code := f.postJSON(t, "/datasets/"+readyID+"/layout",
			map[string]any{"image_ids": []int{99}}, nil)
		assert.Equal(t, http.StatusBadRequest, code)
	})

	t.Run("EmptyIDsIs400", func(t *testing.T) {
		code := f.postJSON(t, "/datasets/"+readyID+"/layout",
			map[string]any{"image_ids": []int{}}, nil)
		assert.Equal(t, http.StatusBadRequest, code)
	})
}

func TestTextEmbeddingEndpoint(t *testing.T) {
	f := newFixture(t)
	f.seedReadyDataset(t, readyID, []string{"a.jpg", "b.jpg", "c.jpg"})

	var resp struct {
		Text      string    `json:"text"`
		Vector    []float32 `json:"vector"`
		Projected []float32 `json:"projected"`
	}
	code := f.getJSON(t, "/datasets/"+readyID+"/embedding?text=query", &resp)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "query", resp.Text)
	assert.Len(t, resp.Vector, 3)
	assert.NotEmpty(t, resp.Projected)
}

func TestProcessEndpoint(t *testing.T) {
	f := newFixture(t)

	const id = "0123456789abcdef"
	cfg := dataset.NewConfig(f.root, id)
	require.NoError(t, os.MkdirAll(cfg.OriginalRoot, 0o755))
	for _, name := range []string{"a.jpg", "b.jpg"} {
		require.NoError(t, os.WriteFile(filepath.Join(cfg.OriginalRoot, name), []byte("img"), 0o644))
	}
	require.NoError(t, dataset.WriteStatus(cfg, dataset.Status{Status: dataset.StatusUploaded}))

	code := f.postJSON(t, "/datasets/"+id+"/process", map[string]string{}, nil)
	require.Equal(t, http.StatusAccepted, code)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if st, ok := f.manager.State(id); ok && (st.Stage == job.StageReady || st.Stage == job.StageError) {
			require.Equal(t, job.StageReady, st.Stage, "processing failed: %s", st.Error)
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	var st struct {
		Status string `json:"status"`
	}
	require.Equal(t, http.StatusOK, f.getJSON(t, "/datasets/"+id+"/status", &st))
	assert.Equal(t, dataset.StatusReady, st.Status)
}

func TestThumbEndpoint(t *testing.T) {
	f := newFixture(t)
	f.seedReadyDataset(t, readyID, []string{"a.jpg"})

	t.Run("ServesFile", func(t *testing.T) {
		resp, err := http.Get(f.srv.URL + "/datasets/" + readyID + "/thumbs/a.jpg")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("MissingFileIs404", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, f.getJSON(t, "/datasets/"+readyID+"/thumbs/zzz.jpg", nil))
	})
}
