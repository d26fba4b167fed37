package server

import (
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hci-gu/bildutforskaren/ctxcache"
	"github.com/hci-gu/bildutforskaren/layout"
	"github.com/hci-gu/bildutforskaren/simindex"
	"github.com/hci-gu/bildutforskaren/tags"
)

const defaultSearchK = 20

type searchRequest struct {
	Query    string  `json:"query"`
	K        int     `json:"k"`
	ImageIDs []int   `json:"image_ids"`
	TagIDs   []int64 `json:"tag_ids"`
}

type searchHit struct {
	ID       int     `json:"id"`
	Filename string  `json:"filename"`
	Distance float32 `json:"distance"`
}

func (s *Server) handleSearchGet(w http.ResponseWriter, r *http.Request) {
	req := searchRequest{
		Query: r.URL.Query().Get("q"),
		K:     defaultSearchK,
	}
	if raw := r.URL.Query().Get("k"); raw != "" {
		k, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "k must be an integer")
			return
		}
		req.K = k
	}

	s.search(w, r, req)
}

func (s *Server) handleSearchPost(w http.ResponseWriter, r *http.Request) {
	req := searchRequest{K: defaultSearchK}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.K <= 0 {
		req.K = defaultSearchK
	}

	s.search(w, r, req)
}

func (s *Server) search(w http.ResponseWriter, r *http.Request, req searchRequest) {
	if strings.TrimSpace(req.Query) == "" {
		s.writeError(w, http.StatusBadRequest, "empty query")
		return
	}

	dctx, err := s.readyContext(r)
	if err != nil {
		s.writeQueryError(w, err)
		return
	}

	vectors, err := s.embedder.EmbedText(r.Context(), []string{req.Query})
	if err != nil {
		s.logger.Error("embed query", "error", err)
		s.writeError(w, http.StatusBadGateway, "embedding service unavailable")
		return
	}

	s.runSearch(w, r, dctx, vectors[0], req)
}

// runSearch executes an embedded query against the dataset index,
// applying the explicit id subset and/or the conjunctive tag filter.
func (s *Server) runSearch(w http.ResponseWriter, r *http.Request, dctx *ctxcache.Context, q []float32, req searchRequest) {
	subset, restricted, err := s.resolveSubset(r, dctx, req)
	if err != nil {
		s.writeQueryError(w, err)
		return
	}

	var results []simindex.Result
	if restricted {
		if len(subset) == 0 {
			s.writeJSON(w, http.StatusOK, []searchHit{})
			return
		}
		results, err = dctx.Index.SearchSubset(q, req.K, subset)
	} else {
		results, err = dctx.Index.Search(q, req.K)
	}
	if err != nil {
		s.writeSearchError(w, err)
		return
	}

	hits := make([]searchHit, len(results))
	for i, res := range results {
		hits[i] = searchHit{
			ID:       res.ID,
			Filename: dctx.Metadata[res.ID].Filename,
			Distance: res.Distance,
		}
	}

	s.writeJSON(w, http.StatusOK, hits)
}

// resolveSubset combines the request's explicit image id subset with
// its tag filter. Both given means intersection.
func (s *Server) resolveSubset(r *http.Request, dctx *ctxcache.Context, req searchRequest) (ids []int, restricted bool, err error) {
	if len(req.ImageIDs) == 0 && len(req.TagIDs) == 0 {
		return nil, false, nil
	}

	if len(req.TagIDs) > 0 {
		tagged, err := s.tagSubset(r, dctx, req.TagIDs)
		if err != nil {
			return nil, false, err
		}
		if len(req.ImageIDs) == 0 {
			return tagged, true, nil
		}

		inTagged := make(map[int]bool, len(tagged))
		for _, id := range tagged {
			inTagged[id] = true
		}
		for _, id := range req.ImageIDs {
			if inTagged[id] {
				ids = append(ids, id)
			}
		}
		return ids, true, nil
	}

	return req.ImageIDs, true, nil
}

// maxUploadBytes bounds search-by-image uploads.
const maxUploadBytes = 32 << 20

// handleSearchByImage embeds an uploaded image and searches with it.
// The multipart form takes the image under "file" plus optional "k".
func (s *Server) handleSearchByImage(w http.ResponseWriter, r *http.Request) {
	dctx, err := s.readyContext(r)
	if err != nil {
		s.writeQueryError(w, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed multipart body")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	req := searchRequest{K: defaultSearchK}
	if raw := r.FormValue("k"); raw != "" {
		k, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "k must be an integer")
			return
		}
		req.K = k
	}

	// The model client embeds images by path, so the upload is staged
	// in a temp file for the duration of the request.
	tmp, err := os.CreateTemp("", "query-*"+filepath.Ext(header.Filename))
	if err != nil {
		s.logger.Error("stage uploaded image", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, file); err != nil {
		tmp.Close()
		s.writeError(w, http.StatusBadRequest, "unreadable upload")
		return
	}
	if err := tmp.Close(); err != nil {
		s.logger.Error("stage uploaded image", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	vectors, err := s.embedder.EmbedImages(r.Context(), []string{tmp.Name()})
	if err != nil {
		s.logger.Error("embed uploaded image", "error", err)
		s.writeError(w, http.StatusBadGateway, "embedding service unavailable")
		return
	}

	s.runSearch(w, r, dctx, vectors[0], req)
}

// tagSubset maps a conjunctive tag filter to embedding row ids.
func (s *Server) tagSubset(r *http.Request, dctx *ctxcache.Context, tagIDs []int64) ([]int, error) {
	store, err := tags.Open(dctx.Config.TagDBPath())
	if err != nil {
		return nil, err
	}
	defer store.Close()

	filenames, err := store.ImagesForTags(r.Context(), tagIDs)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]int, len(dctx.Metadata))
	for i, m := range dctx.Metadata {
		byName[m.Filename] = i
	}

	ids := make([]int, 0, len(filenames))
	for _, name := range filenames {
		if id, ok := byName[name]; ok {
			ids = append(ids, id)
		}
	}

	return ids, nil
}

func (s *Server) writeSearchError(w http.ResponseWriter, err error) {
	var dim *simindex.ErrDimensionMismatch
	switch {
	case errors.As(err, &dim):
		s.logger.Error("query dimensionality mismatch", "error", err)
		s.writeError(w, http.StatusBadGateway, "embedding service returned wrong dimensionality")
	case errors.Is(err, simindex.ErrEmptySubset):
		s.writeError(w, http.StatusBadRequest, "tag filter matches no indexed images")
	default:
		s.logger.Error("search failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type embeddingResponse struct {
	Text      string    `json:"text"`
	Vector    []float32 `json:"vector"`
	Projected []float32 `json:"projected,omitempty"`
}

func (s *Server) handleTextEmbedding(w http.ResponseWriter, r *http.Request) {
	text := r.URL.Query().Get("text")
	if strings.TrimSpace(text) == "" {
		s.writeError(w, http.StatusBadRequest, "empty text")
		return
	}

	dctx, err := s.readyContext(r)
	if err != nil {
		s.writeQueryError(w, err)
		return
	}

	vectors, err := s.embedder.EmbedText(r.Context(), []string{text})
	if err != nil {
		s.logger.Error("embed text", "error", err)
		s.writeError(w, http.StatusBadGateway, "embedding service unavailable")
		return
	}

	resp := embeddingResponse{Text: text, Vector: vectors[0]}
	if dctx.Projector != nil {
		projected := dctx.Projector.Project([][]float32{vectors[0]})
		if len(projected) == 1 {
			resp.Projected = projected[0]
		}
	}

	s.writeJSON(w, http.StatusOK, resp)
}

type layoutRequest struct {
	ImageIDs []int          `json:"image_ids"`
	Texts    []string       `json:"texts"`
	Params   *layout.Params `json:"params"`
}

func (s *Server) handleLayout(w http.ResponseWriter, r *http.Request) {
	if s.layouts == nil {
		s.writeError(w, http.StatusNotImplemented, "layout engine not configured")
		return
	}

	// Pre-fill the hyperparameters so a partial params object only
	// overrides the fields it names; absent fields keep their defaults
	// instead of collapsing to zero.
	defaults := layout.DefaultParams()
	req := layoutRequest{Params: &defaults}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if len(req.ImageIDs) == 0 {
		s.writeError(w, http.StatusBadRequest, "image_ids must not be empty")
		return
	}

	dctx, err := s.readyContext(r)
	if err != nil {
		s.writeQueryError(w, err)
		return
	}

	for _, id := range req.ImageIDs {
		if id < 0 || id >= len(dctx.Embeddings) {
			s.writeError(w, http.StatusBadRequest, "image id out of range")
			return
		}
	}

	params := layout.DefaultParams()
	if req.Params != nil {
		params = *req.Params
	}

	resp, err := s.layouts.Compute(r.Context(), dctx.Layouts, dctx.Embeddings, dctx.Index, layout.Request{
		ImageIDs: req.ImageIDs,
		Texts:    req.Texts,
		Params:   params,
	})
	if err != nil {
		if errors.Is(err, layout.ErrReducerUnavailable) {
			s.writeError(w, http.StatusNotImplemented, "layout engine not configured")
			return
		}
		s.logger.Error("layout failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.writeJSON(w, http.StatusOK, resp)
}
