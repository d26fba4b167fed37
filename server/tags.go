package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hci-gu/bildutforskaren/internal/vecmath"
	"github.com/hci-gu/bildutforskaren/tags"
)

// withTagStore opens the per-dataset tag database for one request.
func (s *Server) withTagStore(w http.ResponseWriter, r *http.Request, fn func(store *tags.Store)) {
	cfg := s.factory.ConfigFor(s.datasetID(r))

	store, err := tags.Open(cfg.TagDBPath())
	if err != nil {
		s.logger.Error("open tag db", "dataset", cfg.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	defer store.Close()

	fn(store)
}

func (s *Server) tagID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "tagID"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid tag id")
		return 0, false
	}
	return id, true
}

func (s *Server) writeTagError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tags.ErrTagNotFound):
		s.writeError(w, http.StatusNotFound, "tag not found")
	case errors.Is(err, tags.ErrDuplicateTag):
		s.writeError(w, http.StatusConflict, "tag already exists")
	case errors.Is(err, tags.ErrEmptyName):
		s.writeError(w, http.StatusBadRequest, "empty tag name")
	default:
		s.logger.Error("tag operation failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleListTags(w http.ResponseWriter, r *http.Request) {
	s.withTagStore(w, r, func(store *tags.Store) {
		all, err := store.ListTags(r.Context())
		if err != nil {
			s.writeTagError(w, err)
			return
		}
		if all == nil {
			all = []tags.Tag{}
		}
		s.writeJSON(w, http.StatusOK, all)
	})
}

type createTagRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleCreateTag(w http.ResponseWriter, r *http.Request) {
	var req createTagRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	s.withTagStore(w, r, func(store *tags.Store) {
		tg, err := store.CreateTag(r.Context(), req.Name)
		if err != nil {
			s.writeTagError(w, err)
			return
		}
		s.writeJSON(w, http.StatusCreated, tg)
	})
}

func (s *Server) handleDeleteTag(w http.ResponseWriter, r *http.Request) {
	id, ok := s.tagID(w, r)
	if !ok {
		return
	}

	s.withTagStore(w, r, func(store *tags.Store) {
		if err := store.DeleteTag(r.Context(), id); err != nil {
			s.writeTagError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

type assignRequest struct {
	Filenames []string `json:"filenames"`
	Source    string   `json:"source"`
}

func (s *Server) handleAssignTag(w http.ResponseWriter, r *http.Request) {
	id, ok := s.tagID(w, r)
	if !ok {
		return
	}

	var req assignRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if len(req.Filenames) == 0 {
		s.writeError(w, http.StatusBadRequest, "filenames must not be empty")
		return
	}

	s.withTagStore(w, r, func(store *tags.Store) {
		if err := store.Assign(r.Context(), id, req.Filenames, req.Source); err != nil {
			s.writeTagError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func (s *Server) handleUnassignTag(w http.ResponseWriter, r *http.Request) {
	id, ok := s.tagID(w, r)
	if !ok {
		return
	}

	var req assignRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	s.withTagStore(w, r, func(store *tags.Store) {
		if err := store.Unassign(r.Context(), id, req.Filenames); err != nil {
			s.writeTagError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

// handleTagSuggestions ranks untagged images by similarity to a tag's
// centroid: the L2-normalized mean of the embedding vectors of every
// image already carrying the tag, searched through the dataset index.
func (s *Server) handleTagSuggestions(w http.ResponseWriter, r *http.Request) {
	id, ok := s.tagID(w, r)
	if !ok {
		return
	}

	k := defaultSearchK
	if raw := r.URL.Query().Get("k"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.writeError(w, http.StatusBadRequest, "k must be a positive integer")
			return
		}
		k = parsed
	}

	dctx, err := s.readyContext(r)
	if err != nil {
		s.writeQueryError(w, err)
		return
	}

	s.withTagStore(w, r, func(store *tags.Store) {
		if _, err := store.GetTag(r.Context(), id); err != nil {
			s.writeTagError(w, err)
			return
		}

		filenames, err := store.ImagesForTags(r.Context(), []int64{id})
		if err != nil {
			s.writeTagError(w, err)
			return
		}

		byName := make(map[string]int, len(dctx.Metadata))
		for i, m := range dctx.Metadata {
			byName[m.Filename] = i
		}

		tagged := make(map[int]bool, len(filenames))
		var vectors [][]float32
		for _, name := range filenames {
			if rowID, ok := byName[name]; ok {
				tagged[rowID] = true
				vectors = append(vectors, dctx.Embeddings[rowID])
			}
		}
		if len(vectors) == 0 {
			s.writeJSON(w, http.StatusOK, []searchHit{})
			return
		}

		centroid := vecmath.Mean(vectors)
		vecmath.NormalizeL2InPlace(centroid)

		// Over-fetch so dropping the already-tagged rows still leaves
		// k suggestions when the dataset has them.
		results, err := dctx.Index.Search(centroid, k+len(tagged))
		if err != nil {
			s.writeSearchError(w, err)
			return
		}

		hits := make([]searchHit, 0, k)
		for _, res := range results {
			if tagged[res.ID] {
				continue
			}
			hits = append(hits, searchHit{
				ID:       res.ID,
				Filename: dctx.Metadata[res.ID].Filename,
				Distance: res.Distance,
			})
			if len(hits) == k {
				break
			}
		}

		s.writeJSON(w, http.StatusOK, hits)
	})
}

func (s *Server) handleUntaggedImages(w http.ResponseWriter, r *http.Request) {
	s.withTagStore(w, r, func(store *tags.Store) {
		names, err := store.UntaggedImages(r.Context())
		if err != nil {
			s.writeTagError(w, err)
			return
		}
		if names == nil {
			names = []string{}
		}
		s.writeJSON(w, http.StatusOK, names)
	})
}
