package server

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hci-gu/bildutforskaren/dataset"
	"github.com/hci-gu/bildutforskaren/job"
)

type datasetSummary struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) handleListDatasets(w http.ResponseWriter, _ *http.Request) {
	ids, err := dataset.List(s.datasetsRoot)
	if err != nil {
		s.logger.Error("list datasets", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	out := make([]datasetSummary, 0, len(ids))
	for _, id := range ids {
		st, err := dataset.ReadStatus(s.factory.ConfigFor(id))
		if err != nil {
			// A directory without a status record is not a dataset.
			continue
		}
		out = append(out, datasetSummary{
			ID:        id,
			Name:      st.Name,
			Status:    st.Status,
			CreatedAt: st.CreatedAt,
		})
	}

	s.writeJSON(w, http.StatusOK, out)
}

type registerRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleRegisterDataset(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	cfg := s.factory.ConfigFor(id)

	for _, dir := range []string{cfg.OriginalRoot, cfg.ThumbRoot, cfg.CacheDir, cfg.AtlasDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			s.logger.Error("create dataset directories", "dataset", id, "error", err)
			s.writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
	}

	st := dataset.Status{
		Name:      req.Name,
		Status:    dataset.StatusUploaded,
		CreatedAt: time.Now().UTC(),
	}
	if err := dataset.WriteStatus(cfg, st); err != nil {
		s.logger.Error("persist dataset status", "dataset", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.writeJSON(w, http.StatusCreated, datasetSummary{
		ID:        id,
		Name:      st.Name,
		Status:    st.Status,
		CreatedAt: st.CreatedAt,
	})
}

type statusResponse struct {
	ID     string     `json:"id"`
	Status string     `json:"status"`
	Error  string     `json:"error,omitempty"`
	Job    *job.State `json:"job,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := s.datasetID(r)

	st, err := dataset.ReadStatus(s.factory.ConfigFor(id))
	if err != nil {
		s.writeQueryError(w, err)
		return
	}

	resp := statusResponse{ID: id, Status: st.Status, Error: st.Error}
	if jobState, ok := s.manager.State(id); ok {
		resp.Job = &jobState
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	id := s.datasetID(r)

	if _, err := dataset.ReadStatus(s.factory.ConfigFor(id)); err != nil {
		s.writeQueryError(w, err)
		return
	}

	if err := s.manager.Submit(id, s.runner.NewJob(id)); err != nil {
		s.logger.Error("submit processing job", "dataset", id, "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "processing unavailable")
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

type imageEntry struct {
	ID       int    `json:"id"`
	Filename string `json:"filename"`
}

func (s *Server) handleListImages(w http.ResponseWriter, r *http.Request) {
	dctx, err := s.readyContext(r)
	if err != nil {
		s.writeQueryError(w, err)
		return
	}

	out := make([]imageEntry, len(dctx.Metadata))
	for i, m := range dctx.Metadata {
		out[i] = imageEntry{ID: i, Filename: m.Filename}
	}

	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleThumb(w http.ResponseWriter, r *http.Request) {
	cfg := s.factory.ConfigFor(s.datasetID(r))

	// Base() strips any traversal component from the parameter.
	filename := filepath.Base(chi.URLParam(r, "filename"))
	path := filepath.Join(cfg.ThumbRoot, filename)

	if _, err := os.Stat(path); err != nil {
		s.writeError(w, http.StatusNotFound, "image not found")
		return
	}

	http.ServeFile(w, r, path)
}
