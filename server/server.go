// Package server exposes the dataset, search, layout and tag operations
// over HTTP. Handlers are thin: they validate the request, resolve the
// dataset context through the bounded cache and map domain errors onto
// status codes.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hci-gu/bildutforskaren/ctxcache"
	"github.com/hci-gu/bildutforskaren/dataset"
	"github.com/hci-gu/bildutforskaren/embedding"
	"github.com/hci-gu/bildutforskaren/job"
	"github.com/hci-gu/bildutforskaren/layout"
)

// ErrNotReady is returned when a query hits a dataset that has not
// finished processing.
var ErrNotReady = errors.New("dataset not ready")

// Options contains configuration options for the server.
type Options struct {
	// Layouts computes cached 2D layouts. Nil disables the layout route
	// with a clear error instead of a panic.
	Layouts *layout.Engine

	// Logger for request-scoped events. Nil uses slog.Default().
	Logger *slog.Logger
}

// Server wires the HTTP surface to the dataset services.
type Server struct {
	datasetsRoot string
	contexts     *ctxcache.Cache
	factory      *ctxcache.Factory
	embedder     embedding.Client
	manager      *job.Manager
	runner       *job.Runner
	layouts      *layout.Engine
	logger       *slog.Logger
}

// New creates the HTTP server facade.
func New(datasetsRoot string, contexts *ctxcache.Cache, factory *ctxcache.Factory, embedder embedding.Client, manager *job.Manager, runner *job.Runner, optFns ...func(o *Options)) *Server {
	opts := Options{}

	for _, fn := range optFns {
		fn(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		datasetsRoot: datasetsRoot,
		contexts:     contexts,
		factory:      factory,
		embedder:     embedder,
		manager:      manager,
		runner:       runner,
		layouts:      opts.Layouts,
		logger:       logger,
	}
}

// Router builds the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)

	r.Route("/datasets", func(r chi.Router) {
		r.Get("/", s.handleListDatasets)
		r.Post("/", s.handleRegisterDataset)

		r.Route("/{datasetID}", func(r chi.Router) {
			r.Use(s.requireSafeID)

			r.Get("/status", s.handleStatus)
			r.Post("/process", s.handleProcess)

			r.Get("/images", s.handleListImages)
			r.Get("/thumbs/{filename}", s.handleThumb)

			r.Get("/search", s.handleSearchGet)
			r.Post("/search", s.handleSearchPost)
			r.Post("/search/image", s.handleSearchByImage)
			r.Get("/embedding", s.handleTextEmbedding)
			r.Post("/layout", s.handleLayout)

			r.Route("/tags", func(r chi.Router) {
				r.Get("/", s.handleListTags)
				r.Post("/", s.handleCreateTag)
				r.Delete("/{tagID}", s.handleDeleteTag)
				r.Post("/{tagID}/assign", s.handleAssignTag)
				r.Post("/{tagID}/unassign", s.handleUnassignTag)
				r.Get("/{tagID}/suggestions", s.handleTagSuggestions)
			})
			r.Get("/images/untagged", s.handleUntaggedImages)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requireSafeID rejects malformed dataset ids before any handler runs.
func (s *Server) requireSafeID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !dataset.IsSafeID(chi.URLParam(r, "datasetID")) {
			s.writeError(w, http.StatusBadRequest, "invalid dataset id")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) datasetID(r *http.Request) string {
	return chi.URLParam(r, "datasetID")
}

// readyContext resolves the dataset context for a query, enforcing that
// the dataset exists and has finished processing.
func (s *Server) readyContext(r *http.Request) (*ctxcache.Context, error) {
	id := s.datasetID(r)

	st, err := dataset.ReadStatus(s.factory.ConfigFor(id))
	if err != nil {
		return nil, err
	}
	if st.Status != dataset.StatusReady {
		return nil, ErrNotReady
	}

	return s.contexts.Get(r.Context(), id, s.factory.Build)
}

// writeQueryError maps domain errors from context resolution onto HTTP
// status codes.
func (s *Server) writeQueryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dataset.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "dataset not found")
	case errors.Is(err, ErrNotReady):
		s.writeError(w, http.StatusConflict, "dataset not ready")
	default:
		s.logger.Error("query failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// decodeJSON decodes a request body, rejecting unknown fields so typos
// in payloads surface as errors instead of defaults.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
