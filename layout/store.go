package layout

import (
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"sync"

	"github.com/hci-gu/bildutforskaren/internal/fsutil"
)

// Store is the persisted key→response mapping for one dataset. It is
// loaded once when the dataset context is built and written back
// best-effort after every new entry: a failed persist is logged and the
// in-memory entry is still served.
type Store struct {
	mu      sync.Mutex
	path    string
	entries map[string]*Response
	logger  *slog.Logger
}

// LoadStore reads the store at path. A missing or unreadable file
// yields an empty store, never an error.
func LoadStore(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		path:    path,
		entries: make(map[string]*Response),
		logger:  logger,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logger.Warn("could not read layout cache", "path", path, "error", err)
		}
		return s
	}

	if err := json.Unmarshal(data, &s.entries); err != nil {
		logger.Warn("corrupt layout cache, starting empty", "path", path, "error", err)
		s.entries = make(map[string]*Response)
		return s
	}

	logger.Info("loaded layout cache", "path", path, "entries", len(s.entries))

	return s
}

// Get returns the stored response for key, if any.
func (s *Store) Get(key string) (*Response, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp, ok := s.entries[key]
	return resp, ok
}

// Put stores resp under key and persists the store. The persist is
// best-effort: on failure the entry stays available in memory.
func (s *Store) Put(key string, resp *Response) {
	s.mu.Lock()
	s.entries[key] = resp
	data, err := json.Marshal(s.entries)
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("could not encode layout cache", "path", s.path, "error", err)
		return
	}

	if err := fsutil.WriteAtomic(s.path, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	}); err != nil {
		s.logger.Warn("could not write layout cache", "path", s.path, "error", err)
	}
}

// Len returns the number of cached layouts.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
