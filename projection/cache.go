package projection

import (
	"log/slog"
	"slices"

	"github.com/hci-gu/bildutforskaren/internal/blobfile"
)

// archive is the persisted projected matrix, tagged with the exact
// ordered identifier sequence and the width it was fitted at.
type archive struct {
	Paths     []string
	Dim       int
	Projected [][]float32
}

// CacheOptions contains configuration options for the projection cache.
type CacheOptions struct {
	// Logger for cache decisions. Nil uses slog.Default().
	Logger *slog.Logger
}

// Cache loads or rebuilds the persisted projection for a dataset. It
// depends on the embeddings already being valid for the same path
// list: a projection is never valid when the embeddings were rebuilt
// under a different key.
type Cache struct {
	logger *slog.Logger
}

// NewCache creates a projection cache.
func NewCache(optFns ...func(o *CacheOptions)) *Cache {
	opts := CacheOptions{}

	for _, fn := range optFns {
		fn(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Cache{logger: logger}
}

// GetOrBuild returns the projected matrix and fitted projector for
// embeddings. The persisted archive is valid iff its stored identifier
// sequence equals paths and its stored width does not exceed
// targetDim; otherwise a fresh fit is computed and both the projected
// matrix and the projector are persisted atomically. A failed persist
// is logged and the in-memory result is still returned.
func (c *Cache) GetOrBuild(archivePath, projectorPath string, embeddings [][]float32, paths []string, targetDim int) ([][]float32, *Projector, error) {
	var (
		stored archive
		proj   Projector
	)

	if err := blobfile.Load(archivePath, &stored); err == nil &&
		slices.Equal(stored.Paths, paths) && stored.Dim <= targetDim {
		if err := blobfile.Load(projectorPath, &proj); err == nil && proj.Dim() == stored.Dim {
			c.logger.Info("using cached projection", "archive", archivePath, "dim", stored.Dim)
			return stored.Projected, &proj, nil
		}
	}

	c.logger.Info("projection cache missing or stale, fitting", "archive", archivePath, "target_dim", targetDim)

	fitted, projected, err := Fit(embeddings, targetDim)
	if err != nil {
		return nil, nil, err
	}

	if err := blobfile.Save(projectorPath, fitted); err != nil {
		c.logger.Warn("could not persist projector", "path", projectorPath, "error", err)
	}
	if err := blobfile.Save(archivePath, &archive{Paths: paths, Dim: fitted.Dim(), Projected: projected}); err != nil {
		c.logger.Warn("could not persist projection archive", "path", archivePath, "error", err)
	}

	return projected, fitted, nil
}
