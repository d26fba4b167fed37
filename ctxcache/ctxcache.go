// Package ctxcache holds the in-memory bundle of derived artifacts for
// one dataset (embeddings, projection, similarity index, layout cache,
// metadata) and a bounded LRU cache of those bundles keyed by dataset
// id. Contexts are expensive to build and cheap to reuse: the cache
// guarantees at most one concurrent build per dataset id while builds
// for different ids proceed in parallel.
package ctxcache

import (
	"context"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hci-gu/bildutforskaren/dataset"
	"github.com/hci-gu/bildutforskaren/layout"
	"github.com/hci-gu/bildutforskaren/projection"
	"github.com/hci-gu/bildutforskaren/simindex"
)

// Context is the per-dataset bundle served to queries. It is built by
// a single builder call, shared read-only while cached, and simply
// dropped on eviction or invalidation.
type Context struct {
	Config     dataset.Config
	ImagePaths []string
	Metadata   []dataset.Metadata
	Embeddings [][]float32
	Projected  [][]float32
	Projector  *projection.Projector
	Index      *simindex.Flat
	Layouts    *layout.Store
}

// Builder constructs the context for one dataset id.
type Builder func(ctx context.Context, datasetID string) (*Context, error)

// CacheOptions contains configuration options for the cache.
type CacheOptions struct {
	// Logger for build and eviction events. Nil uses slog.Default().
	Logger *slog.Logger
}

// Cache is a bounded, LRU-evicted store of dataset contexts. A hit
// promotes the entry to most-recently-used; a miss builds under a
// per-dataset lock so concurrent callers collapse onto one build.
type Cache struct {
	contexts *lru.Cache[string, *Context]
	capacity int
	logger   *slog.Logger

	// buildMu guards buildLocks. Per-dataset locks are created lazily
	// and never removed; dataset cardinality stays low enough that the
	// leak is acceptable.
	buildMu    sync.Mutex
	buildLocks map[string]*sync.Mutex
}

// New creates a cache holding at most capacity contexts.
func New(capacity int, optFns ...func(o *CacheOptions)) (*Cache, error) {
	opts := CacheOptions{}

	for _, fn := range optFns {
		fn(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	contexts, err := lru.New[string, *Context](capacity)
	if err != nil {
		return nil, err
	}

	return &Cache{
		contexts:   contexts,
		capacity:   capacity,
		logger:     logger,
		buildLocks: make(map[string]*sync.Mutex),
	}, nil
}

// Get returns the context for datasetID, building it with build on a
// miss. At most one build runs per dataset id at a time; concurrent
// callers for the same cold id block until the single build finishes
// and then observe the cached result. A build error propagates to the
// caller and leaves nothing cached, so the next request retries.
//
// The build is deliberately detached from the caller's cancellation:
// an aborted request does not stop an in-flight build, which completes
// and populates the cache for subsequent callers.
func (c *Cache) Get(ctx context.Context, datasetID string, build Builder) (*Context, error) {
	if dctx, ok := c.contexts.Get(datasetID); ok {
		return dctx, nil
	}

	buildLock := c.buildLock(datasetID)
	buildLock.Lock()
	defer buildLock.Unlock()

	// Re-check under the build lock: another caller may have finished
	// the build while we waited.
	if dctx, ok := c.contexts.Get(datasetID); ok {
		return dctx, nil
	}

	c.logger.Info("building dataset context", "dataset", datasetID)

	dctx, err := build(context.WithoutCancel(ctx), datasetID)
	if err != nil {
		c.logger.Error("dataset context build failed", "dataset", datasetID, "error", err)
		return nil, err
	}

	// Peek the eviction candidate before inserting so the log names the
	// entry actually dropped, not the one added.
	if c.contexts.Len() == c.capacity && !c.contexts.Contains(datasetID) {
		if oldest, _, ok := c.contexts.GetOldest(); ok {
			c.logger.Info("evicting least-recently-used dataset context", "dataset", oldest)
		}
	}
	c.contexts.Add(datasetID, dctx)

	return dctx, nil
}

// Invalidate removes the entry for datasetID unconditionally. Used
// after configuration changes or dataset reprocessing so the next
// query rebuilds with fresh artifacts.
func (c *Cache) Invalidate(datasetID string) {
	if c.contexts.Remove(datasetID) {
		c.logger.Info("invalidated dataset context", "dataset", datasetID)
	}
}

// Len returns the number of cached contexts.
func (c *Cache) Len() int {
	return c.contexts.Len()
}

// buildLock returns the lazily created per-dataset build lock.
func (c *Cache) buildLock(datasetID string) *sync.Mutex {
	c.buildMu.Lock()
	defer c.buildMu.Unlock()

	mu, ok := c.buildLocks[datasetID]
	if !ok {
		mu = &sync.Mutex{}
		c.buildLocks[datasetID] = mu
	}

	return mu
}
