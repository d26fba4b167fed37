package embedding

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hci-gu/bildutforskaren/internal/vecmath"
)

// Progress reports incremental pipeline progress as a monotonically
// increasing done count out of total. It is invoked after every batch.
type Progress func(done, total int)

// NopProgress discards progress updates.
func NopProgress(done, total int) {}

// PipelineOptions contains configuration options for the pipeline.
type PipelineOptions struct {
	// BatchSize is the number of images sent to the model per call.
	BatchSize int

	// Parallelism bounds concurrent batch calls. The inference side is
	// usually the bottleneck, so the default stays at 1.
	Parallelism int

	// Logger for cache decisions. Nil uses slog.Default().
	Logger *slog.Logger
}

// DefaultPipelineOptions contains the default pipeline configuration.
var DefaultPipelineOptions = PipelineOptions{
	BatchSize:   32,
	Parallelism: 1,
}

// Pipeline embeds image sets in fixed-size batches and avoids
// re-running model inference when the persisted archive already covers
// the exact ordered path list.
type Pipeline struct {
	client Client
	opts   PipelineOptions
	logger *slog.Logger
}

// NewPipeline creates a pipeline on top of the given model client.
func NewPipeline(client Client, optFns ...func(o *PipelineOptions)) *Pipeline {
	opts := DefaultPipelineOptions

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultPipelineOptions.BatchSize
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 1
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Pipeline{client: client, opts: opts, logger: logger}
}

// LoadOrBuild returns embeddings for paths, loading the archive at
// archivePath when its stored identifier sequence equals paths
// (element-for-element, order included) and rebuilding otherwise. Any
// addition, removal or reordering invalidates the archive wholesale.
//
// A rebuild embeds in fixed-size batches, preserves input order,
// L2-normalizes every vector and persists the new archive atomically.
// progress is invoked after every batch; pass NopProgress when not
// interested. A failed persist is logged and the in-memory result is
// still returned.
func (p *Pipeline) LoadOrBuild(ctx context.Context, archivePath string, paths []string, progress Progress) ([][]float32, error) {
	if progress == nil {
		progress = NopProgress
	}

	cached, err := LoadArchive(archivePath)
	switch {
	case err == nil:
		if slices.Equal(cached.Paths, paths) {
			p.logger.Info("using cached embeddings", "archive", archivePath, "count", len(paths))
			return cached.Vectors, nil
		}
		p.logger.Info("image set changed, re-embedding", "archive", archivePath)
	case errors.Is(err, ErrArchiveNotFound):
		p.logger.Info("no embedding archive, embedding images", "archive", archivePath)
	case errors.Is(err, ErrCorruptArchive):
		p.logger.Warn("corrupt embedding archive, re-embedding", "archive", archivePath)
	default:
		return nil, err
	}

	vectors, err := p.embedAll(ctx, paths, progress)
	if err != nil {
		return nil, err
	}

	if err := SaveArchive(archivePath, &Archive{Paths: paths, Vectors: vectors}); err != nil {
		p.logger.Warn("could not persist embedding archive", "archive", archivePath, "error", err)
	}

	return vectors, nil
}

// embedAll runs batched inference, concatenating per-batch results in
// input order.
func (p *Pipeline) embedAll(ctx context.Context, paths []string, progress Progress) ([][]float32, error) {
	total := len(paths)
	vectors := make([][]float32, total)

	if total == 0 {
		return vectors, nil
	}

	var (
		mu   sync.Mutex
		done int
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Parallelism)

	for start := 0; start < total; start += p.opts.BatchSize {
		start := start
		end := min(start+p.opts.BatchSize, total)

		g.Go(func() error {
			batch, err := p.client.EmbedImages(ctx, paths[start:end])
			if err != nil {
				return err
			}

			for i, v := range batch {
				vecmath.NormalizeL2InPlace(v)
				vectors[start+i] = v
			}

			mu.Lock()
			done += end - start
			progress(done, total)
			mu.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return vectors, nil
}
