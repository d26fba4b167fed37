package ctxcache

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hci-gu/bildutforskaren/dataset"
	"github.com/hci-gu/bildutforskaren/embedding"
	"github.com/hci-gu/bildutforskaren/layout"
	"github.com/hci-gu/bildutforskaren/projection"
	"github.com/hci-gu/bildutforskaren/simindex"
)

// FactoryOptions contains configuration options for the factory.
type FactoryOptions struct {
	// PCADim is the target projection dimensionality for every dataset.
	PCADim int

	// Logger for build steps. Nil uses slog.Default().
	Logger *slog.Logger
}

// Factory builds dataset contexts: it scans the thumbnail tree,
// loads or rebuilds the embedding and projection archives, constructs
// a fresh similarity index and loads the persisted layout cache.
type Factory struct {
	datasetsRoot string
	pipeline     *embedding.Pipeline
	projections  *projection.Cache
	opts         FactoryOptions
	logger       *slog.Logger
}

// NewFactory creates a context factory over the given artifact caches.
func NewFactory(datasetsRoot string, pipeline *embedding.Pipeline, projections *projection.Cache, optFns ...func(o *FactoryOptions)) *Factory {
	opts := FactoryOptions{PCADim: dataset.DefaultPCADim}

	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.PCADim <= 0 {
		opts.PCADim = dataset.DefaultPCADim
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Factory{
		datasetsRoot: datasetsRoot,
		pipeline:     pipeline,
		projections:  projections,
		opts:         opts,
		logger:       logger,
	}
}

// ConfigFor returns the immutable config for a dataset id.
func (f *Factory) ConfigFor(datasetID string) dataset.Config {
	cfg := dataset.NewConfig(f.datasetsRoot, datasetID)
	cfg.PCADim = f.opts.PCADim
	return cfg
}

// Build implements Builder with no progress reporting.
func (f *Factory) Build(ctx context.Context, datasetID string) (*Context, error) {
	return f.BuildWithProgress(ctx, datasetID, embedding.NopProgress)
}

// BuildWithProgress builds the full context for one dataset, invoking
// progress during the embedding stage. Artifact caches are checked in
// dependency order: embeddings first, then the projection derived from
// them; the similarity index is rebuilt on every construction and the
// layout cache loaded from disk.
func (f *Factory) BuildWithProgress(ctx context.Context, datasetID string, progress embedding.Progress) (*Context, error) {
	cfg := f.ConfigFor(datasetID)

	f.logger.Info("loading dataset", "dataset", datasetID)

	paths, err := dataset.CollectImagePaths(cfg.ThumbRoot)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", cfg.ThumbRoot, err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("dataset %s has no images", datasetID)
	}
	f.logger.Info("found images", "dataset", datasetID, "count", len(paths))

	metadata := make([]dataset.Metadata, len(paths))
	for i, p := range paths {
		metadata[i] = dataset.ExtractMetadata(p)
	}

	embeddings, err := f.pipeline.LoadOrBuild(ctx, cfg.EmbeddingArchivePath(), paths, progress)
	if err != nil {
		return nil, fmt.Errorf("embed dataset %s: %w", datasetID, err)
	}

	projected, projector, err := f.projections.GetOrBuild(
		cfg.ProjectionArchivePath(), cfg.ProjectorPath(), embeddings, paths, cfg.PCADim)
	if err != nil {
		return nil, fmt.Errorf("project dataset %s: %w", datasetID, err)
	}

	index, err := simindex.Build(embeddings)
	if err != nil {
		return nil, fmt.Errorf("index dataset %s: %w", datasetID, err)
	}
	f.logger.Info("index ready", "dataset", datasetID, "vectors", index.Len(), "dim", index.Dim())

	layouts := layout.LoadStore(cfg.LayoutCachePath(), f.logger)

	return &Context{
		Config:     cfg,
		ImagePaths: paths,
		Metadata:   metadata,
		Embeddings: embeddings,
		Projected:  projected,
		Projector:  projector,
		Index:      index,
		Layouts:    layouts,
	}, nil
}
