package job

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/hci-gu/bildutforskaren/ctxcache"
	"github.com/hci-gu/bildutforskaren/dataset"
)

// Errors surfaced when an uploaded dataset has nothing to process.
var (
	ErrNoImages      = errors.New("no images found in uploaded dataset")
	ErrNoValidImages = errors.New("no valid images found in uploaded dataset")
)

// Thumbnailer converts one uploaded original into a display thumbnail.
// A per-image error marks that image as skipped without failing the
// whole dataset.
type Thumbnailer interface {
	Generate(ctx context.Context, src, dst string) error
}

// AtlasBuilder renders the texture atlas tiles for a processed dataset.
type AtlasBuilder interface {
	BuildAtlas(ctx context.Context, cfg dataset.Config, imagePaths []string) error
}

// ImageRegistry records the processed image filenames, typically in the
// dataset tag database.
type ImageRegistry interface {
	EnsureImages(ctx context.Context, cfg dataset.Config, filenames []string) error
}

// RunnerOptions contains configuration options for the runner.
type RunnerOptions struct {
	// Atlas is optional: nil skips atlas rendering while still passing
	// through the atlas stage.
	Atlas AtlasBuilder

	// Registry is optional: nil skips tag database registration.
	Registry ImageRegistry

	// Logger for per-stage events. Nil uses slog.Default().
	Logger *slog.Logger
}

// Runner executes the full processing pipeline for one dataset:
// thumbnails, similarity index bookkeeping, embeddings, atlas, ready.
type Runner struct {
	factory  *ctxcache.Factory
	contexts *ctxcache.Cache
	thumbs   Thumbnailer
	atlas    AtlasBuilder
	registry ImageRegistry
	logger   *slog.Logger
}

// NewRunner creates a pipeline runner.
func NewRunner(factory *ctxcache.Factory, contexts *ctxcache.Cache, thumbs Thumbnailer, optFns ...func(o *RunnerOptions)) *Runner {
	opts := RunnerOptions{}

	for _, fn := range optFns {
		fn(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Runner{
		factory:  factory,
		contexts: contexts,
		thumbs:   thumbs,
		atlas:    opts.Atlas,
		registry: opts.Registry,
		logger:   logger,
	}
}

// Process runs every stage for datasetID. The first stage error aborts
// the pipeline: the dataset status record is marked failed and the
// error returned so the tracker lands on StageError.
func (r *Runner) Process(ctx context.Context, datasetID string, tracker *Tracker) error {
	cfg := r.factory.ConfigFor(datasetID)

	if err := r.writeProcessing(cfg); err != nil {
		return err
	}

	err := r.runStages(ctx, cfg, tracker)
	if err != nil {
		r.markFailed(cfg, err)
	}

	return err
}

func (r *Runner) runStages(ctx context.Context, cfg dataset.Config, tracker *Tracker) error {
	if err := tracker.Advance(StageThumbnails); err != nil {
		return err
	}
	processed, skipped, err := r.generateThumbnails(ctx, cfg, tracker)
	if err != nil {
		return err
	}
	r.logger.Info("thumbnails done", "dataset", cfg.ID, "processed", processed, "skipped", skipped)

	if err := tracker.Advance(StageIndexing); err != nil {
		return err
	}
	if err := r.registerImages(ctx, cfg); err != nil {
		return err
	}
	// Any cached context predates the new thumbnails.
	r.contexts.Invalidate(cfg.ID)

	if err := tracker.Advance(StageEmbeddings); err != nil {
		return err
	}
	dctx, err := r.factory.BuildWithProgress(ctx, cfg.ID, func(done, total int) {
		if total > 0 {
			tracker.SetProgress(float64(done)/float64(total), done, skipped)
		}
	})
	if err != nil {
		return err
	}

	if err := tracker.Advance(StageAtlas); err != nil {
		return err
	}
	if r.atlas != nil {
		if err := r.atlas.BuildAtlas(ctx, cfg, dctx.ImagePaths); err != nil {
			return err
		}
	}

	if err := tracker.Advance(StageReady); err != nil {
		return err
	}
	if err := r.writeReady(cfg); err != nil {
		return err
	}
	// Ensure the next read builds from the final artifact set.
	r.contexts.Invalidate(cfg.ID)

	r.logger.Info("dataset ready", "dataset", cfg.ID)

	return nil
}

// generateThumbnails converts every original, skipping images the
// thumbnailer rejects. A dataset with zero originals, or whose every
// original fails conversion, is fatal.
func (r *Runner) generateThumbnails(ctx context.Context, cfg dataset.Config, tracker *Tracker) (processed, skipped int, err error) {
	originals, err := dataset.CollectImagePaths(cfg.OriginalRoot)
	if err != nil {
		return 0, 0, fmt.Errorf("scan originals: %w", err)
	}
	if len(originals) == 0 {
		return 0, 0, ErrNoImages
	}

	if err := os.MkdirAll(cfg.ThumbRoot, 0o755); err != nil {
		return 0, 0, err
	}

	for i, src := range originals {
		if err := ctx.Err(); err != nil {
			return processed, skipped, err
		}

		dst := filepath.Join(cfg.ThumbRoot, thumbName(src))
		if err := r.thumbs.Generate(ctx, src, dst); err != nil {
			r.logger.Warn("skipping image", "dataset", cfg.ID, "image", filepath.Base(src), "error", err)
			skipped++
		} else {
			processed++
		}

		tracker.SetProgress(float64(i+1)/float64(len(originals)), processed, skipped)
	}

	if processed == 0 {
		return 0, skipped, ErrNoValidImages
	}

	return processed, skipped, nil
}

// thumbName maps an original to its thumbnail filename. Thumbnails are
// always JPEG regardless of the source format.
func thumbName(src string) string {
	base := filepath.Base(src)
	return strings.TrimSuffix(base, filepath.Ext(base)) + ".jpg"
}

func (r *Runner) registerImages(ctx context.Context, cfg dataset.Config) error {
	if r.registry == nil {
		return nil
	}

	paths, err := dataset.CollectImagePaths(cfg.ThumbRoot)
	if err != nil {
		return fmt.Errorf("scan thumbnails: %w", err)
	}

	filenames := make([]string, len(paths))
	for i, p := range paths {
		filenames[i] = filepath.Base(p)
	}

	return r.registry.EnsureImages(ctx, cfg, filenames)
}

func (r *Runner) writeProcessing(cfg dataset.Config) error {
	st, err := dataset.ReadStatus(cfg)
	if err != nil && !errors.Is(err, dataset.ErrNotFound) && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	st.Status = dataset.StatusProcessing
	st.Error = ""

	return dataset.WriteStatus(cfg, st)
}

func (r *Runner) writeReady(cfg dataset.Config) error {
	st, err := dataset.ReadStatus(cfg)
	if err != nil {
		st = dataset.Status{}
	}

	st.Status = dataset.StatusReady
	st.Error = ""

	return dataset.WriteStatus(cfg, st)
}

// markFailed records the failure in the status record. Persistence
// errors here are logged, not surfaced: the pipeline error is the one
// the caller needs.
func (r *Runner) markFailed(cfg dataset.Config, cause error) {
	st, err := dataset.ReadStatus(cfg)
	if err != nil {
		st = dataset.Status{}
	}

	st.Status = dataset.StatusError
	st.Error = cause.Error()

	if err := dataset.WriteStatus(cfg, st); err != nil {
		r.logger.Warn("failed to persist error status", "dataset", cfg.ID, "error", err)
	}
}

// NewJob binds a runner invocation for use with Manager.Submit.
func (r *Runner) NewJob(datasetID string) Job {
	return func(ctx context.Context, tracker *Tracker) error {
		return r.Process(ctx, datasetID, tracker)
	}
}
