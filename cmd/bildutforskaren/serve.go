package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hci-gu/bildutforskaren/config"
	"github.com/hci-gu/bildutforskaren/ctxcache"
	"github.com/hci-gu/bildutforskaren/embedding"
	"github.com/hci-gu/bildutforskaren/job"
	"github.com/hci-gu/bildutforskaren/layout"
	"github.com/hci-gu/bildutforskaren/projection"
	"github.com/hci-gu/bildutforskaren/server"
	"github.com/hci-gu/bildutforskaren/tags"
	"github.com/hci-gu/bildutforskaren/thumbnail"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the configuration file")

	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	model := embedding.NewHTTPClient(cfg.EmbeddingURL)

	pipeline := embedding.NewPipeline(model, func(o *embedding.PipelineOptions) {
		o.BatchSize = cfg.EmbedBatchSize
		o.Parallelism = cfg.EmbedParallelism
		o.Logger = logger
	})

	projections := projection.NewCache(func(o *projection.CacheOptions) {
		o.Logger = logger
	})

	factory := ctxcache.NewFactory(cfg.DatasetsRoot, pipeline, projections, func(o *ctxcache.FactoryOptions) {
		o.PCADim = cfg.PCADim
		o.Logger = logger
	})

	contexts, err := ctxcache.New(cfg.ContextCapacity, func(o *ctxcache.CacheOptions) {
		o.Logger = logger
	})
	if err != nil {
		return err
	}

	manager := job.NewManager(func(o *job.ManagerOptions) {
		o.Workers = cfg.Workers
		o.Logger = logger
	})
	defer manager.Close()

	runner := job.NewRunner(factory, contexts, thumbnail.New(), func(o *job.RunnerOptions) {
		o.Registry = tags.Registry{}
		o.Logger = logger
	})

	// No in-process layout algorithm is bundled: previously cached
	// layouts are served, fresh computations report the reducer as
	// unavailable until one is wired in.
	layouts := layout.NewEngine(nil, model, func(o *layout.EngineOptions) {
		o.Logger = logger
	})

	srv := server.New(cfg.DatasetsRoot, contexts, factory, model, manager, runner, func(o *server.Options) {
		o.Layouts = layouts
		o.Logger = logger
	})

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr, "datasets", cfg.DatasetsRoot)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
