package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/rcoup/kart/internal/adapters/geopackage"
	"github.com/rcoup/kart/internal/adapters/lfs"
	"github.com/rcoup/kart/internal/adapters/objectstore"
	"github.com/rcoup/kart/internal/application"
	"github.com/rcoup/kart/internal/application/pointcloud"
	"github.com/rcoup/kart/internal/config"
	"github.com/rcoup/kart/internal/ports/output"
)

// cliContext holds the pieces a repository verb needs: a logger and a
// RepositoryService/InspectionService pair built directly from the on-disk
// repository, without the HTTP, TLS, metrics or watcher infrastructure
// `kart serve` wires up.
type cliContext struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      *objectstore.ObjectStore
	wc         *geopackage.Repository
	repository *application.RepositoryService
	inspection *application.InspectionService
}

// newCLIContext loads configuration, opens the object store at cfg.Repo.Path
// (failing if none exists; use `kart init` to create one) and opens the
// working copy if one is configured and present on disk.
func newCLIContext(ctx context.Context) (*cliContext, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging)

	store, err := objectstore.Open(cfg.Repo.Path)
	if err != nil {
		return nil, fmt.Errorf("opening repository at %s: %w", cfg.Repo.Path, err)
	}

	wc := geopackage.NewRepository()
	wcPath := cfg.Repo.WorkingCopy
	if wcPath != "" {
		if _, statErr := os.Stat(wcPath); statErr == nil {
			if err := wc.Open(ctx, wcPath); err != nil {
				return nil, fmt.Errorf("opening working copy at %s: %w", wcPath, err)
			}
		} else {
			wcPath = ""
		}
	}

	tiles := make(map[string]application.TileLayer)
	if cfg.Repo.PointCloudDir != "" {
		cache := lfs.NewCache(store.GitDir())
		dataset := pointcloud.NewDataset(store, cache, cfg.Repo.NativeTileExt, pointcloud.ConvertersForCommand(cfg.Repo.ConverterCommand))
		tiles[filepath.Base(cfg.Repo.PointCloudDir)] = application.NewTileLayer(dataset, cfg.Repo.PointCloudDir)
	}

	var metrics output.MetricsCollector = &output.NoOpMetrics{}

	return &cliContext{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		wc:         wc,
		repository: application.NewRepositoryService(store, wc, wcPath, tiles, metrics),
		inspection: application.NewInspectionService(wc, coordinateTransformer(wc)),
	}, nil
}

// coordinateTransformer adapts wc's *geopackage.Transformer to
// output.CoordinateTransformer, returning a true nil interface (rather than
// a non-nil interface wrapping a nil *Transformer) when wc has no open
// database to transform against.
func coordinateTransformer(wc *geopackage.Repository) output.CoordinateTransformer {
	t := wc.CoordinateTransformer()
	if t == nil {
		return nil
	}
	return t
}

func (c *cliContext) Close(ctx context.Context) {
	if c.wc != nil && c.wc.IsOpen() {
		if err := c.wc.Close(ctx); err != nil {
			c.logger.Warn("failed to close working copy", "error", err)
		}
	}
}
