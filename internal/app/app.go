// Package app provides application initialization and wiring.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/rcoup/kart/internal/adapters/geopackage"
	httpAdapter "github.com/rcoup/kart/internal/adapters/http"
	"github.com/rcoup/kart/internal/adapters/lfs"
	"github.com/rcoup/kart/internal/adapters/metrics"
	"github.com/rcoup/kart/internal/adapters/objectstore"
	"github.com/rcoup/kart/internal/adapters/storage"
	tlsAdapter "github.com/rcoup/kart/internal/adapters/tls"
	"github.com/rcoup/kart/internal/adapters/watcher"
	"github.com/rcoup/kart/internal/application"
	"github.com/rcoup/kart/internal/application/pointcloud"
	"github.com/rcoup/kart/internal/config"
	"github.com/rcoup/kart/internal/ports/output"
)

// App holds all application components.
type App struct {
	Config            *config.Config
	Logger            *slog.Logger
	Store             *objectstore.ObjectStore
	WorkingCopy       *geopackage.Repository
	RepositoryService *application.RepositoryService
	InspectionService *application.InspectionService
	HealthService     *application.HealthService
	SyncService       *application.SyncService
	HTTPServer        *httpAdapter.Server
	TLSServer         *tlsAdapter.Server
	Watcher           *watcher.Watcher
	Metrics           *metrics.Collector
	MetricsServer     *metrics.Server
}

// New creates and initializes a new application from cfg. It opens the
// object store at cfg.Repo.Path (initializing one there if absent), opens
// the working copy if its file exists, and wires every service around
// them; it does not start long-running components (see Start).
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{
		Config: cfg,
		Logger: logger,
	}

	if cfg.Metrics.Enabled {
		a.Metrics = metrics.NewCollector("kart")
		a.MetricsServer = metrics.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, logger)
	}

	var metricsCollector output.MetricsCollector
	if a.Metrics != nil {
		metricsCollector = a.Metrics
	} else {
		metricsCollector = &output.NoOpMetrics{}
	}

	store, err := openOrInitStore(cfg.Repo.Path)
	if err != nil {
		return nil, fmt.Errorf("opening object store: %w", err)
	}
	a.Store = store

	a.WorkingCopy = geopackage.NewRepository()

	wcPath := cfg.Repo.WorkingCopy
	if wcPath != "" {
		if _, statErr := os.Stat(wcPath); statErr == nil {
			if err := a.WorkingCopy.Open(ctx, wcPath); err != nil {
				logger.Warn("failed to open working copy", "path", wcPath, "error", err)
				wcPath = ""
			}
		} else {
			wcPath = ""
		}
	}

	tiles, err := buildTileLayers(store, cfg.Repo)
	if err != nil {
		return nil, fmt.Errorf("configuring point-cloud layers: %w", err)
	}

	a.RepositoryService = application.NewRepositoryService(store, a.WorkingCopy, wcPath, tiles, metricsCollector)
	a.InspectionService = application.NewInspectionService(a.WorkingCopy, coordinateTransformer(a.WorkingCopy))
	a.HealthService = application.NewHealthService(a.WorkingCopy)

	if cfg.Mirror.Enabled() {
		cache := lfs.NewCache(store.GitDir())
		mirrorBackend, err := initMirror(ctx, cfg.Mirror)
		if err != nil {
			return nil, fmt.Errorf("initializing lfs mirror: %w", err)
		}
		cacheMirror := lfs.NewCacheMirror(cache, mirrorBackend, logger, metricsCollector)
		a.SyncService = application.NewSyncService(cacheMirror, cfg.Mirror.SyncInterval, logger)
	}

	a.HTTPServer = httpAdapter.NewServer(cfg.Server, a.InspectionService, a.HealthService, logger)

	if cfg.TLS.Enabled {
		tlsServer, err := tlsAdapter.NewServer(
			tlsAdapter.Config{
				Enabled:           cfg.TLS.Enabled,
				Domains:           cfg.TLS.Domains,
				Email:             cfg.TLS.Email,
				CacheDir:          cfg.TLS.CacheDir,
				Staging:           cfg.TLS.Staging,
				ReadHeaderTimeout: cfg.Server.ReadTimeout,
				DNS: tlsAdapter.DNSConfig{
					SubscriptionID:    cfg.TLS.DNS.SubscriptionID,
					ResourceGroupName: cfg.TLS.DNS.ResourceGroupName,
					ClientID:          cfg.TLS.DNS.ClientID,
				},
			},
			a.HTTPServer.Router(),
			logger,
		)
		if err != nil {
			return nil, fmt.Errorf("initializing TLS: %w", err)
		}
		a.TLSServer = tlsServer
	}

	if wcPath != "" {
		w, err := watcher.New(
			watcher.Config{Paths: []string{wcPath}},
			a.handleWorkingCopyEvent,
			logger,
		)
		if err != nil {
			logger.Warn("failed to initialize working copy watcher", "error", err)
		} else {
			a.Watcher = w
		}
	}

	return a, nil
}

// Start starts all long-running application components: the LFS mirror
// sync scheduler, the working copy watcher, the metrics server and the
// inspection server (TLS-wrapped if configured). It blocks on the
// inspection server.
func (a *App) Start(ctx context.Context) error {
	if a.SyncService != nil {
		a.SyncService.Start(ctx)
	}

	if a.Watcher != nil {
		if err := a.Watcher.Start(ctx); err != nil {
			a.Logger.Warn("failed to start working copy watcher", "error", err)
		}
	}

	if a.MetricsServer != nil {
		go func() {
			if err := a.MetricsServer.Start(); err != nil && err.Error() != "http: Server closed" {
				a.Logger.Error("metrics server error", "error", err)
			}
		}()
	}

	if a.Config.TLS.Enabled && a.TLSServer != nil {
		return a.TLSServer.ListenAndServe(a.Config.Server.Address())
	}
	return a.HTTPServer.Start()
}

// Shutdown gracefully shuts down all running components.
func (a *App) Shutdown(ctx context.Context) error {
	a.Logger.Info("shutting down application")

	if a.Watcher != nil {
		_ = a.Watcher.Stop()
	}

	if a.SyncService != nil {
		a.SyncService.Stop()
	}

	if a.MetricsServer != nil {
		if err := a.MetricsServer.Shutdown(ctx); err != nil {
			a.Logger.Error("metrics server shutdown error", "error", err)
		}
	}

	if err := a.HTTPServer.Shutdown(ctx); err != nil {
		a.Logger.Error("inspection server shutdown error", "error", err)
	}

	if a.WorkingCopy != nil && a.WorkingCopy.IsOpen() {
		if err := a.WorkingCopy.Close(ctx); err != nil {
			a.Logger.Error("failed to close working copy", "error", err)
		}
	}

	return nil
}

// handleWorkingCopyEvent reacts to changes to the working copy file made
// outside this process (e.g. a GIS tool saving the GeoPackage directly),
// invalidating nothing itself: the inspection server reads through to the
// open database handle on every request, so no explicit reload is needed
// beyond logging the event.
func (a *App) handleWorkingCopyEvent(_ context.Context, event watcher.Event) error {
	a.Logger.Info("working copy file event", "path", event.Path, "operation", event.Operation.String())
	return nil
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

// openOrInitStore opens the object store at path, initializing a new
// repository there if none exists yet.
func openOrInitStore(path string) (*objectstore.ObjectStore, error) {
	if _, err := os.Stat(filepath.Join(path, ".git")); err == nil {
		return objectstore.Open(path)
	}
	return objectstore.Init(path, false)
}

// buildTileLayers constructs the point-cloud dataset bindings described by
// cfg. At most one point-cloud layer is supported per repository, named
// after its tile directory's base name; an empty PointCloudDir means the
// repository has no point-cloud layer.
func buildTileLayers(store *objectstore.ObjectStore, cfg config.RepoConfig) (map[string]application.TileLayer, error) {
	tiles := make(map[string]application.TileLayer)
	if cfg.PointCloudDir == "" {
		return tiles, nil
	}

	cache := lfs.NewCache(store.GitDir())
	dataset := pointcloud.NewDataset(store, cache, cfg.NativeTileExt, pointcloud.ConvertersForCommand(cfg.ConverterCommand))
	layer := filepath.Base(cfg.PointCloudDir)
	tiles[layer] = application.NewTileLayer(dataset, cfg.PointCloudDir)
	return tiles, nil
}

// initMirror constructs the remote LFS mirror backend selected by cfg.Type.
func initMirror(ctx context.Context, cfg config.MirrorConfig) (output.BlobMirror, error) {
	switch cfg.Type {
	case "local":
		return storage.NewLocalStorage(cfg.Local.Path), nil

	case "s3":
		return storage.NewS3Storage(ctx, storage.S3Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Prefix:          cfg.S3.Prefix,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
		})

	case "azure":
		return storage.NewAzureStorage(storage.AzureConfig{
			Container:        cfg.Azure.Container,
			AccountName:      cfg.Azure.AccountName,
			AccountKey:       cfg.Azure.AccountKey,
			ConnectionString: cfg.Azure.ConnectionString,
			Prefix:           cfg.Azure.Prefix,
		})

	case "http":
		return storage.NewHTTPStorage(storage.HTTPConfig{
			BaseURL:   cfg.HTTP.BaseURL,
			IndexFile: cfg.HTTP.IndexFile,
			Timeout:   cfg.HTTP.Timeout,
			Username:  cfg.HTTP.Username,
			Password:  cfg.HTTP.Password,
		}), nil

	default:
		return nil, fmt.Errorf("unknown mirror type: %s", cfg.Type)
	}
}
