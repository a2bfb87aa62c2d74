package lfs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rcoup/kart/internal/ports/output"
)

// CacheMirror implements application.Mirror, syncing a local BlobCache
// against a remote BlobMirror (S3, Azure Blob, HTTP origin, or another local
// directory): any object present in the mirror but missing locally is
// pulled, and any object present locally but missing from the mirror is
// pushed. It never deletes: a tile object is immutable and content-addressed,
// so "missing on one side" only ever means "not yet copied", never "removed".
type CacheMirror struct {
	cache   output.BlobCache
	mirror  output.BlobMirror
	logger  *slog.Logger
	metrics output.MetricsCollector

	mu    sync.RWMutex
	count int
}

// NewCacheMirror creates a mirror syncing cache against remote. metrics may
// be &output.NoOpMetrics{} when metrics collection is disabled.
func NewCacheMirror(cache output.BlobCache, remote output.BlobMirror, logger *slog.Logger, metrics output.MetricsCollector) *CacheMirror {
	if metrics == nil {
		metrics = &output.NoOpMetrics{}
	}
	return &CacheMirror{cache: cache, mirror: remote, logger: logger, metrics: metrics}
}

// Sync pulls objects present on the remote but not cached locally, then
// pushes objects cached locally but not yet on the remote.
func (m *CacheMirror) Sync(ctx context.Context) (MirrorStats, error) {
	start := time.Now()
	stats, err := m.sync0(ctx)
	m.metrics.IncLFSMirrorOperations("sync", err == nil)
	m.metrics.ObserveLFSMirrorDuration("sync", time.Since(start))
	return stats, err
}

func (m *CacheMirror) sync0(ctx context.Context) (MirrorStats, error) {
	local, err := m.cache.List()
	if err != nil {
		return MirrorStats{}, fmt.Errorf("listing local lfs cache: %w", err)
	}
	remoteObjects, err := m.mirror.List(ctx)
	if err != nil {
		return MirrorStats{}, fmt.Errorf("listing lfs mirror: %w", err)
	}

	localSet := make(map[string]struct{}, len(local))
	for _, h := range local {
		localSet[h] = struct{}{}
	}
	remoteSet := make(map[string]struct{}, len(remoteObjects))
	for _, obj := range remoteObjects {
		remoteSet[hashFromKey(obj.Key)] = struct{}{}
	}

	var stats MirrorStats

	for hash := range remoteSet {
		if _, ok := localSet[hash]; ok {
			continue
		}
		dest, err := m.cache.Path(hash)
		if err != nil {
			m.logger.Warn("skipping lfs object with malformed hash", "hash", hash, "error", err)
			continue
		}
		if err := m.mirror.Download(ctx, hash, dest); err != nil {
			m.logger.Error("failed to pull lfs object", "hash", hash, "error", err)
			continue
		}
		stats.Pulled++
		m.logger.Debug("pulled lfs object", "hash", hash)
	}

	for hash := range localSet {
		if _, ok := remoteSet[hash]; ok {
			continue
		}
		src, err := m.cache.Path(hash)
		if err != nil {
			m.logger.Warn("skipping lfs object with malformed hash", "hash", hash, "error", err)
			continue
		}
		if err := m.mirror.Upload(ctx, hash, src); err != nil {
			m.logger.Error("failed to push lfs object", "hash", hash, "error", err)
			continue
		}
		stats.Pushed++
		m.logger.Debug("pushed lfs object", "hash", hash)
	}

	m.mu.Lock()
	m.count = len(localSet) + stats.Pulled
	m.mu.Unlock()

	stats.Total = m.ObjectCount()
	m.logger.Info("lfs mirror sync completed", "pushed", stats.Pushed, "pulled", stats.Pulled, "total", stats.Total)
	return stats, nil
}

// ObjectCount returns the number of objects observed in the local cache as
// of the most recent Sync.
func (m *CacheMirror) ObjectCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.count
}

// hashFromKey extracts the trailing sha256 hex digest from a mirror object
// key, which may be a bare hash (S3/Azure/HTTP adapters) or a sharded
// "aa/bb/hash" path (LocalStorage's List).
func hashFromKey(key string) string {
	if i := len(key) - 64; i > 0 && (key[i-1] == '/' || key[i-1] == '\\') {
		return key[i:]
	}
	return key
}
