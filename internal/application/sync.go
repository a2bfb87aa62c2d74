// Package application contains the application services.
package application

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrRateLimited is returned when the sync API rate limit is exceeded.
var ErrRateLimited = errors.New("rate limit exceeded")

// MirrorStats reports how many LFS objects moved during one mirror sync.
type MirrorStats struct {
	Pushed int
	Pulled int
	Total  int
}

// Mirror is the narrow capability SyncService needs: sync the local LFS
// cache against the configured remote mirror, and report the cache's
// current object count.
type Mirror interface {
	Sync(ctx context.Context) (MirrorStats, error)
	ObjectCount() int
}

// SyncResult contains the result of a sync operation.
type SyncResult struct {
	ObjectsPushed   int       `json:"objects_pushed"`
	ObjectsPulled   int       `json:"objects_pulled"`
	ObjectsTotal    int       `json:"objects_total"`
	SyncedAt        time.Time `json:"synced_at"`
	NextScheduledAt time.Time `json:"next_scheduled_at,omitempty"`
}

// SyncService manages periodic synchronization of the local LFS object
// cache against a remote mirror (S3, Azure Blob, HTTP origin, or another
// local directory).
type SyncService struct {
	mirror   Mirror
	interval time.Duration
	logger   *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup

	lastAPISync time.Time
	apiMutex    sync.Mutex

	syncOpMutex sync.Mutex

	nextSync time.Time
	syncMu   sync.RWMutex
}

// NewSyncService creates a new sync service.
func NewSyncService(mirror Mirror, interval time.Duration, logger *slog.Logger) *SyncService {
	return &SyncService{
		mirror:   mirror,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
		// Initialize to past time to allow immediate first API call
		lastAPISync: time.Now().Add(-31 * time.Second),
	}
}

// Start begins the periodic sync scheduler.
func (s *SyncService) Start(ctx context.Context) {
	s.logger.Info("starting lfs mirror sync", "interval", s.interval)

	s.wg.Add(1)
	go s.run(ctx)
}

// run is the main sync loop.
func (s *SyncService) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.setNextSync(time.Now().Add(s.interval))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("lfs mirror sync stopped: context canceled")
			return
		case <-s.stopCh:
			s.logger.Info("lfs mirror sync stopped")
			return
		case <-ticker.C:
			s.logger.Debug("scheduled lfs mirror sync triggered")
			s.doSync(ctx)
			s.setNextSync(time.Now().Add(s.interval))
		}
	}
}

// Stop gracefully stops the sync service.
func (s *SyncService) Stop() {
	s.logger.Info("stopping lfs mirror sync")
	close(s.stopCh)
	s.wg.Wait()
}

// TriggerSync manually triggers a sync operation with rate limiting.
// Returns ErrRateLimited if called more than 2 times per minute.
func (s *SyncService) TriggerSync(ctx context.Context) (SyncResult, error) {
	s.apiMutex.Lock()
	defer s.apiMutex.Unlock()

	if time.Since(s.lastAPISync) < 30*time.Second {
		return SyncResult{}, ErrRateLimited
	}
	s.lastAPISync = time.Now()

	return s.doSyncWithResult(ctx)
}

func (s *SyncService) doSync(ctx context.Context) {
	s.syncOpMutex.Lock()
	defer s.syncOpMutex.Unlock()

	stats, err := s.mirror.Sync(ctx)
	if err != nil {
		s.logger.Error("lfs mirror sync failed", "error", err)
		return
	}
	s.logger.Info("lfs mirror sync completed",
		"pushed", stats.Pushed,
		"pulled", stats.Pulled,
		"total", s.mirror.ObjectCount(),
	)
}

func (s *SyncService) doSyncWithResult(ctx context.Context) (SyncResult, error) {
	s.syncOpMutex.Lock()
	defer s.syncOpMutex.Unlock()

	stats, err := s.mirror.Sync(ctx)
	if err != nil {
		return SyncResult{}, err
	}

	return SyncResult{
		ObjectsPushed:   stats.Pushed,
		ObjectsPulled:   stats.Pulled,
		ObjectsTotal:    s.mirror.ObjectCount(),
		SyncedAt:        time.Now(),
		NextScheduledAt: s.getNextSync(),
	}, nil
}

func (s *SyncService) setNextSync(t time.Time) {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	s.nextSync = t
}

func (s *SyncService) getNextSync() time.Time {
	s.syncMu.RLock()
	defer s.syncMu.RUnlock()
	return s.nextSync
}

// Interval returns the sync interval.
func (s *SyncService) Interval() time.Duration {
	return s.interval
}
