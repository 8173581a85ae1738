package compliance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Snapshotter periodically persists the live counters.
type Snapshotter struct {
	metrics  *Metrics
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
	now      func() time.Time
}

// NewSnapshotter creates a snapshotter. interval defaults to 15 minutes.
func NewSnapshotter(metrics *Metrics, store Store, interval time.Duration, logger *slog.Logger) *Snapshotter {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Snapshotter{
		metrics:  metrics,
		store:    store,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		now:      time.Now,
	}
}

// Restore loads the latest persisted snapshot into the live counters.
// A store with no snapshots is not an error.
func (s *Snapshotter) Restore(ctx context.Context) error {
	latest, err := s.store.Latest(ctx)
	if errors.Is(err, ErrNoSnapshot) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load compliance snapshot: %w", err)
	}
	s.metrics.Restore(latest)
	return nil
}

// Running reports whether the loop is active.
func (s *Snapshotter) Running() bool {
	return s.running.Load()
}

// Start begins the periodic snapshot loop. Call in a goroutine. A final
// snapshot is written when the loop exits.
func (s *Snapshotter) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.safeRun(context.WithoutCancel(ctx))
			return
		case <-s.stop:
			s.safeRun(ctx)
			return
		case <-ticker.C:
			s.safeRun(ctx)
		}
	}
}

// Stop signals the loop to stop.
func (s *Snapshotter) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

// SnapshotNow persists the current counters and returns what was saved.
func (s *Snapshotter) SnapshotNow(ctx context.Context) (Snapshot, error) {
	snap := s.metrics.Snapshot(s.now())
	if err := s.store.Save(ctx, snap); err != nil {
		return Snapshot{}, fmt.Errorf("save compliance snapshot: %w", err)
	}
	return snap, nil
}

func (s *Snapshotter) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in compliance snapshotter", "panic", fmt.Sprint(r))
		}
	}()

	if _, err := s.SnapshotNow(ctx); err != nil {
		s.logger.Warn("compliance snapshot failed", "error", err)
	}
}
