package inbox

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"taskmarket/kvstore"
)

const (
	DefaultSweepInterval = 24 * time.Hour
	sweepConcurrency     = 4
)

// Sweeper periodically drops stale viewed records for every viewer.
type Sweeper struct {
	backend  kvstore.Backend
	trackers *Trackers
	interval time.Duration
	logger   *zap.Logger
}

func NewSweeper(backend kvstore.Backend, trackers *Trackers, interval time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{backend: backend, trackers: trackers, interval: interval, logger: logger}
}

// SweepOnce cleans every namespace and returns the number of dropped records.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	if s.backend == nil {
		return 0, nil
	}
	namespaces, err := s.backend.Namespaces(ctx)
	if err != nil {
		return 0, fmt.Errorf("inbox: list viewer namespaces: %w", err)
	}

	var removed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)
	for _, ns := range namespaces {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			removed.Add(int64(s.trackers.For(ns).CleanupStale(gctx)))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(removed.Load()), err
	}
	return int(removed.Load()), nil
}

// Run sweeps on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.SweepOnce(ctx)
			if err != nil {
				s.logger.Warn("stale viewed sweep failed", zap.Error(err))
				continue
			}
			s.logger.Info("stale viewed sweep", zap.Int("removed", n))
		}
	}
}
