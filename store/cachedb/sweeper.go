package cachedb

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ajaytamvada/procleo-offline-cache/policy"
	"github.com/ajaytamvada/procleo-offline-cache/telemetry"
)

// Sweeper removes expired entries on an interval independent of
// request traffic, and applies the pluggable eviction strategy to
// whatever survives TTL expiry.
type Sweeper struct {
	store    Store
	engine   *policy.Engine
	strategy policy.EvictionStrategy
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	running   bool
	stopped   bool
	lastSweep time.Time
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepInterval sets how often the sweep runs. Default 5 minutes.
func WithSweepInterval(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		s.interval = d
	}
}

// WithStrategy sets the eviction strategy applied after TTL expiry.
func WithStrategy(strategy policy.EvictionStrategy) SweeperOption {
	return func(s *Sweeper) {
		s.strategy = strategy
	}
}

// WithSweeperLogger sets the logger for the sweeper.
func WithSweeperLogger(logger *slog.Logger) SweeperOption {
	return func(s *Sweeper) {
		s.logger = logger
	}
}

// WithSweeperNow sets the time function for testing.
func WithSweeperNow(now func() time.Time) SweeperOption {
	return func(s *Sweeper) {
		s.now = now
	}
}

// NewSweeper creates a sweeper over the store using the engine's
// expiry cutoff.
func NewSweeper(store Store, engine *policy.Engine, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		store:    store,
		engine:   engine,
		strategy: policy.NoEviction{},
		interval: 5 * time.Minute,
		logger:   slog.Default(),
		now:      time.Now,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins background sweeps.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running || s.stopped {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	go s.run(ctx)
}

// Stop stops background sweeps and waits for the loop to exit.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.stopCh)
	<-s.doneCh
}

// LastSweep returns when the last sweep completed.
func (s *Sweeper) LastSweep() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSweep
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Debug("sweeper started", "interval", s.interval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// SweepResult reports one sweep cycle.
type SweepResult struct {
	Expired    int
	Evicted    int
	BytesFreed int64
	Errors     int
	Duration   time.Duration
}

// RunOnce performs a single sweep cycle.
func (s *Sweeper) RunOnce(ctx context.Context) *SweepResult {
	start := s.now()
	result := &SweepResult{}

	infos, err := s.store.Infos(ctx)
	if err != nil {
		s.logger.Error("failed to list cache entries", "error", err)
		result.Errors++
		return result
	}

	cutoff := s.engine.Cutoff()

	var remaining []policy.EntryInfo
	for _, info := range infos {
		if info.StoredAt.Before(cutoff) {
			if err := s.store.Delete(ctx, info.Partition, info.Key); err != nil {
				s.logger.Warn("failed to delete expired entry",
					"partition", info.Partition,
					"key", info.Key,
					"error", err)
				result.Errors++
				continue
			}
			result.Expired++
			result.BytesFreed += info.Size
			continue
		}
		remaining = append(remaining, policy.EntryInfo{
			Partition: info.Partition,
			Key:       info.Key,
			Size:      info.Size,
			StoredAt:  info.StoredAt,
		})
	}

	for _, victim := range s.strategy.Plan(remaining) {
		if err := s.store.Delete(ctx, victim.Partition, victim.Key); err != nil {
			s.logger.Warn("failed to evict entry",
				"partition", victim.Partition,
				"key", victim.Key,
				"error", err)
			result.Errors++
			continue
		}
		result.Evicted++
		result.BytesFreed += victim.Size
	}

	result.Duration = s.now().Sub(start)

	s.mu.Lock()
	s.lastSweep = s.now()
	s.mu.Unlock()

	telemetry.RecordSweep(ctx, result.Expired, result.Evicted, result.Duration)

	if result.Expired > 0 || result.Evicted > 0 {
		s.logger.Info("sweep complete",
			"expired", result.Expired,
			"evicted", result.Evicted,
			"bytes_freed", result.BytesFreed,
			"duration", result.Duration,
		)
	} else {
		s.logger.Debug("sweep complete, nothing to remove")
	}

	return result
}
