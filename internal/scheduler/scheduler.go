// Package scheduler feeds the pipeline: it polls the configured sources for
// new videos and re-offers quota-parked jobs when budget frees up. Discovery
// is idempotent because job identity is the (source, video) pair; seeing the
// same video twice is a no-op.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"vodsum/internal/config"
	"vodsum/internal/discovery"
	"vodsum/internal/logging"
	"vodsum/internal/queue"
	"vodsum/internal/quota"
	"vodsum/internal/services"
	"vodsum/internal/services/feed"
	"vodsum/internal/services/scrape"
)

// reofferBatchSize caps how many parked jobs one pass releases beyond the
// remaining budget, so a deep backlog drains across days without flooding
// the transcribed queue.
const reofferBatchSize = 50

// ListerResolver produces the discovery adapter for one configured source.
type ListerResolver func(source config.Source) (discovery.Lister, error)

// Scheduler drives periodic discovery and quota re-offer passes.
type Scheduler struct {
	cfg      *config.Config
	store    *queue.Store
	limiter  *quota.Limiter
	logger   *slog.Logger
	interval time.Duration
	resolve  ListerResolver

	mu      sync.Mutex
	listers map[string]discovery.Lister
}

// NewScheduler constructs a scheduler with the standard feed and listing
// adapters.
func NewScheduler(cfg *config.Config, store *queue.Store, limiter *quota.Limiter, logger *slog.Logger) *Scheduler {
	s := &Scheduler{
		cfg:      cfg,
		store:    store,
		limiter:  limiter,
		logger:   logging.NewComponentLogger(logger, "scheduler"),
		interval: time.Duration(cfg.Discovery.IntervalSeconds) * time.Second,
		listers:  make(map[string]discovery.Lister),
	}
	s.resolve = s.defaultLister
	return s
}

// NewSchedulerWithResolver swaps the adapter factory (used in tests).
func NewSchedulerWithResolver(cfg *config.Config, store *queue.Store, limiter *quota.Limiter, logger *slog.Logger, resolve ListerResolver) *Scheduler {
	s := NewScheduler(cfg, store, limiter, logger)
	s.resolve = resolve
	return s
}

func (s *Scheduler) defaultLister(source config.Source) (discovery.Lister, error) {
	timeout := time.Duration(s.cfg.Discovery.RequestTimeout) * time.Second
	switch source.Kind {
	case "", "feed":
		return feed.NewClient(timeout), nil
	case "listing":
		return scrape.NewClient(source.Selector, timeout)
	default:
		return nil, services.Wrap(services.ErrConfiguration, "scheduler", "resolve", fmt.Sprintf("unknown source kind %q", source.Kind), nil)
	}
}

func (s *Scheduler) listerFor(source config.Source) (discovery.Lister, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lister, ok := s.listers[source.ID]; ok {
		return lister, nil
	}
	lister, err := s.resolve(source)
	if err != nil {
		return nil, err
	}
	s.listers[source.ID] = lister
	return lister, nil
}

// Run performs an immediate pass and then repeats on the discovery interval
// until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.runOnce(ctx)

	interval := s.interval
	if interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	if _, err := s.DiscoverOnce(ctx); err != nil {
		s.logger.Error("discovery pass failed", logging.Error(err))
	}
	if _, err := s.ReofferOnce(ctx); err != nil {
		s.logger.Error("quota re-offer pass failed", logging.Error(err))
	}
}

// DiscoverOnce polls every active source and enqueues unseen videos. A
// failing source does not block the rest; the pass reports the last source
// error after visiting all of them.
func (s *Scheduler) DiscoverOnce(ctx context.Context) (int, error) {
	var created int
	var lastErr error
	for _, source := range s.cfg.Discovery.Sources {
		if source.Paused {
			continue
		}
		if ctx.Err() != nil {
			return created, ctx.Err()
		}
		n, err := s.discoverSource(ctx, source)
		created += n
		if err != nil {
			lastErr = err
			s.logger.Warn("source discovery failed",
				logging.String(logging.FieldSourceID, source.ID),
				logging.Error(err),
			)
		}
	}
	if created > 0 {
		s.logger.Info("discovery pass enqueued new jobs", logging.Int("created", created))
	}
	return created, lastErr
}

func (s *Scheduler) discoverSource(ctx context.Context, source config.Source) (int, error) {
	lister, err := s.listerFor(source)
	if err != nil {
		return 0, err
	}
	videos, err := lister.List(ctx, source.URL)
	if err != nil {
		return 0, fmt.Errorf("list %s: %w", source.ID, err)
	}

	var created int
	for _, video := range videos {
		_, fresh, err := s.store.NewJob(ctx, source.ID, video.VideoID, video.Title, video.URL, video.DurationSeconds)
		if err != nil {
			return created, fmt.Errorf("enqueue %s/%s: %w", source.ID, video.VideoID, err)
		}
		if fresh {
			created++
			s.logger.Info("discovered video",
				logging.String(logging.FieldSourceID, source.ID),
				logging.String(logging.FieldVideoID, video.VideoID),
				logging.Int64("duration_seconds", video.DurationSeconds),
			)
		}
	}
	return created, nil
}

// ReofferOnce releases parked jobs back to the transcribed queue, oldest
// first, up to the remaining daily budget. With no budget left the parked
// jobs stay put until the window rolls over.
func (s *Scheduler) ReofferOnce(ctx context.Context) (int, error) {
	if s.limiter == nil {
		return 0, nil
	}
	remaining, err := s.limiter.Remaining(ctx)
	if err != nil {
		return 0, fmt.Errorf("quota remaining: %w", err)
	}
	if remaining <= 0 {
		return 0, nil
	}
	if remaining > reofferBatchSize {
		remaining = reofferBatchSize
	}

	released, err := s.store.ReofferAwaitingQuota(ctx, remaining)
	if err != nil {
		return len(released), fmt.Errorf("re-offer parked jobs: %w", err)
	}
	for _, item := range released {
		s.logger.Info("re-offered parked job",
			logging.Int64(logging.FieldJobID, item.ID),
			logging.String(logging.FieldVideoID, item.VideoID),
		)
	}
	return len(released), nil
}
