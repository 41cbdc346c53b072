// Package workflow coordinates job progression through the pipeline. The
// manager advances one phase per call with a durable commit at every phase
// boundary, so a crash between phases never loses more than the in-flight
// phase's work.
package workflow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"vodsum/internal/config"
	"vodsum/internal/fanout"
	"vodsum/internal/logging"
	"vodsum/internal/notifications"
	"vodsum/internal/queue"
	"vodsum/internal/quota"
)

// Distributor fans a completed job out to its subscribers.
type Distributor interface {
	Distribute(ctx context.Context, item *queue.Item) (fanout.Result, error)
}

// Manager coordinates queue processing using registered stage handlers.
type Manager struct {
	cfg          *config.Config
	store        *queue.Store
	logger       *slog.Logger
	pollInterval time.Duration
	notifier     notifications.Service
	limiter      *quota.Limiter
	distributor  Distributor

	heartbeat *HeartbeatMonitor

	lanes     map[laneKind]*laneState
	laneOrder []laneKind

	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	lastErr error
}

// NewManager constructs a workflow manager over the shared store. The limiter
// and distributor gate the summarize and distribution phases respectively.
func NewManager(cfg *config.Config, store *queue.Store, logger *slog.Logger, notifier notifications.Service, limiter *quota.Limiter, distributor Distributor) *Manager {
	if notifier == nil {
		notifier = notifications.NewService(cfg)
	}
	return &Manager{
		cfg:          cfg,
		store:        store,
		logger:       logging.NewComponentLogger(logger, "workflow"),
		pollInterval: time.Duration(cfg.Workflow.QueuePollInterval) * time.Second,
		notifier:     notifier,
		limiter:      limiter,
		distributor:  distributor,
		heartbeat: NewHeartbeatMonitor(
			store,
			logger,
			time.Duration(cfg.Workflow.HeartbeatInterval)*time.Second,
			time.Duration(cfg.Workflow.HeartbeatTimeout)*time.Second,
		),
		lanes: make(map[laneKind]*laneState),
	}
}

func (m *Manager) setLastError(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}

// LastError returns the most recent lane-level failure, if any.
func (m *Manager) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}
