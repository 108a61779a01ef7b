package shard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/memory-mesh/memory-mesh/internal/dedup"
	"github.com/memory-mesh/memory-mesh/internal/index"
	"github.com/memory-mesh/memory-mesh/internal/metrics"
	"github.com/memory-mesh/memory-mesh/internal/router"
	"github.com/memory-mesh/memory-mesh/pkg/observability"
)

// SetConfig sizes the shard set.
type SetConfig struct {
	ShardCount int
	Base       string
	Index      index.Config
	Dedup      dedup.Config
	// Metrics receives the index-build counter; nil disables it.
	Metrics *metrics.Metrics
	// MaintenanceInterval is how often each shard's index policy is
	// evaluated.
	MaintenanceInterval time.Duration
}

// Set owns every shard plus the background index-maintenance loop.
type Set struct {
	shards   []*Shard
	router   *router.Router
	logger   observability.Logger
	mets     *metrics.Metrics
	interval time.Duration

	mu      sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
}

// NewSet opens all shards under cfg.Base.
func NewSet(cfg SetConfig, logger observability.Logger, alerter Alerter) (*Set, error) {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	r, err := router.New(cfg.ShardCount)
	if err != nil {
		return nil, err
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = 30 * time.Second
	}

	layout := Layout{Base: cfg.Base}
	shards := make([]*Shard, cfg.ShardCount)
	for i := 0; i < cfg.ShardCount; i++ {
		s, err := Open(Options{
			ID:      i,
			Layout:  layout,
			Index:   cfg.Index,
			Dedup:   cfg.Dedup,
			Logger:  logger,
			Alerter: alerter,
		})
		if err != nil {
			return nil, err
		}
		shards[i] = s
	}

	logger.Info("shard set opened", map[string]interface{}{
		"shards": cfg.ShardCount,
		"base":   cfg.Base,
	})
	return &Set{
		shards:   shards,
		router:   r,
		logger:   logger,
		mets:     cfg.Metrics,
		interval: cfg.MaintenanceInterval,
	}, nil
}

// Count returns the number of shards.
func (ss *Set) Count() int { return len(ss.shards) }

// Shard returns shard i.
func (ss *Set) Shard(i int) *Shard { return ss.shards[i] }

// All returns every shard, in id order.
func (ss *Set) All() []*Shard { return ss.shards }

// ForSystem routes a tenant to its shard.
func (ss *Set) ForSystem(systemID string) *Shard {
	return ss.shards[ss.router.ShardOf(systemID)]
}

// Targets resolves a query's fan-out: one shard for a scoped query,
// all shards otherwise.
func (ss *Set) Targets(systemID string) []*Shard {
	ids := ss.router.Targets(systemID)
	out := make([]*Shard, len(ids))
	for i, id := range ids {
		out[i] = ss.shards[id]
	}
	return out
}

// Router exposes the routing function for callers that only need
// shard ids.
func (ss *Set) Router() *router.Router { return ss.router }

// Start launches the maintenance loop. Safe to call once.
func (ss *Set) Start(ctx context.Context) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.started {
		return
	}
	ss.started = true
	ss.stopCh = make(chan struct{})
	ss.doneCh = make(chan struct{})
	go ss.maintenanceLoop(ctx)
}

// Stop halts the maintenance loop and waits for it to exit.
func (ss *Set) Stop() {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if !ss.started {
		return
	}
	close(ss.stopCh)
	<-ss.doneCh
	ss.started = false
}

func (ss *Set) maintenanceLoop(ctx context.Context) {
	defer close(ss.doneCh)
	ticker := time.NewTicker(ss.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ss.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			ss.MaintainAll(ctx)
		}
	}
}

// MaintainAll runs one maintenance pass over every shard. Errors are
// logged per shard; one failing shard does not stop the rest.
func (ss *Set) MaintainAll(ctx context.Context) {
	for _, s := range ss.shards {
		if ctx.Err() != nil {
			return
		}
		rebuilt, err := s.Maintain(ctx)
		if err != nil {
			ss.logger.Warn("shard maintenance failed", map[string]interface{}{
				"shard": s.ID(),
				"error": err.Error(),
			})
			continue
		}
		if rebuilt && ss.mets != nil {
			ss.mets.IndexBuilds.Inc()
		}
	}
}

// SaveAll persists every shard's restart-critical state.
func (ss *Set) SaveAll() error {
	var firstErr error
	for _, s := range ss.shards {
		if err := s.Save(); err != nil {
			ss.logger.Error("shard save failed", map[string]interface{}{
				"shard": s.ID(),
				"error": err.Error(),
			})
			if firstErr == nil {
				firstErr = fmt.Errorf("shard %d save: %w", s.ID(), err)
			}
		}
	}
	return firstErr
}

// Statuses snapshots every shard for the storage-status surface.
func (ss *Set) Statuses() []Status {
	out := make([]Status, len(ss.shards))
	for i, s := range ss.shards {
		out[i] = s.Status()
	}
	return out
}
