package index

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/memory-mesh/memory-mesh/pkg/observability"
)

// Stats describes the published graph for the storage status surface.
type Stats struct {
	Indexed      int       `json:"indexed"`
	ChangesSince int       `json:"changes_since_build"`
	LastBuild    time.Time `json:"last_build,omitempty"`
	Builds       int       `json:"builds"`
}

// Manager owns the index lifecycle for one shard. A new graph is built
// off to the side and published with a single atomic pointer swap, so
// in-flight searches keep reading the graph they started on and the old
// one is collected once they drain.
type Manager struct {
	cfg    Config
	logger observability.Logger

	graph        atomic.Pointer[Graph]
	changes      atomic.Int64
	builds       atomic.Int64
	lastBuildNs  atomic.Int64
	rebuildGroup singleflight.Group

	interval time.Duration
	now      func() time.Time
}

// NewManager returns a manager with no published graph. Searches fall
// back to brute force until the first Rebuild.
func NewManager(cfg Config, logger observability.Logger) *Manager {
	cfg = cfg.withDefaults()
	interval, err := time.ParseDuration(cfg.RebuildInterval)
	if err != nil || interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Manager{
		cfg:      cfg,
		logger:   logger,
		interval: interval,
		now:      time.Now,
	}
}

// Config returns the effective configuration after defaulting.
func (m *Manager) Config() Config { return m.cfg }

// Current returns the published graph, or nil when none is live.
func (m *Manager) Current() *Graph { return m.graph.Load() }

// RecordChanges notes n inserts or deletes since the last build. The
// counter feeds the rebuild policy.
func (m *Manager) RecordChanges(n int) {
	if n > 0 {
		m.changes.Add(int64(n))
	}
}

// NeedsRebuild reports whether the shard's live cardinality and the
// accumulated change count warrant building a fresh graph. Shards below
// the build threshold never build; above it, a rebuild fires when
// changes exceed the configured fraction of live records or the rebuild
// interval has elapsed with at least one change.
func (m *Manager) NeedsRebuild(live int) bool {
	changes := m.changes.Load()
	g := m.graph.Load()

	if g == nil {
		return live >= m.cfg.BuildThreshold && changes > 0
	}
	if live < m.cfg.BuildThreshold {
		// The shard shrank below the threshold; drop back to brute
		// force on the next rebuild pass.
		return changes > 0
	}
	if float64(changes) > m.cfg.RebuildFraction*float64(live) {
		return true
	}
	if changes > 0 && m.now().Sub(m.lastBuild()) >= m.interval {
		return true
	}
	return false
}

// Rebuild constructs a graph over items and publishes it. Concurrent
// callers coalesce onto one build. When items is below the build
// threshold the published graph is removed instead, returning the shard
// to brute force.
func (m *Manager) Rebuild(ctx context.Context, items []Item) error {
	_, err, _ := m.rebuildGroup.Do("rebuild", func() (interface{}, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		start := m.now()

		if len(items) < m.cfg.BuildThreshold {
			m.graph.Store(nil)
			m.changes.Store(0)
			m.lastBuildNs.Store(start.UnixNano())
			return nil, nil
		}

		seed := m.builds.Add(1)
		g := Build(items, m.cfg, seed)
		m.graph.Store(g)
		m.changes.Store(0)
		m.lastBuildNs.Store(start.UnixNano())

		m.logger.Info("index rebuilt", map[string]interface{}{
			"indexed":     g.Len(),
			"duration_ms": m.now().Sub(start).Milliseconds(),
		})
		return nil, nil
	})
	return err
}

// Invalidate removes the published graph after corruption is detected.
// Searches brute-force until the next rebuild.
func (m *Manager) Invalidate() {
	m.graph.Store(nil)
	m.changes.Add(1)
	m.logger.Warn("index invalidated", nil)
}

// Stats snapshots the manager state.
func (m *Manager) Stats() Stats {
	s := Stats{
		ChangesSince: int(m.changes.Load()),
		Builds:       int(m.builds.Load()),
	}
	if g := m.graph.Load(); g != nil {
		s.Indexed = g.Len()
	}
	if ns := m.lastBuildNs.Load(); ns > 0 {
		s.LastBuild = time.Unix(0, ns).UTC()
	}
	return s
}

func (m *Manager) lastBuild() time.Time {
	ns := m.lastBuildNs.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
