// Package shard ties one routing partition together: the hot and warm
// stores, the cold archive, the dedup index, the ANN manager and the
// degraded flag. The shard is the unit of single-writer ownership; the
// ingestion pipeline and the aging pass mutate it, queries read it.
package shard

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"

	"github.com/memory-mesh/memory-mesh/internal/dedup"
	"github.com/memory-mesh/memory-mesh/internal/index"
	"github.com/memory-mesh/memory-mesh/internal/store/cold"
	"github.com/memory-mesh/memory-mesh/internal/store/hot"
	"github.com/memory-mesh/memory-mesh/internal/store/warm"
	"github.com/memory-mesh/memory-mesh/pkg/faults"
	"github.com/memory-mesh/memory-mesh/pkg/models"
	"github.com/memory-mesh/memory-mesh/pkg/observability"
)

// Alerter receives operational alerts. The alerting manager satisfies
// it; tests pass a recorder.
type Alerter interface {
	Emit(alertType string, severity models.AlertSeverity, message string, metadata map[string]string)
}

// Layout computes on-disk locations under one base directory.
type Layout struct {
	Base string
}

func (l Layout) HotDir(id int) string {
	return filepath.Join(l.Base, "hot", fmt.Sprintf("shard-%d", id))
}

func (l Layout) WarmDir(id int) string {
	return filepath.Join(l.Base, "warm", fmt.Sprintf("shard-%d", id))
}

func (l Layout) ColdDir(id int) string {
	return filepath.Join(l.Base, "cold", fmt.Sprintf("shard-%d", id))
}

func (l Layout) DedupFile(id int) string {
	return filepath.Join(l.Base, "dedup", fmt.Sprintf("shard-%d.sig", id))
}

func (l Layout) GraphSnapshotDir() string {
	return filepath.Join(l.Base, "graph", "snapshots")
}

// Options configures one shard.
type Options struct {
	ID     int
	Layout Layout
	Index  index.Config
	Dedup  dedup.Config

	Logger  observability.Logger
	Alerter Alerter
}

// Status is the per-shard slice of the storage-status surface.
type Status struct {
	ShardID       int         `json:"shard_id"`
	HotRecords    int         `json:"hot_records"`
	WarmRecords   int         `json:"warm_records"`
	ColdRecords   int         `json:"cold_records"`
	DedupEntries  int         `json:"dedup_entries"`
	Index         index.Stats `json:"index"`
	Degraded      bool        `json:"degraded"`
	AgingActive   bool        `json:"aging_active"`
	CorruptFrames int         `json:"corrupt_frames,omitempty"`
}

// Shard is one routing partition.
type Shard struct {
	id     int
	layout Layout

	hot   *hot.Store
	warm  *warm.Store
	cold  *cold.Store
	dedup *dedup.Index
	index *index.Manager

	degraded atomic.Bool
	aging    atomic.Bool

	logger  observability.Logger
	alerter Alerter
}

// Open loads a shard from disk: hot snapshot, warm day files, cold
// segment counts and the dedup signature file. The dedup index is
// re-seeded from the loaded stores so it can never lag what is actually
// stored. Corruption found while loading is alerted but does not fail
// the open; the intact data serves.
func Open(opts Options) (*Shard, error) {
	logger := opts.Logger
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	logger = logger.With(map[string]interface{}{"shard": opts.ID})

	s := &Shard{
		id:      opts.ID,
		layout:  opts.Layout,
		logger:  logger,
		alerter: opts.Alerter,
	}

	s.hot = hot.New(logger)
	restored, err := s.hot.LoadSnapshot(opts.Layout.HotDir(opts.ID))
	if err != nil {
		return nil, fmt.Errorf("shard %d hot: %w", opts.ID, err)
	}

	s.warm, err = warm.Open(opts.Layout.WarmDir(opts.ID), logger)
	if err != nil {
		return nil, fmt.Errorf("shard %d warm: %w", opts.ID, err)
	}

	s.cold, err = cold.Open(opts.Layout.ColdDir(opts.ID), logger)
	if err != nil {
		return nil, fmt.Errorf("shard %d cold: %w", opts.ID, err)
	}

	s.dedup, err = dedup.LoadFile(opts.Layout.DedupFile(opts.ID), opts.Dedup, logger)
	if err != nil {
		return nil, fmt.Errorf("shard %d dedup: %w", opts.ID, err)
	}
	s.seedDedup()

	s.index = index.NewManager(opts.Index, logger)
	// Restored records count as pending changes so the first
	// maintenance pass builds a graph for a shard that warrants one.
	s.index.RecordChanges(restored)

	if n := s.corruptFrames(); n > 0 {
		s.emit(models.AlertTypeDataCorruption, models.SeverityWarning,
			fmt.Sprintf("shard %d dropped %d corrupt frames while loading", opts.ID, n),
			map[string]string{"shard": fmt.Sprint(opts.ID)})
	}
	return s, nil
}

// seedDedup folds every stored record into the dedup index,
// self-healing a stale or missing signature file.
func (s *Shard) seedDedup() {
	for _, rec := range s.hot.Scan(nil, 0) {
		s.dedup.Add(rec.RecordID, rec.ContentHash, rec.MinHashSig)
	}
	for _, rec := range s.warm.Scan(nil, 0) {
		s.dedup.Add(rec.RecordID, rec.ContentHash, rec.MinHashSig)
	}
}

// ID returns the shard number.
func (s *Shard) ID() int { return s.id }

// Hot exposes the hot store for scans and snapshots.
func (s *Shard) Hot() *hot.Store { return s.hot }

// Warm exposes the warm store.
func (s *Shard) Warm() *warm.Store { return s.warm }

// Cold exposes the cold archive.
func (s *Shard) Cold() *cold.Store { return s.cold }

// Dedup exposes the duplicate detector.
func (s *Shard) Dedup() *dedup.Index { return s.dedup }

// Degraded reports whether the shard's index is suspect.
func (s *Shard) Degraded() bool { return s.degraded.Load() }

// InsertHot adds a record to the hot tier. Degraded shards refuse new
// inserts until repaired.
func (s *Shard) InsertHot(rec *models.Record) error {
	if s.degraded.Load() {
		return faults.Newf(faults.KindCorruption, "shard %d is degraded, not accepting inserts", s.id)
	}
	if err := s.hot.Insert(rec); err != nil {
		return err
	}
	s.index.RecordChanges(1)
	return nil
}

// DeleteHot removes records from the hot tier, returning how many were
// present. Deletions count toward the index rebuild policy.
func (s *Shard) DeleteHot(recordIDs []string) int {
	removed := 0
	for _, id := range recordIDs {
		if s.hot.Delete(id) {
			removed++
		}
	}
	s.index.RecordChanges(removed)
	return removed
}

// Search serves one shard's leg of a fan-out: hot tier first (through
// the graph when one is live), then warm fills up to k if the hot tier
// came up short. Results are not globally sorted; the coordinator
// merges across shards.
func (s *Shard) Search(ctx context.Context, query []float32, k int, filter models.SearchFilter, threshold float64) ([]models.SearchResult, error) {
	if k <= 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	hits := s.searchHot(query, k, filter, threshold)

	if len(hits) < k {
		if err := ctx.Err(); err != nil {
			return hits, err
		}
		hits = append(hits, s.warm.Search(query, k-len(hits), filter, threshold)...)
	}
	return hits, nil
}

func (s *Shard) searchHot(query []float32, k int, filter models.SearchFilter, threshold float64) []models.SearchResult {
	g := s.index.Current()
	if g == nil || s.degraded.Load() {
		return s.hot.Search(query, k, filter, threshold)
	}

	// Post-ANN filtering starts 4x wide and refetches wider while
	// filtered hits stay under k.
	widen := k
	if !filter.Empty() {
		widen = 4 * k
	}
	for {
		cands, err := g.Search(query, widen, 0)
		if err != nil {
			s.MarkDegraded("index corruption at search time")
			return s.hot.Search(query, k, filter, threshold)
		}

		hits := make([]models.SearchResult, 0, k)
		for _, c := range cands {
			hit, ok := s.hot.Candidate(c.ID, query, filter)
			if !ok || hit.Score < threshold {
				continue
			}
			hits = append(hits, hit)
			if len(hits) == k {
				return hits
			}
		}
		if widen >= g.Len() {
			return hits
		}
		widen *= 4
	}
}

// FacetCounts tallies the values of one metadata field over the hot
// and warm records matching the filter. The always-false predicate
// keeps Scan from cloning anything.
func (s *Shard) FacetCounts(field string, filter models.SearchFilter) map[string]int {
	counts := make(map[string]int)
	tally := func(rec *models.Record) bool {
		if !filter.Matches(rec) {
			return false
		}
		if v, ok := rec.Metadata[field]; ok {
			counts[v]++
		}
		return false
	}
	s.hot.Scan(tally, 0)
	s.warm.Scan(tally, 0)
	return counts
}

// MarkDegraded flips the shard to brute-force service, invalidates the
// index and emits a shard_degraded alert. Repair happens on the next
// successful rebuild.
func (s *Shard) MarkDegraded(reason string) {
	if !s.degraded.CompareAndSwap(false, true) {
		return
	}
	s.index.Invalidate()
	s.logger.Error("shard degraded", map[string]interface{}{"reason": reason})
	s.emit(models.AlertTypeShardDegraded, models.SeverityCritical,
		fmt.Sprintf("shard %d degraded: %s", s.id, reason),
		map[string]string{"shard": fmt.Sprint(s.id)})
}

// Maintain runs one index maintenance pass: rebuild when the change
// budget or interval says so, or when the shard is degraded and needs
// its repair build. Reports whether a rebuild ran.
func (s *Shard) Maintain(ctx context.Context) (bool, error) {
	if !s.degraded.Load() && !s.index.NeedsRebuild(s.hot.Len()) {
		return false, nil
	}

	refs := s.hot.Embeddings()
	items := make([]index.Item, len(refs))
	for i, r := range refs {
		items[i] = index.Item{ID: r.ID, Vector: r.Vector}
	}
	before := s.index.Stats().Builds
	if err := s.index.Rebuild(ctx, items); err != nil {
		return false, fmt.Errorf("shard %d rebuild: %w", s.id, err)
	}
	if s.degraded.CompareAndSwap(true, false) {
		s.logger.Info("shard repaired, serving from fresh index", nil)
	}
	return s.index.Stats().Builds > before, nil
}

// TryBeginAging acquires the shard's aging lease. At most one aging
// pass may hold it.
func (s *Shard) TryBeginAging() bool {
	return s.aging.CompareAndSwap(false, true)
}

// EndAging releases the aging lease.
func (s *Shard) EndAging() {
	s.aging.Store(false)
}

// Save persists the restart-critical state: the hot snapshot and the
// dedup signature file. Warm and cold are already durable.
func (s *Shard) Save() error {
	if err := s.hot.WriteSnapshot(s.layout.HotDir(s.id)); err != nil {
		return err
	}
	return s.dedup.SaveFile(s.layout.DedupFile(s.id))
}

// SaveDedup flushes only the signature file; aging calls this after
// each pass.
func (s *Shard) SaveDedup() error {
	return s.dedup.SaveFile(s.layout.DedupFile(s.id))
}

// Status snapshots the shard for the storage-status surface.
func (s *Shard) Status() Status {
	return Status{
		ShardID:       s.id,
		HotRecords:    s.hot.Len(),
		WarmRecords:   s.warm.Len(),
		ColdRecords:   s.cold.Len(),
		DedupEntries:  s.dedup.Len(),
		Index:         s.index.Stats(),
		Degraded:      s.degraded.Load(),
		AgingActive:   s.aging.Load(),
		CorruptFrames: s.corruptFrames(),
	}
}

func (s *Shard) corruptFrames() int {
	return s.hot.CorruptFrames() + s.warm.CorruptFrames() + s.cold.CorruptFiles()
}

func (s *Shard) emit(alertType string, severity models.AlertSeverity, message string, metadata map[string]string) {
	if s.alerter != nil {
		s.alerter.Emit(alertType, severity, message, metadata)
	}
}
