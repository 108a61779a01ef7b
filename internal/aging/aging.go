// Package aging migrates records down the tier ladder. Hot records
// older than the hot TTL are quantized and summarized into Warm; Warm
// records older than the warm TTL are reduced to ultra summaries and
// appended to Cold. Each shard is aged independently under its aging
// lease, so queries keep running against a consistent view while a
// pass is in flight.
package aging

import (
	"context"
	"runtime"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/memory-mesh/memory-mesh/internal/analytics"
	"github.com/memory-mesh/memory-mesh/internal/dedup"
	"github.com/memory-mesh/memory-mesh/internal/metrics"
	"github.com/memory-mesh/memory-mesh/internal/shard"
	"github.com/memory-mesh/memory-mesh/internal/store/cold"
	"github.com/memory-mesh/memory-mesh/pkg/models"
	"github.com/memory-mesh/memory-mesh/pkg/observability"
	"github.com/memory-mesh/memory-mesh/pkg/summarize"
	"github.com/memory-mesh/memory-mesh/pkg/vectormath"
)

const (
	// DefaultPeriod is how often a full pass over all shards runs.
	DefaultPeriod = time.Hour
	// DefaultBatchSize caps how many records one migration batch moves.
	DefaultBatchSize = 1000
	// DefaultHotTTL is the age at which a record leaves the hot tier.
	DefaultHotTTL = 7 * 24 * time.Hour
	// DefaultWarmTTL is the age at which a record leaves the warm tier.
	DefaultWarmTTL = 90 * 24 * time.Hour

	summarySentences = 3
)

// Config controls pass cadence and migration thresholds.
type Config struct {
	Period    time.Duration
	BatchSize int
	HotTTL    time.Duration
	WarmTTL   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Period <= 0 {
		c.Period = DefaultPeriod
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.HotTTL < 0 {
		c.HotTTL = DefaultHotTTL
	}
	if c.WarmTTL <= 0 {
		c.WarmTTL = DefaultWarmTTL
	}
	return c
}

// ShardReport summarizes one shard's aging pass.
type ShardReport struct {
	ShardID    int
	Skipped    bool
	HotToWarm  int
	WarmToCold int
	PrunedDays int
	Err        error
}

// PassStats aggregates a full pass over the shard set.
type PassStats struct {
	ShardsAged    int
	ShardsSkipped int
	HotToWarm     int
	WarmToCold    int
	Errors        int
}

// Scheduler runs periodic aging passes over a shard set.
type Scheduler struct {
	cfg     Config
	set     *shard.Set
	stats   *analytics.Engine
	mets    *metrics.Metrics
	alerter shard.Alerter
	logger  observability.Logger

	// now is swapped in tests to pin TTL cutoffs.
	now func() time.Time

	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
}

// New builds a scheduler. stats, mets and alerter may each be nil when
// the corresponding sink is not wired.
func New(cfg Config, set *shard.Set, stats *analytics.Engine, mets *metrics.Metrics, alerter shard.Alerter, logger observability.Logger) *Scheduler {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Scheduler{
		cfg:     cfg.withDefaults(),
		set:     set,
		stats:   stats,
		mets:    mets,
		alerter: alerter,
		logger:  logger,
		now:     time.Now,
	}
}

// Start launches the periodic pass loop. Safe to call once.
func (s *Scheduler) Start(ctx context.Context) {
	if s.started {
		return
	}
	s.started = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.loop(ctx)
	s.logger.Info("aging scheduler started", map[string]interface{}{
		"period":     s.cfg.Period.String(),
		"batch_size": s.cfg.BatchSize,
		"hot_ttl":    s.cfg.HotTTL.String(),
		"warm_ttl":   s.cfg.WarmTTL.String(),
	})
}

// Stop halts the loop and waits for it to exit. An in-progress batch
// finishes; the next batch is not started.
func (s *Scheduler) Stop() {
	if !s.started {
		return
	}
	close(s.stopCh)
	<-s.doneCh
	s.started = false
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.cfg.Period)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunPass(ctx)
		}
	}
}

// RunPass ages every shard once. Errors are counted per shard; one
// failing shard does not stop the rest.
func (s *Scheduler) RunPass(ctx context.Context) PassStats {
	ctx, span := observability.StartSpan(ctx, "aging.pass")
	defer span.End()

	start := time.Now()
	var ps PassStats
	for _, sh := range s.set.All() {
		if s.cancelled(ctx) {
			break
		}
		rep := s.AgeShard(ctx, sh)
		if rep.Skipped {
			ps.ShardsSkipped++
			continue
		}
		ps.ShardsAged++
		ps.HotToWarm += rep.HotToWarm
		ps.WarmToCold += rep.WarmToCold
		if rep.Err != nil {
			ps.Errors++
		}
	}
	s.logger.Info("aging pass complete", map[string]interface{}{
		"shards_aged":    ps.ShardsAged,
		"shards_skipped": ps.ShardsSkipped,
		"hot_to_warm":    ps.HotToWarm,
		"warm_to_cold":   ps.WarmToCold,
		"errors":         ps.Errors,
		"duration_ms":    time.Since(start).Milliseconds(),
	})
	return ps
}

// AgeShard runs one pass over a single shard: Hot→Warm, then
// Warm→Cold, then day-file pruning and a dedup checkpoint. The shard
// is skipped when it is degraded or another pass holds its aging
// lease.
func (s *Scheduler) AgeShard(ctx context.Context, sh *shard.Shard) ShardReport {
	rep := ShardReport{ShardID: sh.ID()}
	if sh.Degraded() {
		rep.Skipped = true
		return rep
	}
	if !sh.TryBeginAging() {
		rep.Skipped = true
		return rep
	}
	defer sh.EndAging()

	var err error
	rep.HotToWarm, err = s.hotToWarm(ctx, sh)
	if err != nil && rep.Err == nil {
		rep.Err = err
	}
	rep.WarmToCold, err = s.warmToCold(ctx, sh)
	if err != nil && rep.Err == nil {
		rep.Err = err
	}

	pruned, err := sh.Warm().PruneEmptyDays()
	if err != nil && rep.Err == nil {
		rep.Err = err
	}
	rep.PrunedDays = len(pruned)

	// The dedup index outlives record content, so it is checkpointed
	// even when nothing moved this pass.
	if err := sh.SaveDedup(); err != nil {
		s.logger.Warn("dedup checkpoint failed", map[string]interface{}{
			"shard": sh.ID(),
			"error": err.Error(),
		})
		if rep.Err == nil {
			rep.Err = err
		}
	}

	s.updateShardGauges(sh)
	if rep.HotToWarm > 0 || rep.WarmToCold > 0 || rep.Err != nil {
		s.logger.Debug("shard aged", map[string]interface{}{
			"shard":        sh.ID(),
			"hot_to_warm":  rep.HotToWarm,
			"warm_to_cold": rep.WarmToCold,
			"pruned_days":  rep.PrunedDays,
		})
	}
	return rep
}

// hotToWarm drains expired records from Hot in batches. Warm insert
// success strictly precedes Hot delete, so a failure mid-batch leaves
// every record still readable from Hot.
func (s *Scheduler) hotToWarm(ctx context.Context, sh *shard.Shard) (int, error) {
	cutoff := s.now().Add(-s.cfg.HotTTL)
	moved := 0
	for !s.cancelled(ctx) {
		batch := sh.Hot().Scan(func(r *models.Record) bool {
			return r.Timestamp.Before(cutoff)
		}, s.cfg.BatchSize)
		if len(batch) == 0 {
			break
		}

		// A record already present in Warm is a leftover from a pass
		// that failed between insert and delete. Only the Hot copy is
		// dropped.
		fresh := batch[:0]
		var stale []string
		for _, rec := range batch {
			if sh.Warm().Has(rec.RecordID) {
				stale = append(stale, rec.RecordID)
				continue
			}
			fresh = append(fresh, rec)
		}
		if len(stale) > 0 {
			sh.DeleteHot(stale)
			s.logger.Warn("resolved hot/warm duplicates", map[string]interface{}{
				"shard": sh.ID(),
				"count": len(stale),
			})
		}
		if len(fresh) == 0 {
			continue
		}

		warmRecs := transformHotBatch(fresh)
		if _, err := sh.Warm().InsertBatch(warmRecs); err != nil {
			s.alertFailure(sh, "hot_to_warm", err)
			return moved, err
		}
		sh.DeleteHot(recordIDs(fresh))

		moved += len(fresh)
		s.countMigration("hot_to_warm", len(fresh))
		s.recordAged(analytics.MetricAgedWarm, fresh)
		if len(batch) < s.cfg.BatchSize {
			break
		}
	}
	return moved, nil
}

// warmToCold archives expired Warm records. The Cold append is durable
// before the Warm rows are deleted; a crash in between leaves the
// record in both tiers, which the archive tolerates.
func (s *Scheduler) warmToCold(ctx context.Context, sh *shard.Shard) (int, error) {
	cutoff := s.now().Add(-s.cfg.WarmTTL)
	moved := 0
	for !s.cancelled(ctx) {
		batch := sh.Warm().Scan(func(r *models.Record) bool {
			return r.Timestamp.Before(cutoff)
		}, s.cfg.BatchSize)
		if len(batch) == 0 {
			break
		}

		rows := transformWarmBatch(batch)
		if err := sh.Cold().AppendBatch(ctx, rows); err != nil {
			s.alertFailure(sh, "warm_to_cold", err)
			return moved, err
		}
		if _, err := sh.Warm().DeleteBatch(recordIDs(batch)); err != nil {
			s.alertFailure(sh, "warm_to_cold", err)
			return moved, err
		}

		moved += len(batch)
		s.countMigration("warm_to_cold", len(batch))
		s.recordAged(analytics.MetricAgedCold, batch)
		if len(batch) < s.cfg.BatchSize {
			break
		}
	}
	return moved, nil
}

// transformHotBatch produces the warm-tier form of each record:
// int8-quantized embedding and a three-sentence extractive summary,
// with the full-precision vector and original content dropped. The
// records are scan clones, so they are mutated in place, in parallel
// within the batch.
func transformHotBatch(batch []*models.Record) []*models.Record {
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, rec := range batch {
		rec := rec
		g.Go(func() error {
			rec.QuantEmbedding, rec.Scale = vectormath.QuantizeInt8(rec.Embedding)
			rec.Summary = summarize.Extract(rec.Content, summarySentences)
			rec.Content = ""
			rec.Embedding = nil
			rec.Tier = models.TierWarm
			return nil
		})
	}
	g.Wait()
	return batch
}

// transformWarmBatch produces cold rows: a single-sentence ultra
// summary and a folded MinHash fingerprint of the warm summary.
func transformWarmBatch(batch []*models.Record) []cold.Row {
	rows := make([]cold.Row, len(batch))
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, rec := range batch {
		i, rec := i, rec
		g.Go(func() error {
			rows[i] = cold.Row{
				RecordID:     rec.RecordID,
				SystemID:     rec.SystemID,
				UltraSummary: summarize.Sentence(rec.Summary),
				Fingerprint:  dedup.FoldSignature(dedup.Signature(rec.Summary)),
				Timestamp:    rec.Timestamp,
			}
			return nil
		})
	}
	g.Wait()
	return rows
}

func recordIDs(recs []*models.Record) []string {
	ids := make([]string, len(recs))
	for i, rec := range recs {
		ids[i] = rec.RecordID
	}
	return ids
}

// cancelled reports whether the scheduler should stop before starting
// another batch.
func (s *Scheduler) cancelled(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
	}
	if s.stopCh == nil {
		return false
	}
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

func (s *Scheduler) countMigration(transition string, n int) {
	if s.mets == nil || n == 0 {
		return
	}
	s.mets.AgingMigrations.WithLabelValues(transition).Add(float64(n))
}

func (s *Scheduler) recordAged(metric string, recs []*models.Record) {
	if s.stats == nil {
		return
	}
	perSystem := make(map[string]int)
	for _, rec := range recs {
		perSystem[rec.SystemID]++
	}
	ts := s.now()
	for system, n := range perSystem {
		s.stats.Record(metric, system, ts, float64(n))
	}
}

func (s *Scheduler) updateShardGauges(sh *shard.Shard) {
	if s.mets == nil {
		return
	}
	st := sh.Status()
	id := strconv.Itoa(st.ShardID)
	s.mets.ShardRecords.WithLabelValues(id, string(models.TierHot)).Set(float64(st.HotRecords))
	s.mets.ShardRecords.WithLabelValues(id, string(models.TierWarm)).Set(float64(st.WarmRecords))
	s.mets.ShardRecords.WithLabelValues(id, string(models.TierCold)).Set(float64(st.ColdRecords))
}

func (s *Scheduler) alertFailure(sh *shard.Shard, stage string, err error) {
	s.logger.Error("aging migration failed", map[string]interface{}{
		"shard": sh.ID(),
		"stage": stage,
		"error": err.Error(),
	})
	if s.alerter == nil {
		return
	}
	s.alerter.Emit(models.AlertTypeAgingFailure, models.SeverityWarning, "aging migration failed", map[string]string{
		"shard": strconv.Itoa(sh.ID()),
		"stage": stage,
		"error": err.Error(),
	})
}
