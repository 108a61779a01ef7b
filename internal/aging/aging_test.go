package aging

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/memory-mesh/memory-mesh/internal/analytics"
	"github.com/memory-mesh/memory-mesh/internal/dedup"
	"github.com/memory-mesh/memory-mesh/internal/index"
	"github.com/memory-mesh/memory-mesh/internal/metrics"
	"github.com/memory-mesh/memory-mesh/internal/shard"
	"github.com/memory-mesh/memory-mesh/pkg/models"
	"github.com/memory-mesh/memory-mesh/pkg/vectormath"
)

var testNow = time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

type recordingAlerter struct {
	mu    sync.Mutex
	types []string
}

func (a *recordingAlerter) Emit(alertType string, _ models.AlertSeverity, _ string, _ map[string]string) {
	a.mu.Lock()
	a.types = append(a.types, alertType)
	a.mu.Unlock()
}

func testSet(t *testing.T, shardCount int) (*shard.Set, string) {
	t.Helper()
	base := t.TempDir()
	idx := index.DefaultConfig()
	idx.BuildThreshold = 100000
	set, err := shard.NewSet(shard.SetConfig{
		ShardCount: shardCount,
		Base:       base,
		Index:      idx,
		Dedup:      dedup.Config{},
	}, nil, nil)
	require.NoError(t, err)
	return set, base
}

func testScheduler(t *testing.T, cfg Config, set *shard.Set) *Scheduler {
	t.Helper()
	s := New(cfg, set, nil, nil, nil, nil)
	s.now = func() time.Time { return testNow }
	return s
}

func hotRecord(id, system string, vec []float32, age time.Duration) *models.Record {
	return &models.Record{
		RecordID:    id,
		SystemID:    system,
		Content:     "First sentence about " + id + ". Second sentence with detail. Third sentence closes. Fourth sentence is filler.",
		Embedding:   vectormath.NormalizeL2(vec),
		ContentHash: fmt.Sprintf("%064s", id),
		Timestamp:   testNow.Add(-age),
		Tier:        models.TierHot,
	}
}

func seedVec(seed int64, dim int) []float32 {
	rng := rand.New(rand.NewSource(seed))
	v := make([]float32, dim)
	for i := range v {
		v[i] = float32(rng.NormFloat64())
	}
	return v
}

func TestHotToWarmMigratesExpired(t *testing.T) {
	set, _ := testSet(t, 1)
	sh := set.Shard(0)
	old := hotRecord("old-1", "sys-a", seedVec(1, 32), 8*24*time.Hour)
	fresh := hotRecord("new-1", "sys-a", seedVec(2, 32), 24*time.Hour)
	require.NoError(t, sh.InsertHot(old))
	require.NoError(t, sh.InsertHot(fresh))

	s := testScheduler(t, Config{HotTTL: 7 * 24 * time.Hour}, set)
	rep := s.AgeShard(context.Background(), sh)

	require.NoError(t, rep.Err)
	assert.False(t, rep.Skipped)
	assert.Equal(t, 1, rep.HotToWarm)
	assert.Equal(t, 0, rep.WarmToCold)

	assert.False(t, sh.Hot().Has("old-1"))
	assert.True(t, sh.Hot().Has("new-1"))

	warm, ok := sh.Warm().Get("old-1")
	require.True(t, ok)
	assert.Equal(t, models.TierWarm, warm.Tier)
	assert.Empty(t, warm.Content)
	assert.Nil(t, warm.Embedding)
	assert.Len(t, warm.QuantEmbedding, 32)
	assert.Greater(t, warm.Scale, float32(0))
	assert.NotEmpty(t, warm.Summary)
	assert.Equal(t, old.ContentHash, warm.ContentHash)
}

func TestZeroHotTTLAgesEverything(t *testing.T) {
	set, _ := testSet(t, 1)
	sh := set.Shard(0)
	require.NoError(t, sh.InsertHot(hotRecord("r1", "sys-a", seedVec(3, 16), time.Minute)))

	s := testScheduler(t, Config{HotTTL: 0}, set)
	rep := s.AgeShard(context.Background(), sh)

	require.NoError(t, rep.Err)
	assert.Equal(t, 1, rep.HotToWarm)
	assert.Equal(t, 0, sh.Hot().Len())
	assert.Equal(t, 1, sh.Warm().Len())
}

func TestHotToWarmDrainsInBatches(t *testing.T) {
	set, _ := testSet(t, 1)
	sh := set.Shard(0)
	for i := 0; i < 25; i++ {
		id := fmt.Sprintf("rec-%02d", i)
		require.NoError(t, sh.InsertHot(hotRecord(id, "sys-a", seedVec(int64(i), 16), 10*24*time.Hour)))
	}

	s := testScheduler(t, Config{HotTTL: 7 * 24 * time.Hour, BatchSize: 10}, set)
	rep := s.AgeShard(context.Background(), sh)

	require.NoError(t, rep.Err)
	assert.Equal(t, 25, rep.HotToWarm)
	assert.Equal(t, 0, sh.Hot().Len())
	assert.Equal(t, 25, sh.Warm().Len())
}

func TestSearchParityAfterQuantization(t *testing.T) {
	set, _ := testSet(t, 1)
	sh := set.Shard(0)
	vec := vectormath.NormalizeL2(seedVec(7, 64))
	rec := hotRecord("parity-1", "sys-a", vec, 8*24*time.Hour)
	require.NoError(t, sh.InsertHot(rec))

	s := testScheduler(t, Config{HotTTL: 7 * 24 * time.Hour}, set)
	rep := s.AgeShard(context.Background(), sh)
	require.NoError(t, rep.Err)

	hits, err := sh.Search(context.Background(), vec, 1, models.SearchFilter{}, 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "parity-1", hits[0].RecordID)
	assert.Equal(t, models.TierWarm, hits[0].Tier)
	assert.GreaterOrEqual(t, hits[0].Score, 0.99)
}

func TestWarmToColdMigratesExpired(t *testing.T) {
	set, _ := testSet(t, 1)
	sh := set.Shard(0)

	old := hotRecord("cold-1", "sys-a", seedVec(9, 16), 91*24*time.Hour)
	recent := hotRecord("warm-1", "sys-a", seedVec(10, 16), 30*24*time.Hour)
	require.NoError(t, sh.InsertHot(old))
	require.NoError(t, sh.InsertHot(recent))

	s := testScheduler(t, Config{HotTTL: 7 * 24 * time.Hour, WarmTTL: 90 * 24 * time.Hour}, set)

	// First pass moves both out of Hot; cold-1 is already past the warm
	// TTL so the same pass archives it.
	rep := s.AgeShard(context.Background(), sh)
	require.NoError(t, rep.Err)
	assert.Equal(t, 2, rep.HotToWarm)
	assert.Equal(t, 1, rep.WarmToCold)

	assert.False(t, sh.Warm().Has("cold-1"))
	assert.True(t, sh.Warm().Has("warm-1"))
	assert.Equal(t, 1, sh.Cold().Len())

	rows, err := sh.Cold().Scan(context.Background(), nil, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "cold-1", rows[0].RecordID)
	assert.Equal(t, "sys-a", rows[0].SystemID)
	assert.NotEmpty(t, rows[0].UltraSummary)
	assert.NotEqual(t, [16]byte{}, rows[0].Fingerprint)
}

func TestHotWarmDuplicateResolved(t *testing.T) {
	set, _ := testSet(t, 1)
	sh := set.Shard(0)

	rec := hotRecord("dup-1", "sys-a", seedVec(11, 16), 8*24*time.Hour)
	require.NoError(t, sh.InsertHot(rec))

	// Simulate a crash between Warm insert and Hot delete.
	warmCopy := rec.Clone()
	warmCopy.QuantEmbedding, warmCopy.Scale = vectormath.QuantizeInt8(warmCopy.Embedding)
	warmCopy.Embedding = nil
	warmCopy.Content = ""
	warmCopy.Summary = "Recovered summary."
	warmCopy.Tier = models.TierWarm
	require.NoError(t, sh.Warm().Insert(warmCopy))

	s := testScheduler(t, Config{HotTTL: 7 * 24 * time.Hour}, set)
	rep := s.AgeShard(context.Background(), sh)

	require.NoError(t, rep.Err)
	assert.Equal(t, 0, rep.HotToWarm)
	assert.False(t, sh.Hot().Has("dup-1"))

	got, ok := sh.Warm().Get("dup-1")
	require.True(t, ok)
	assert.Equal(t, "Recovered summary.", got.Summary)
}

func TestAgingLeaseSkipsBusyShard(t *testing.T) {
	set, _ := testSet(t, 1)
	sh := set.Shard(0)
	require.NoError(t, sh.InsertHot(hotRecord("r1", "sys-a", seedVec(12, 16), 8*24*time.Hour)))

	require.True(t, sh.TryBeginAging())
	defer sh.EndAging()

	s := testScheduler(t, Config{HotTTL: 7 * 24 * time.Hour}, set)
	rep := s.AgeShard(context.Background(), sh)

	assert.True(t, rep.Skipped)
	assert.Equal(t, 1, sh.Hot().Len())
}

func TestDegradedShardSkipped(t *testing.T) {
	set, _ := testSet(t, 1)
	sh := set.Shard(0)
	require.NoError(t, sh.InsertHot(hotRecord("r1", "sys-a", seedVec(13, 16), 8*24*time.Hour)))
	sh.MarkDegraded("test")

	s := testScheduler(t, Config{HotTTL: 7 * 24 * time.Hour}, set)
	rep := s.AgeShard(context.Background(), sh)

	assert.True(t, rep.Skipped)
	assert.Equal(t, 1, sh.Hot().Len())
}

func TestCancelledContextStartsNoBatch(t *testing.T) {
	set, _ := testSet(t, 1)
	sh := set.Shard(0)
	require.NoError(t, sh.InsertHot(hotRecord("r1", "sys-a", seedVec(14, 16), 8*24*time.Hour)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := testScheduler(t, Config{HotTTL: 7 * 24 * time.Hour}, set)
	rep := s.AgeShard(ctx, sh)

	require.NoError(t, rep.Err)
	assert.Equal(t, 0, rep.HotToWarm)
	assert.Equal(t, 1, sh.Hot().Len())
}

func TestRunPassAggregatesAcrossShards(t *testing.T) {
	set, _ := testSet(t, 4)
	for i := 0; i < 12; i++ {
		system := fmt.Sprintf("tenant-%d", i)
		sh := set.ForSystem(system)
		id := fmt.Sprintf("rec-%d", i)
		require.NoError(t, sh.InsertHot(hotRecord(id, system, seedVec(int64(20+i), 16), 8*24*time.Hour)))
	}
	set.Shard(3).MarkDegraded("test")

	s := testScheduler(t, Config{HotTTL: 7 * 24 * time.Hour}, set)
	ps := s.RunPass(context.Background())

	assert.Equal(t, 3, ps.ShardsAged)
	assert.Equal(t, 1, ps.ShardsSkipped)
	assert.Equal(t, 0, ps.Errors)

	total := 0
	for i := 0; i < 3; i++ {
		total += set.Shard(i).Warm().Len()
	}
	assert.Equal(t, ps.HotToWarm, total)
}

func TestAnalyticsAndMetricsRecorded(t *testing.T) {
	set, _ := testSet(t, 1)
	sh := set.Shard(0)
	require.NoError(t, sh.InsertHot(hotRecord("r1", "sys-a", seedVec(30, 16), 8*24*time.Hour)))
	require.NoError(t, sh.InsertHot(hotRecord("r2", "sys-a", seedVec(31, 16), 9*24*time.Hour)))

	stats := analytics.New(0, nil)
	mets := metrics.NewForTesting()
	s := New(Config{HotTTL: 7 * 24 * time.Hour}, set, stats, mets, nil, nil)
	s.now = func() time.Time { return testNow }

	rep := s.AgeShard(context.Background(), sh)
	require.NoError(t, rep.Err)
	require.Equal(t, 2, rep.HotToWarm)

	sums := stats.SystemMetrics("sys-a", []string{analytics.MetricAgedWarm})
	require.Len(t, sums, 1)
	assert.Equal(t, 2.0, sums[0].Latest)

	assert.Equal(t, 2.0, testutil.ToFloat64(mets.AgingMigrations.WithLabelValues("hot_to_warm")))
	assert.Equal(t, 0.0, testutil.ToFloat64(mets.ShardRecords.WithLabelValues("0", "hot")))
	assert.Equal(t, 2.0, testutil.ToFloat64(mets.ShardRecords.WithLabelValues("0", "warm")))
}

func TestAgingFailureEmitsAlert(t *testing.T) {
	set, base := testSet(t, 1)
	sh := set.Shard(0)
	require.NoError(t, sh.InsertHot(hotRecord("r1", "sys-a", seedVec(32, 16), 8*24*time.Hour)))

	// Replace the warm day directory with a file so the batch append
	// cannot create its day file.
	layout := shard.Layout{Base: base}
	warmDir := layout.WarmDir(0)
	require.NoError(t, os.RemoveAll(warmDir))
	require.NoError(t, os.WriteFile(warmDir, []byte("not a dir"), 0o644))

	alerter := &recordingAlerter{}
	s := New(Config{HotTTL: 7 * 24 * time.Hour}, set, nil, nil, alerter, nil)
	s.now = func() time.Time { return testNow }

	rep := s.AgeShard(context.Background(), sh)
	require.Error(t, rep.Err)
	assert.True(t, sh.Hot().Has("r1"), "failed batch must stay in hot")

	alerter.mu.Lock()
	defer alerter.mu.Unlock()
	assert.Contains(t, alerter.types, models.AlertTypeAgingFailure)
}

func TestDedupCheckpointWritten(t *testing.T) {
	set, base := testSet(t, 1)
	sh := set.Shard(0)
	rec := hotRecord("r1", "sys-a", seedVec(33, 16), 8*24*time.Hour)
	require.NoError(t, sh.InsertHot(rec))
	sh.Dedup().Add(rec.RecordID, rec.ContentHash, dedup.Signature(rec.Content))

	s := testScheduler(t, Config{HotTTL: 7 * 24 * time.Hour}, set)
	rep := s.AgeShard(context.Background(), sh)
	require.NoError(t, rep.Err)

	layout := shard.Layout{Base: base}
	_, err := os.Stat(layout.DedupFile(0))
	require.NoError(t, err)
}

func TestSchedulerStartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	set, _ := testSet(t, 1)
	s := testScheduler(t, Config{Period: time.Hour}, set)

	s.Start(context.Background())
	s.Stop()

	// Stop twice is harmless.
	s.Stop()
}
