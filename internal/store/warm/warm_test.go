package warm

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memory-mesh/memory-mesh/pkg/models"
	"github.com/memory-mesh/memory-mesh/pkg/vectormath"
)

func warmRecord(id, system string, vec []float32, ts time.Time) *models.Record {
	unit := vectormath.NormalizeL2(vec)
	quant, scale := vectormath.QuantizeInt8(unit)
	return &models.Record{
		RecordID:       id,
		SystemID:       system,
		QuantEmbedding: quant,
		Scale:          scale,
		Metadata:       map[string]string{"origin": "test"},
		Timestamp:      ts,
		ContentHash:    fmt.Sprintf("%064s", id),
		MinHashSig:     []uint64{1, 2, 3},
		Summary:        "summary of " + id,
	}
}

func TestInsertGetRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir(), nil)
	require.NoError(t, err)

	ts := time.Date(2026, 7, 14, 9, 0, 0, 0, time.UTC)
	rec := warmRecord("r1", "sys-a", []float32{1, 2, 3}, ts)
	require.NoError(t, s.Insert(rec))

	got, ok := s.Get("r1")
	require.True(t, ok)
	assert.Equal(t, models.TierWarm, got.Tier)
	assert.Equal(t, rec.QuantEmbedding, got.QuantEmbedding)
	assert.Equal(t, rec.Scale, got.Scale)
	assert.Equal(t, "summary of r1", got.Summary)
	assert.Empty(t, got.Content, "warm records must not carry content")
	assert.Nil(t, got.Embedding, "warm records must not carry full vectors")
}

func TestInsertDuplicate(t *testing.T) {
	s, err := Open(t.TempDir(), nil)
	require.NoError(t, err)

	ts := time.Date(2026, 7, 14, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.Insert(warmRecord("r1", "sys-a", []float32{1, 0, 0}, ts)))
	assert.ErrorIs(t, s.Insert(warmRecord("r1", "sys-a", []float32{1, 0, 0}, ts)), ErrDuplicate)
}

func TestInsertBatchSkipsExisting(t *testing.T) {
	s, err := Open(t.TempDir(), nil)
	require.NoError(t, err)

	ts := time.Date(2026, 7, 14, 9, 0, 0, 0, time.UTC)
	first := []*models.Record{
		warmRecord("r1", "sys-a", []float32{1, 0, 0}, ts),
		warmRecord("r2", "sys-a", []float32{0, 1, 0}, ts),
	}
	n, err := s.InsertBatch(first)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	again := []*models.Record{
		warmRecord("r2", "sys-a", []float32{0, 1, 0}, ts),
		warmRecord("r3", "sys-a", []float32{0, 0, 1}, ts),
	}
	n, err = s.InsertBatch(again)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "existing r2 must be skipped")
	assert.Equal(t, 3, s.Len())
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, nil)
	require.NoError(t, err)
	day1 := time.Date(2026, 7, 14, 9, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 7, 15, 9, 0, 0, 0, time.UTC)
	_, err = s.InsertBatch([]*models.Record{
		warmRecord("r1", "sys-a", []float32{1, 0, 0}, day1),
		warmRecord("r2", "sys-a", []float32{0, 1, 0}, day2),
	})
	require.NoError(t, err)
	_, err = s.Delete("r1")
	require.NoError(t, err)

	reopened, err := Open(dir, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, reopened.Len())
	assert.False(t, reopened.Has("r1"), "tombstone must survive reopen")
	got, ok := reopened.Get("r2")
	require.True(t, ok)
	assert.Equal(t, "summary of r2", got.Summary)
	assert.Equal(t, []uint64{1, 2, 3}, got.MinHashSig)
	assert.Equal(t, "test", got.Metadata["origin"])
}

func TestDayFilesPartitionByTimestamp(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, nil)
	require.NoError(t, err)

	_, err = s.InsertBatch([]*models.Record{
		warmRecord("r1", "sys-a", []float32{1, 0, 0}, time.Date(2026, 7, 14, 23, 59, 0, 0, time.UTC)),
		warmRecord("r2", "sys-a", []float32{0, 1, 0}, time.Date(2026, 7, 15, 0, 1, 0, 0, time.UTC)),
	})
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(dir, "2026-07-14.dat"))
	assert.FileExists(t, filepath.Join(dir, "2026-07-15.dat"))
	assert.Equal(t, []string{"2026-07-14", "2026-07-15"}, s.Days())
}

func TestSearchQuantizedAccuracy(t *testing.T) {
	s, err := Open(t.TempDir(), nil)
	require.NoError(t, err)

	ts := time.Date(2026, 7, 14, 9, 0, 0, 0, time.UTC)
	base := make([]float32, models.EmbeddingDim)
	for i := range base {
		base[i] = float32(i%13) - 6
	}
	require.NoError(t, s.Insert(warmRecord("target", "sys-a", base, ts)))
	require.NoError(t, s.Insert(warmRecord("other", "sys-a", []float32{1, -1, 1}, ts)))

	query := vectormath.NormalizeL2(base)
	hits := s.Search(query, 1, models.SearchFilter{}, -1)
	require.Len(t, hits, 1)
	assert.Equal(t, "target", hits[0].RecordID)
	assert.Greater(t, hits[0].Score, 0.99, "quantization error must stay small")
	assert.Equal(t, models.TierWarm, hits[0].Tier)
	assert.Equal(t, "summary of target", hits[0].Summary)
}

func TestSearchThresholdAfterDequantization(t *testing.T) {
	s, err := Open(t.TempDir(), nil)
	require.NoError(t, err)

	ts := time.Date(2026, 7, 14, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.Insert(warmRecord("aligned", "sys-a", []float32{1, 0, 0, 0}, ts)))
	require.NoError(t, s.Insert(warmRecord("orthogonal", "sys-a", []float32{0, 0, 0, 1}, ts)))

	hits := s.Search([]float32{1, 0, 0, 0}, 10, models.SearchFilter{}, 0.5)
	require.Len(t, hits, 1)
	assert.Equal(t, "aligned", hits[0].RecordID)
}

func TestPruneEmptyDays(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, nil)
	require.NoError(t, err)

	day1 := time.Date(2026, 7, 14, 9, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 7, 15, 9, 0, 0, 0, time.UTC)
	_, err = s.InsertBatch([]*models.Record{
		warmRecord("r1", "sys-a", []float32{1, 0, 0}, day1),
		warmRecord("r2", "sys-a", []float32{0, 1, 0}, day1),
		warmRecord("r3", "sys-a", []float32{0, 0, 1}, day2),
	})
	require.NoError(t, err)

	_, err = s.DeleteBatch([]string{"r1", "r2"})
	require.NoError(t, err)

	pruned, err := s.PruneEmptyDays()
	require.NoError(t, err)
	assert.Equal(t, []string{"2026-07-14"}, pruned)
	assert.NoFileExists(t, filepath.Join(dir, "2026-07-14.dat"))
	assert.FileExists(t, filepath.Join(dir, "2026-07-15.dat"))
	assert.Equal(t, 1, s.Len())
}

func TestTornTailKeepsPrefix(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, nil)
	require.NoError(t, err)

	ts := time.Date(2026, 7, 14, 9, 0, 0, 0, time.UTC)
	var batch []*models.Record
	for i := 0; i < 5; i++ {
		batch = append(batch, warmRecord(fmt.Sprintf("r%d", i), "sys-a", []float32{1, float32(i), 0}, ts))
	}
	_, err = s.InsertBatch(batch)
	require.NoError(t, err)

	path := filepath.Join(dir, "2026-07-14.dat")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw[:len(raw)-3], 0o644))

	reopened, err := Open(dir, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, reopened.Len())
	assert.Equal(t, 1, reopened.CorruptFrames())
}

func TestInsertRequiresQuantizedEmbedding(t *testing.T) {
	s, err := Open(t.TempDir(), nil)
	require.NoError(t, err)

	rec := &models.Record{RecordID: "r1", SystemID: "sys-a", Timestamp: time.Now().UTC()}
	err = s.Insert(rec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quantized")
}
