package cold

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func coldRow(id, system string, ts time.Time) Row {
	r := Row{
		RecordID:     id,
		SystemID:     system,
		UltraSummary: "ultra summary of " + id,
		Timestamp:    ts,
	}
	copy(r.Fingerprint[:], id)
	return r
}

func segmentNames(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestAppendAndScan(t *testing.T) {
	s, err := Open(t.TempDir(), nil)
	require.NoError(t, err)

	ts := time.Date(2026, 5, 20, 10, 0, 0, 0, time.UTC)
	rows := []Row{coldRow("r1", "sys-a", ts), coldRow("r2", "sys-b", ts)}
	require.NoError(t, s.AppendBatch(context.Background(), rows))
	assert.Equal(t, 2, s.Len())

	got, err := s.Scan(context.Background(), nil, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "r1", got[0].RecordID)
	assert.Equal(t, "ultra summary of r1", got[0].UltraSummary)
	assert.Equal(t, rows[0].Fingerprint, got[0].Fingerprint)
	assert.Equal(t, ts, got[0].Timestamp)
}

func TestScanWithFilterAndLimit(t *testing.T) {
	s, err := Open(t.TempDir(), nil)
	require.NoError(t, err)

	ts := time.Date(2026, 5, 20, 10, 0, 0, 0, time.UTC)
	var rows []Row
	for i := 0; i < 10; i++ {
		system := "sys-a"
		if i%2 == 1 {
			system = "sys-b"
		}
		rows = append(rows, coldRow(fmt.Sprintf("r%02d", i), system, ts))
	}
	require.NoError(t, s.AppendBatch(context.Background(), rows))

	onlyB, err := s.Scan(context.Background(), func(r Row) bool { return r.SystemID == "sys-b" }, 0)
	require.NoError(t, err)
	assert.Len(t, onlyB, 5)

	capped, err := s.Scan(context.Background(), nil, 3)
	require.NoError(t, err)
	assert.Len(t, capped, 3)
}

func TestSegmentsPartitionByMonth(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, nil)
	require.NoError(t, err)

	rows := []Row{
		coldRow("may", "sys-a", time.Date(2026, 5, 31, 23, 0, 0, 0, time.UTC)),
		coldRow("june", "sys-a", time.Date(2026, 6, 1, 1, 0, 0, 0, time.UTC)),
	}
	require.NoError(t, s.AppendBatch(context.Background(), rows))

	names := segmentNames(t, dir)
	require.Len(t, names, 2)
	assert.True(t, strings.HasPrefix(names[0], "2026-05-"))
	assert.True(t, strings.HasPrefix(names[1], "2026-06-"))
}

func TestReopenCountsRows(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, nil)
	require.NoError(t, err)

	ts := time.Date(2026, 5, 20, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.AppendBatch(context.Background(), []Row{coldRow("r1", "sys-a", ts)}))
	require.NoError(t, s.AppendBatch(context.Background(), []Row{coldRow("r2", "sys-a", ts), coldRow("r3", "sys-a", ts)}))

	reopened, err := Open(dir, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, reopened.Len())
}

func TestStaleTempFileRemovedAtOpen(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, "2026-05-000001.seg.tmp")
	require.NoError(t, os.WriteFile(stale, []byte("half-written"), 0o644))

	s, err := Open(dir, nil)
	require.NoError(t, err)
	assert.NoFileExists(t, stale, "crash leftovers must not be published")
	assert.Equal(t, 0, s.Len())

	rows, err := s.Scan(context.Background(), nil, 0)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestCorruptSegmentSkipped(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, nil)
	require.NoError(t, err)

	ts := time.Date(2026, 5, 20, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.AppendBatch(context.Background(), []Row{coldRow("good", "sys-a", ts)}))

	names := segmentNames(t, dir)
	require.Len(t, names, 1)
	path := filepath.Join(dir, names[0])
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	rows, err := s.Scan(context.Background(), nil, 0)
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.Equal(t, 1, s.CorruptFiles())
}

func TestAppendEmptyBatch(t *testing.T) {
	s, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	require.NoError(t, s.AppendBatch(context.Background(), nil))
	assert.Equal(t, 0, s.Len())
}

func TestScanCancelled(t *testing.T) {
	s, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	ts := time.Date(2026, 5, 20, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.AppendBatch(context.Background(), []Row{coldRow("r1", "sys-a", ts)}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Scan(ctx, nil, 0)
	assert.ErrorIs(t, err, context.Canceled)
}
