// Package cold implements the append-only archive tier for one shard.
// Records arrive stripped to an ultra summary and a 16-byte fingerprint;
// no vector search is possible here. Each AppendBatch produces new
// segment files grouped by (year, month) of record timestamp, written
// to a temp name and renamed on close, so readers only ever see whole
// files.
package cold

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/memory-mesh/memory-mesh/internal/store"
	"github.com/memory-mesh/memory-mesh/pkg/observability"
)

const (
	segExt      = ".seg"
	tmpExt      = ".tmp"
	monthLayout = "2006-01"

	maxStringLen = 1 << 20
	maxRowCount  = 1 << 24
)

// FingerprintSize is the stored near-duplicate fingerprint width.
const FingerprintSize = 16

var magic = [8]byte{'M', 'M', 'C', 'O', 'L', 'D', '0', '1'}

// Row is the cold-tier record shape: identity, ultra summary,
// fingerprint, timestamp. The tier keeps no embeddings and no content.
type Row struct {
	RecordID     string
	SystemID     string
	UltraSummary string
	Fingerprint  [FingerprintSize]byte
	Timestamp    time.Time
}

// Store owns one shard's cold segments. Appends are serialized (the
// aging pass is the only writer); Scan may run concurrently since
// published segment files never change.
type Store struct {
	dir    string
	logger observability.Logger

	mu           sync.Mutex
	seq          uint64
	count        atomic.Int64
	corruptFiles atomic.Int64
}

// Open prepares dir, removes stale temp files from a previous crash and
// sums the row counts of existing segments.
func Open(dir string, logger observability.Logger) (*Store, error) {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cold dir: %w", err)
	}

	s := &Store{dir: dir, logger: logger}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("cold dir read: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, tmpExt) {
			// A crash mid-write leaves a temp file that was never
			// published; it holds nothing a reader ever saw.
			if err := os.Remove(filepath.Join(dir, name)); err != nil {
				return nil, fmt.Errorf("cold stale temp remove: %w", err)
			}
			continue
		}
		if !strings.HasSuffix(name, segExt) {
			continue
		}
		n, err := readSegmentCount(filepath.Join(dir, name))
		if err != nil {
			s.corruptFiles.Add(1)
			s.logger.Warn("cold segment unreadable, skipping", map[string]interface{}{
				"path":  name,
				"error": err.Error(),
			})
			continue
		}
		s.count.Add(int64(n))
	}
	return s, nil
}

// AppendBatch writes rows as new segments, one per (year, month)
// present in the batch. Each segment is fsynced and closed before the
// rename that publishes it.
func (s *Store) AppendBatch(ctx context.Context, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	for _, r := range rows {
		if r.RecordID == "" {
			return fmt.Errorf("cold append: row without record_id")
		}
	}

	byMonth := make(map[string][]Row)
	for _, r := range rows {
		key := r.Timestamp.UTC().Format(monthLayout)
		byMonth[key] = append(byMonth[key], r)
	}
	months := make([]string, 0, len(byMonth))
	for m := range byMonth {
		months = append(months, m)
	}
	sort.Strings(months)

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, month := range months {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.writeSegment(month, byMonth[month]); err != nil {
			return err
		}
		s.count.Add(int64(len(byMonth[month])))
	}
	return nil
}

// writeSegment publishes one month's rows. Callers hold s.mu.
func (s *Store) writeSegment(month string, rows []Row) error {
	s.seq++
	base := fmt.Sprintf("%s-%06d%s", month, s.seq, segExt)
	final := filepath.Join(s.dir, base)
	tmp := final + tmpExt

	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("cold segment create: %w", err)
	}

	var hdr [12]byte
	copy(hdr[:8], magic[:])
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(rows)))

	werr := func() error {
		if _, err := f.Write(hdr[:]); err != nil {
			return fmt.Errorf("cold segment header: %w", err)
		}
		if err := store.WriteFrame(f, marshalColumns(rows)); err != nil {
			return fmt.Errorf("cold segment body: %w", err)
		}
		if err := f.Sync(); err != nil {
			return fmt.Errorf("cold segment sync: %w", err)
		}
		return nil
	}()
	if cerr := f.Close(); werr == nil && cerr != nil {
		werr = fmt.Errorf("cold segment close: %w", cerr)
	}
	if werr != nil {
		os.Remove(tmp)
		return werr
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("cold segment publish: %w", err)
	}

	s.logger.Debug("cold segment published", map[string]interface{}{
		"segment": base,
		"rows":    len(rows),
	})
	return nil
}

// marshalColumns lays rows out column by column: ids, systems,
// summaries, fingerprints, timestamps.
func marshalColumns(rows []Row) []byte {
	size := 4
	for _, r := range rows {
		size += len(r.RecordID) + len(r.SystemID) + len(r.UltraSummary) + FingerprintSize + 8 + 15
	}
	buf := make([]byte, 0, size)

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(rows)))
	for _, r := range rows {
		buf = store.AppendString(buf, r.RecordID)
	}
	for _, r := range rows {
		buf = store.AppendString(buf, r.SystemID)
	}
	for _, r := range rows {
		buf = store.AppendString(buf, r.UltraSummary)
	}
	for _, r := range rows {
		buf = append(buf, r.Fingerprint[:]...)
	}
	for _, r := range rows {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(r.Timestamp.UnixNano()))
	}
	return buf
}

func unmarshalColumns(payload []byte, wantRows int) ([]Row, error) {
	c := store.NewCursor(payload)
	n := int(c.U32())
	if err := c.Err(); err != nil {
		return nil, err
	}
	if n != wantRows {
		return nil, fmt.Errorf("row count mismatch: header %d, body %d", wantRows, n)
	}
	if n > maxRowCount {
		return nil, fmt.Errorf("row count %d exceeds limit", n)
	}

	rows := make([]Row, n)
	for i := range rows {
		rows[i].RecordID = c.Str(maxStringLen)
	}
	for i := range rows {
		rows[i].SystemID = c.Str(maxStringLen)
	}
	for i := range rows {
		rows[i].UltraSummary = c.Str(maxStringLen)
	}
	for i := range rows {
		copy(rows[i].Fingerprint[:], c.Bytes(FingerprintSize))
	}
	for i := range rows {
		rows[i].Timestamp = time.Unix(0, int64(c.U64())).UTC()
	}
	if err := c.Err(); err != nil {
		return nil, err
	}
	return rows, nil
}

func readSegmentHeader(f *os.File) (int, error) {
	var hdr [12]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		return 0, fmt.Errorf("header read: %w", err)
	}
	if string(hdr[:8]) != string(magic[:]) {
		return 0, fmt.Errorf("bad magic")
	}
	return int(binary.LittleEndian.Uint32(hdr[8:12])), nil
}

func readSegmentCount(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return readSegmentHeader(f)
}

func readSegment(path string) ([]Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	n, err := readSegmentHeader(f)
	if err != nil {
		return nil, err
	}
	payload, err := store.ReadFrame(f)
	if err != nil {
		return nil, fmt.Errorf("body: %w", err)
	}
	return unmarshalColumns(payload, n)
}

// Scan streams rows from every published segment in name order,
// returning up to limit rows matching filter. A nil filter matches
// everything; limit <= 0 means no limit. Corrupt segments are skipped
// and counted.
func (s *Store) Scan(ctx context.Context, filter func(Row) bool, limit int) ([]Row, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("cold dir read: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), segExt) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var out []Row
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		rows, err := readSegment(filepath.Join(s.dir, name))
		if err != nil {
			s.corruptFiles.Add(1)
			s.logger.Warn("cold segment corrupt, skipping", map[string]interface{}{
				"path":  name,
				"error": err.Error(),
			})
			continue
		}
		for _, r := range rows {
			if filter != nil && !filter(r) {
				continue
			}
			out = append(out, r)
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		}
	}
	return out, nil
}

// Len reports the archived row count across segments.
func (s *Store) Len() int { return int(s.count.Load()) }

// CorruptFiles reports segments skipped due to damage.
func (s *Store) CorruptFiles() int { return int(s.corruptFiles.Load()) }
