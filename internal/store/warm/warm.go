// Package warm implements the quantized on-disk tier for one shard.
// Each record carries an int8 embedding with a per-row float32 scale;
// rows live in one append-only log per day of record timestamp, so
// whole days can be pruned once their records migrate to cold.
package warm

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/memory-mesh/memory-mesh/internal/store"
	"github.com/memory-mesh/memory-mesh/pkg/models"
	"github.com/memory-mesh/memory-mesh/pkg/observability"
	"github.com/memory-mesh/memory-mesh/pkg/vectormath"
)

// ErrDuplicate is returned by Insert when the record_id is already
// present.
var ErrDuplicate = fmt.Errorf("record already present in warm store")

const (
	dayLayout = "2006-01-02"
	dataExt   = ".dat"
)

// Store holds one shard's warm records: an in-memory map for search and
// day-partitioned logs for durability. Writes are serialized by the
// aging pass (single writer per shard); reads may run concurrently.
type Store struct {
	dir    string
	logger observability.Logger

	mu      sync.RWMutex
	records map[string]*models.Record
	// days tracks which record ids are live per day key, driving
	// empty-day pruning.
	days       map[string]map[string]struct{}
	tornFrames int
}

// Open loads every day file under dir, replaying inserts and
// tombstones in order. Torn tails keep their intact prefix; the rest of
// that file is unreadable and is counted in CorruptFrames.
func Open(dir string, logger observability.Logger) (*Store, error) {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("warm dir: %w", err)
	}

	s := &Store{
		dir:     dir,
		logger:  logger,
		records: make(map[string]*models.Record),
		days:    make(map[string]map[string]struct{}),
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("warm dir read: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), dataExt) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		if err := s.loadFile(filepath.Join(dir, name)); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("warm file open: %w", err)
	}
	defer f.Close()

	day := strings.TrimSuffix(filepath.Base(path), dataExt)
	for {
		payload, err := store.ReadFrame(f)
		if err != nil {
			if err == store.ErrTornFrame {
				s.tornFrames++
				s.logger.Warn("warm day file has a torn tail, keeping intact prefix", map[string]interface{}{
					"path": path,
				})
			}
			return nil
		}
		op, rec, err := unmarshalRow(payload)
		if err != nil {
			s.tornFrames++
			s.logger.Warn("warm row undecodable, skipping", map[string]interface{}{
				"path":  path,
				"error": err.Error(),
			})
			continue
		}
		switch op {
		case opInsert:
			s.records[rec.RecordID] = rec
			s.trackDay(day, rec.RecordID)
		case opTombstone:
			if old, ok := s.records[rec.RecordID]; ok {
				delete(s.records, rec.RecordID)
				s.untrackDay(dayKey(old.Timestamp), old.RecordID)
			}
		}
	}
}

func dayKey(ts time.Time) string { return ts.UTC().Format(dayLayout) }

func (s *Store) trackDay(day, id string) {
	set, ok := s.days[day]
	if !ok {
		set = make(map[string]struct{})
		s.days[day] = set
	}
	set[id] = struct{}{}
}

func (s *Store) untrackDay(day, id string) {
	if set, ok := s.days[day]; ok {
		delete(set, id)
	}
}

// Insert stores one record, appending it to its day log. The record
// must carry a quantized embedding.
func (s *Store) Insert(rec *models.Record) error {
	n, err := s.InsertBatch([]*models.Record{rec})
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDuplicate
	}
	return nil
}

// InsertBatch appends records grouped by day. Records whose id is
// already present are skipped, which makes aging retries idempotent.
// Returns how many records were inserted. On a write error the batch
// stops; records appended before the failure stay live.
func (s *Store) InsertBatch(recs []*models.Record) (int, error) {
	byDay := make(map[string][]*models.Record)
	for _, rec := range recs {
		if rec == nil || rec.RecordID == "" {
			return 0, fmt.Errorf("warm insert: record without id")
		}
		if len(rec.QuantEmbedding) == 0 {
			return 0, fmt.Errorf("warm insert %s: missing quantized embedding", rec.RecordID)
		}
		byDay[dayKey(rec.Timestamp)] = append(byDay[dayKey(rec.Timestamp)], rec)
	}

	days := make([]string, 0, len(byDay))
	for day := range byDay {
		days = append(days, day)
	}
	sort.Strings(days)

	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	for _, day := range days {
		var payloads [][]byte
		var pending []*models.Record
		for _, rec := range byDay[day] {
			if _, ok := s.records[rec.RecordID]; ok {
				continue
			}
			cp := rec.Clone()
			cp.Tier = models.TierWarm
			cp.Content = ""
			cp.Embedding = nil
			payloads = append(payloads, marshalInsert(cp))
			pending = append(pending, cp)
		}
		if len(payloads) == 0 {
			continue
		}
		if err := s.appendRows(day, payloads); err != nil {
			return inserted, err
		}
		for _, cp := range pending {
			s.records[cp.RecordID] = cp
			s.trackDay(day, cp.RecordID)
			inserted++
		}
	}
	return inserted, nil
}

// Delete tombstones the record and reports whether it was present.
func (s *Store) Delete(recordID string) (bool, error) {
	n, err := s.DeleteBatch([]string{recordID})
	return n > 0, err
}

// DeleteBatch tombstones every present id, returning how many were
// removed.
func (s *Store) DeleteBatch(recordIDs []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byDay := make(map[string][][]byte)
	byDayIDs := make(map[string][]string)
	for _, id := range recordIDs {
		rec, ok := s.records[id]
		if !ok {
			continue
		}
		day := dayKey(rec.Timestamp)
		byDay[day] = append(byDay[day], marshalTombstone(id))
		byDayIDs[day] = append(byDayIDs[day], id)
	}

	days := make([]string, 0, len(byDay))
	for day := range byDay {
		days = append(days, day)
	}
	sort.Strings(days)

	removed := 0
	for _, day := range days {
		if err := s.appendRows(day, byDay[day]); err != nil {
			return removed, err
		}
		for _, id := range byDayIDs[day] {
			delete(s.records, id)
			s.untrackDay(day, id)
			removed++
		}
	}
	return removed, nil
}

// appendRows writes frames to one day file. Callers hold s.mu.
func (s *Store) appendRows(day string, payloads [][]byte) error {
	path := filepath.Join(s.dir, day+dataExt)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("warm day file open: %w", err)
	}
	for _, p := range payloads {
		if err := store.WriteFrame(f, p); err != nil {
			f.Close()
			return fmt.Errorf("warm day file %s: %w", day, err)
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("warm day file sync %s: %w", day, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("warm day file close %s: %w", day, err)
	}
	return nil
}

// Get returns a clone of the record, if present.
func (s *Store) Get(recordID string) (*models.Record, bool) {
	s.mu.RLock()
	rec, ok := s.records[recordID]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// Has reports presence without copying.
func (s *Store) Has(recordID string) bool {
	s.mu.RLock()
	_, ok := s.records[recordID]
	s.mu.RUnlock()
	return ok
}

// Len reports the live cardinality.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Scan returns clones of up to limit records matching pred, in no
// particular order. limit <= 0 means no limit; nil pred matches all.
func (s *Store) Scan(pred func(*models.Record) bool, limit int) []*models.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Record
	for _, rec := range s.records {
		if pred != nil && !pred(rec) {
			continue
		}
		out = append(out, rec.Clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Search brute-forces cosine similarity over the quantized vectors,
// dequantizing lazily inside the similarity computation. Results are
// sorted by score descending with ties broken by smaller record_id.
func (s *Store) Search(query []float32, k int, filter models.SearchFilter, threshold float64) []models.SearchResult {
	if k <= 0 || len(query) == 0 {
		return nil
	}

	s.mu.RLock()
	var hits []models.SearchResult
	for _, rec := range s.records {
		if !filter.Matches(rec) {
			continue
		}
		score := vectormath.CosineSimilarityQuantized(query, rec.QuantEmbedding, rec.Scale)
		if score < threshold {
			continue
		}
		hits = append(hits, models.SearchResult{
			RecordID:  rec.RecordID,
			SystemID:  rec.SystemID,
			Score:     score,
			Tier:      models.TierWarm,
			Timestamp: rec.Timestamp,
			Summary:   rec.Summary,
		})
	}
	s.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].RecordID < hits[j].RecordID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

// Days lists day keys that still have live records, ascending.
func (s *Store) Days() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.days))
	for day, set := range s.days {
		if len(set) > 0 {
			out = append(out, day)
		}
	}
	sort.Strings(out)
	return out
}

// PruneEmptyDays deletes day files whose records have all been
// tombstoned, reclaiming the log space. Returns the pruned day keys.
func (s *Store) PruneEmptyDays() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pruned []string
	for day, set := range s.days {
		if len(set) > 0 {
			continue
		}
		path := filepath.Join(s.dir, day+dataExt)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return pruned, fmt.Errorf("warm prune %s: %w", day, err)
		}
		delete(s.days, day)
		pruned = append(pruned, day)
	}
	sort.Strings(pruned)
	if len(pruned) > 0 {
		s.logger.Debug("warm day files pruned", map[string]interface{}{
			"days": pruned,
		})
	}
	return pruned, nil
}

// CorruptFrames reports how many torn or undecodable frames were
// skipped at load time.
func (s *Store) CorruptFrames() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tornFrames
}
