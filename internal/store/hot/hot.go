// Package hot implements the full-precision in-memory tier for one
// shard. Records enter through ingestion, leave through aging, and are
// searched either brute-force or through the shard's HNSW graph (the
// shard layer owns that choice; this store only resolves candidates).
package hot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/memory-mesh/memory-mesh/internal/store"
	"github.com/memory-mesh/memory-mesh/pkg/models"
	"github.com/memory-mesh/memory-mesh/pkg/observability"
	"github.com/memory-mesh/memory-mesh/pkg/vectormath"
)

// ErrDuplicate is returned by Insert when the record_id is already
// present.
var ErrDuplicate = fmt.Errorf("record already present in hot store")

const snapshotFile = "snapshot.dat"

// Store holds one shard's hot records. All methods are safe for
// concurrent use; records handed out are clones, records handed in are
// cloned, so nothing aliases store-owned memory.
type Store struct {
	mu      sync.RWMutex
	records map[string]*models.Record

	tornFrames int
	logger     observability.Logger
}

// New returns an empty hot store.
func New(logger observability.Logger) *Store {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Store{
		records: make(map[string]*models.Record),
		logger:  logger,
	}
}

// Insert stores a record, failing with ErrDuplicate when the record_id
// is taken.
func (s *Store) Insert(rec *models.Record) error {
	if rec == nil || rec.RecordID == "" {
		return fmt.Errorf("hot insert: record without id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.RecordID]; ok {
		return ErrDuplicate
	}
	cp := rec.Clone()
	cp.Tier = models.TierHot
	s.records[rec.RecordID] = cp
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

// Delete removes the record and reports whether it was present.
func (s *Store) Delete(recordID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[recordID]; !ok {
		return false
	}
	delete(s.records, recordID)
	return true
}

// Len reports the live cardinality.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Scan returns clones of up to limit records matching pred, in no
// particular order. The result is a consistent snapshot: records
// inserted or deleted after Scan returns are not reflected. limit <= 0
// means no limit; a nil pred matches everything.
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

// Search brute-forces cosine similarity over every record, applying
// filter and threshold, and returns up to k hits sorted by score
// descending with ties broken by smaller record_id.
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
		score := vectormath.CosineSimilarity(query, rec.Embedding)
		if score < threshold {
			continue
		}
		hits = append(hits, models.SearchResult{
			RecordID:  rec.RecordID,
			SystemID:  rec.SystemID,
			Score:     score,
			Tier:      models.TierHot,
			Timestamp: rec.Timestamp,
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

// Candidate resolves one index hit against the live map: the record
// must still exist and pass the filter. The score is recomputed
// against the stored embedding; index scores are approximate and
// cannot back a threshold cut.
func (s *Store) Candidate(recordID string, query []float32, filter models.SearchFilter) (models.SearchResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[recordID]
	if !ok || !filter.Matches(rec) {
		return models.SearchResult{}, false
	}
	return models.SearchResult{
		RecordID:  rec.RecordID,
		SystemID:  rec.SystemID,
		Score:     vectormath.CosineSimilarity(query, rec.Embedding),
		Tier:      models.TierHot,
		Timestamp: rec.Timestamp,
	}, true
}

// VectorRef pairs a record id with its embedding for index builds.
type VectorRef struct {
	ID     string
	Vector []float32
}

// Embeddings lists every (id, embedding) pair. The vectors alias
// store-owned memory and must be treated as read-only; records are
// never mutated in place, so the aliases stay valid.
func (s *Store) Embeddings() []VectorRef {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]VectorRef, 0, len(s.records))
	for id, rec := range s.records {
		out = append(out, VectorRef{ID: id, Vector: rec.Embedding})
	}
	return out
}

// CorruptFrames reports how many torn or checksum-failing frames were
// skipped while loading the snapshot.
func (s *Store) CorruptFrames() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tornFrames
}

// WriteSnapshot persists the current records under dir as a framed
// JSON-row file, atomically (temp file, fsync, rename).
func (s *Store) WriteSnapshot(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("hot snapshot dir: %w", err)
	}

	s.mu.RLock()
	recs := make([]*models.Record, 0, len(s.records))
	for _, rec := range s.records {
		// Records are immutable after insert, so the pointers stay
		// safe to marshal outside the lock.
		recs = append(recs, rec)
	}
	s.mu.RUnlock()

	path := filepath.Join(dir, snapshotFile)
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("hot snapshot create: %w", err)
	}
	for _, rec := range recs {
		payload, err := json.Marshal(rec)
		if err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("hot snapshot encode %s: %w", rec.RecordID, err)
		}
		if err := store.WriteFrame(f, payload); err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("hot snapshot write: %w", err)
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("hot snapshot sync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("hot snapshot close: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("hot snapshot publish: %w", err)
	}

	s.logger.Debug("hot snapshot written", map[string]interface{}{
		"records": len(recs),
		"path":    path,
	})
	return nil
}

// LoadSnapshot restores records from a previous WriteSnapshot. A
// missing file is not an error. A torn tail keeps the intact prefix,
// bumps the corrupt-frame counter and logs a warning.
func (s *Store) LoadSnapshot(dir string) (int, error) {
	path := filepath.Join(dir, snapshotFile)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("hot snapshot open: %w", err)
	}
	defer f.Close()

	restored := 0
	for {
		payload, err := store.ReadFrame(f)
		if err != nil {
			if err == store.ErrTornFrame {
				s.mu.Lock()
				s.tornFrames++
				s.mu.Unlock()
				s.logger.Warn("hot snapshot has a torn tail, keeping intact prefix", map[string]interface{}{
					"path":     path,
					"restored": restored,
				})
			}
			break
		}
		var rec models.Record
		if err := json.Unmarshal(payload, &rec); err != nil {
			s.mu.Lock()
			s.tornFrames++
			s.mu.Unlock()
			s.logger.Warn("hot snapshot row undecodable, skipping", map[string]interface{}{"path": path})
			continue
		}
		s.mu.Lock()
		if _, ok := s.records[rec.RecordID]; !ok {
			rec.Tier = models.TierHot
			s.records[rec.RecordID] = &rec
			restored++
		}
		s.mu.Unlock()
	}
	return restored, nil
}
