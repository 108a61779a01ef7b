// Package dedup implements the per-shard duplicate detector: a bloom
// filter fronting an exact content-hash set, plus a MinHash LSH index
// for near-duplicates. The whole index persists to one signature file
// per shard and is reloaded at startup.
package dedup

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/memory-mesh/memory-mesh/internal/store"
	"github.com/memory-mesh/memory-mesh/pkg/models"
	"github.com/memory-mesh/memory-mesh/pkg/observability"
)

// Config tunes the detector. LSH banding: signatures split into Bands
// bands of RowsPerBand slots; any band collision makes a candidate
// pair, then candidates are verified against NearThreshold. 16 bands of
// 8 rows catch pairs from roughly 0.7 Jaccard up, and verification
// keeps only those at or above the threshold.
type Config struct {
	ExpectedItems     uint    `mapstructure:"expected_items"`
	FalsePositiveRate float64 `mapstructure:"false_positive_rate"`
	Bands             int     `mapstructure:"bands"`
	RowsPerBand       int     `mapstructure:"rows_per_band"`
	NearThreshold     float64 `mapstructure:"near_threshold"`
}

// DefaultConfig sizes the bloom front for a mid-size shard.
func DefaultConfig() Config {
	return Config{
		ExpectedItems:     100_000,
		FalsePositiveRate: 0.01,
		Bands:             16,
		RowsPerBand:       8,
		NearThreshold:     0.8,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ExpectedItems == 0 {
		c.ExpectedItems = d.ExpectedItems
	}
	if c.FalsePositiveRate <= 0 || c.FalsePositiveRate >= 1 {
		c.FalsePositiveRate = d.FalsePositiveRate
	}
	if c.Bands <= 0 || c.RowsPerBand <= 0 || c.Bands*c.RowsPerBand > models.MinHashSize {
		c.Bands = d.Bands
		c.RowsPerBand = d.RowsPerBand
	}
	if c.NearThreshold <= 0 || c.NearThreshold > 1 {
		c.NearThreshold = d.NearThreshold
	}
	return c
}

// Match is one verified near-duplicate.
type Match struct {
	RecordID   string
	Similarity float64
}

// Index is one shard's duplicate detector. Safe for concurrent use.
type Index struct {
	cfg    Config
	logger observability.Logger

	mu     sync.RWMutex
	filter *bloom.BloomFilter
	// hashes maps content_hash to the owning record_id.
	hashes map[string]string
	// sigs keeps full signatures for candidate verification.
	sigs map[string][]uint64
	// bands maps an LSH band key to the record ids sharing it.
	bands map[uint64][]string
}

// New returns an empty detector.
func New(cfg Config, logger observability.Logger) *Index {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Index{
		cfg:    cfg,
		logger: logger,
		filter: bloom.NewWithEstimates(cfg.ExpectedItems, cfg.FalsePositiveRate),
		hashes: make(map[string]string),
		sigs:   make(map[string][]uint64),
		bands:  make(map[uint64][]string),
	}
}

// SeenExact reports whether contentHash is already present, returning
// the owning record_id. The bloom filter answers the common miss
// without touching the exact set.
func (x *Index) SeenExact(contentHash string) (string, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if !x.filter.TestString(contentHash) {
		return "", false
	}
	owner, ok := x.hashes[contentHash]
	return owner, ok
}

// Add registers a record's content hash and, when sig is non-nil, its
// near-duplicate signature.
func (x *Index) Add(recordID, contentHash string, sig []uint64) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.addLocked(recordID, contentHash, sig)
}

func (x *Index) addLocked(recordID, contentHash string, sig []uint64) {
	if contentHash != "" {
		if _, ok := x.hashes[contentHash]; !ok {
			x.hashes[contentHash] = recordID
			x.filter.AddString(contentHash)
		}
	}
	// Band keys index a fixed layout; odd-length signatures cannot be
	// placed and are dropped.
	if len(sig) != models.MinHashSize {
		return
	}
	if _, ok := x.sigs[recordID]; ok {
		return
	}
	cp := make([]uint64, len(sig))
	copy(cp, sig)
	x.sigs[recordID] = cp
	for _, key := range x.bandKeys(cp) {
		x.bands[key] = append(x.bands[key], recordID)
	}
}

// NearDuplicates returns records whose verified similarity to sig is at
// or above the configured threshold, excluding excludeID, sorted by
// similarity descending then record_id ascending.
func (x *Index) NearDuplicates(sig []uint64, excludeID string) []Match {
	if len(sig) != models.MinHashSize {
		return nil
	}
	x.mu.RLock()
	defer x.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []Match
	for _, key := range x.bandKeys(sig) {
		for _, id := range x.bands[key] {
			if id == excludeID {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			if s := SignatureSimilarity(sig, x.sigs[id]); s >= x.cfg.NearThreshold {
				out = append(out, Match{RecordID: id, Similarity: s})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].RecordID < out[j].RecordID
	})
	return out
}

// Len reports the exact-set cardinality.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.hashes)
}

func (x *Index) bandKeys(sig []uint64) []uint64 {
	keys := make([]uint64, 0, x.cfg.Bands)
	var buf [8]byte
	for b := 0; b < x.cfg.Bands; b++ {
		h := fnv.New64a()
		buf[0] = byte(b)
		h.Write(buf[:1])
		start := b * x.cfg.RowsPerBand
		for r := 0; r < x.cfg.RowsPerBand; r++ {
			binary.LittleEndian.PutUint64(buf[:], sig[start+r])
			h.Write(buf[:])
		}
		keys = append(keys, h.Sum64())
	}
	return keys
}

// SaveFile persists the detector to path atomically.
func (x *Index) SaveFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("dedup dir: %w", err)
	}

	x.mu.RLock()
	type row struct {
		hash string
		id   string
	}
	rows := make([]row, 0, len(x.hashes))
	for h, id := range x.hashes {
		rows = append(rows, row{hash: h, id: id})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].hash < rows[j].hash })

	payloads := make([][]byte, 0, len(rows))
	for _, r := range rows {
		buf := store.AppendString(nil, r.hash)
		buf = store.AppendString(buf, r.id)
		sig := x.sigs[r.id]
		buf = binary.AppendUvarint(buf, uint64(len(sig)))
		for _, v := range sig {
			buf = binary.LittleEndian.AppendUint64(buf, v)
		}
		payloads = append(payloads, buf)
	}
	x.mu.RUnlock()

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("dedup file create: %w", err)
	}
	for _, p := range payloads {
		if err := store.WriteFrame(f, p); err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("dedup file write: %w", err)
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("dedup file sync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("dedup file close: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("dedup file publish: %w", err)
	}
	return nil
}

// LoadFile restores a detector from path. A missing file yields an
// empty index; a torn tail keeps the intact prefix.
func LoadFile(path string, cfg Config, logger observability.Logger) (*Index, error) {
	x := New(cfg, logger)

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return x, nil
		}
		return nil, fmt.Errorf("dedup file open: %w", err)
	}
	defer f.Close()

	for {
		payload, err := store.ReadFrame(f)
		if err != nil {
			if err == store.ErrTornFrame {
				x.logger.Warn("dedup file has a torn tail, keeping intact prefix", map[string]interface{}{
					"path": path,
				})
			}
			return x, nil
		}
		c := store.NewCursor(payload)
		hash := c.Str(1 << 10)
		id := c.Str(1 << 10)
		var sig []uint64
		if n := c.Count(models.MinHashSize); c.Err() == nil && n > 0 {
			sig = make([]uint64, n)
			for i := 0; i < n && c.Err() == nil; i++ {
				sig[i] = c.U64()
			}
		}
		if c.Err() != nil {
			x.logger.Warn("dedup row undecodable, skipping", map[string]interface{}{"path": path})
			continue
		}
		// The index is not shared until LoadFile returns, so the lock
		// is not needed here.
		x.addLocked(id, hash, sig)
	}
}
