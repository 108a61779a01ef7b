package analytics

import (
	"sync"
	"time"

	"github.com/memory-mesh/memory-mesh/pkg/models"
)

// ring is a fixed-capacity buffer of metric points for one
// (metric, system) pair. Insertion is O(1) and overwrites the oldest
// point once full. Readers take a snapshot; analytics never block
// writers for longer than the copy.
type ring struct {
	mu    sync.Mutex
	buf   []models.MetricPoint
	head  int
	count int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]models.MetricPoint, capacity)}
}

func (r *ring) add(p models.MetricPoint) {
	r.mu.Lock()
	r.buf[r.head] = p
	r.head = (r.head + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
	r.mu.Unlock()
}

// snapshot copies the live points in insertion order, oldest first.
func (r *ring) snapshot() []models.MetricPoint {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]models.MetricPoint, 0, r.count)
	start := r.head - r.count
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

// snapshotSince copies points with timestamps at or after cutoff.
func (r *ring) snapshotSince(cutoff time.Time) []models.MetricPoint {
	all := r.snapshot()
	out := all[:0]
	for _, p := range all {
		if !p.Timestamp.Before(cutoff) {
			out = append(out, p)
		}
	}
	return out
}
