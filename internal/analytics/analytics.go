// Package analytics holds the in-process metric engine: bounded ring
// buffers per (metric, system) pair and the read-only trend, anomaly
// and correlation computations over their snapshots.
package analytics

import (
	"math"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/memory-mesh/memory-mesh/pkg/faults"
	"github.com/memory-mesh/memory-mesh/pkg/models"
	"github.com/memory-mesh/memory-mesh/pkg/observability"
)

// Well-known metric names recorded by the engine's own components.
const (
	MetricIngested      = "records_ingested"
	MetricDedupSkipped  = "records_deduplicated"
	MetricAgedWarm      = "records_aged_warm"
	MetricAgedCold      = "records_aged_cold"
	MetricSearchLatency = "search_latency_ms"
)

const (
	// DefaultWindowSize is W, the ring capacity per pair.
	DefaultWindowSize = 10_000
	// DefaultAnomalyThreshold is the anomaly cutoff in standard
	// deviations.
	DefaultAnomalyThreshold = 2.5

	// correlationBuckets is how many alignment buckets a window is
	// split into.
	correlationBuckets = 50
	// minCorrelationBuckets is the populated-bucket floor for a pair
	// to be considered.
	minCorrelationBuckets = 10
	// stablePercent is the |percent_change| under which a trend is
	// reported stable.
	stablePercent = 5.0
)

type bufKey struct {
	metric string
	system string
}

// Engine is the analytics coordinator. Safe for concurrent use.
type Engine struct {
	capacity int
	logger   observability.Logger

	mu      sync.RWMutex
	buffers map[bufKey]*ring

	now func() time.Time
}

// New returns an engine with the given ring capacity per pair.
func New(capacity int, logger observability.Logger) *Engine {
	if capacity <= 0 {
		capacity = DefaultWindowSize
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Engine{
		capacity: capacity,
		logger:   logger,
		buffers:  make(map[bufKey]*ring),
		now:      time.Now,
	}
}

// Record appends one sample. O(1); never blocks on readers beyond the
// ring's short critical section.
func (e *Engine) Record(metric, system string, ts time.Time, value float64) {
	key := bufKey{metric: metric, system: system}

	e.mu.RLock()
	r, ok := e.buffers[key]
	e.mu.RUnlock()
	if !ok {
		e.mu.Lock()
		if r, ok = e.buffers[key]; !ok {
			r = newRing(e.capacity)
			e.buffers[key] = r
		}
		e.mu.Unlock()
	}

	r.add(models.MetricPoint{
		MetricName: metric,
		SystemID:   system,
		Timestamp:  ts.UTC(),
		Value:      value,
	})
}

// Summary describes one (metric, system) buffer for the metrics
// surface.
type Summary struct {
	MetricName string    `json:"metric_name"`
	Count      int       `json:"count"`
	Latest     float64   `json:"latest"`
	LatestAt   time.Time `json:"latest_at"`
	Min        float64   `json:"min"`
	Max        float64   `json:"max"`
	Mean       float64   `json:"mean"`
}

// SystemMetrics summarizes a system's buffers. An empty names slice
// selects every metric recorded for the system; results are sorted by
// metric name.
func (e *Engine) SystemMetrics(systemID string, names []string) []Summary {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}

	e.mu.RLock()
	rings := make(map[string]*ring)
	for key, r := range e.buffers {
		if key.system != systemID {
			continue
		}
		if len(want) > 0 && !want[key.metric] {
			continue
		}
		rings[key.metric] = r
	}
	e.mu.RUnlock()

	out := make([]Summary, 0, len(rings))
	for metric, r := range rings {
		points := r.snapshot()
		if len(points) == 0 {
			continue
		}
		s := Summary{
			MetricName: metric,
			Count:      len(points),
			Latest:     points[len(points)-1].Value,
			LatestAt:   points[len(points)-1].Timestamp,
			Min:        points[0].Value,
			Max:        points[0].Value,
		}
		sum := 0.0
		for _, p := range points {
			sum += p.Value
			if p.Value < s.Min {
				s.Min = p.Value
			}
			if p.Value > s.Max {
				s.Max = p.Value
			}
		}
		s.Mean = sum / float64(len(points))
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MetricName < out[j].MetricName })
	return out
}

// Systems lists every system_id with at least one buffer, sorted.
func (e *Engine) Systems() []string {
	e.mu.RLock()
	set := make(map[string]struct{})
	for key := range e.buffers {
		set[key.system] = struct{}{}
	}
	e.mu.RUnlock()

	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (e *Engine) windowPoints(metric, system string, window time.Duration) []models.MetricPoint {
	e.mu.RLock()
	r, ok := e.buffers[bufKey{metric: metric, system: system}]
	e.mu.RUnlock()
	if !ok {
		return nil
	}
	return r.snapshotSince(e.now().Add(-window))
}

// Trend fits a least-squares line over the window and classifies it.
// Strength is the r² of the fit; direction is stable when the fitted
// change across the window stays under 5 percent of the baseline.
func (e *Engine) Trend(metric, system string, window time.Duration) (models.TrendResult, error) {
	if window <= 0 {
		return models.TrendResult{}, faults.New(faults.KindValidation, "trend window must be positive")
	}
	points := e.windowPoints(metric, system, window)
	if len(points) < 2 {
		return models.TrendResult{}, faults.Newf(faults.KindValidation,
			"trend needs at least 2 samples in window, have %d", len(points))
	}

	base := points[0].Timestamp
	xs := make([]float64, len(points))
	ys := make([]float64, len(points))
	for i, p := range points {
		xs[i] = p.Timestamp.Sub(base).Seconds()
		ys[i] = p.Value
	}

	alpha, beta := stat.LinearRegression(xs, ys, nil, false)
	r2 := stat.RSquared(xs, ys, nil, alpha, beta)
	if math.IsNaN(r2) || r2 < 0 {
		r2 = 0
	}

	yStart := alpha
	yEnd := alpha + beta*xs[len(xs)-1]
	denom := math.Abs(yStart)
	if denom < 1e-9 {
		denom = math.Abs(stat.Mean(ys, nil))
	}
	if denom < 1e-9 {
		denom = 1
	}
	pc := (yEnd - yStart) / denom * 100

	dir := models.TrendStable
	if math.Abs(pc) >= stablePercent {
		if beta > 0 {
			dir = models.TrendIncreasing
		} else {
			dir = models.TrendDecreasing
		}
	}

	return models.TrendResult{
		MetricName:    metric,
		SystemID:      system,
		Direction:     dir,
		Slope:         beta,
		Strength:      r2,
		PercentChange: pc,
		SampleCount:   len(points),
	}, nil
}

// Anomalies flags points whose deviation from the window mean exceeds
// thresholdStd standard deviations. A zero standard deviation yields no
// anomalies.
func (e *Engine) Anomalies(metric, system string, thresholdStd float64, window time.Duration) ([]models.Anomaly, error) {
	if window <= 0 {
		return nil, faults.New(faults.KindValidation, "anomaly window must be positive")
	}
	if thresholdStd <= 0 {
		thresholdStd = DefaultAnomalyThreshold
	}
	points := e.windowPoints(metric, system, window)
	if len(points) < 3 {
		return nil, nil
	}

	ys := make([]float64, len(points))
	for i, p := range points {
		ys[i] = p.Value
	}
	mean := stat.Mean(ys, nil)
	sigma := stat.StdDev(ys, nil)
	if sigma == 0 || math.IsNaN(sigma) {
		return nil, nil
	}

	var out []models.Anomaly
	for i, p := range points {
		dev := math.Abs(p.Value-mean) / sigma
		if dev > thresholdStd {
			out = append(out, models.Anomaly{
				Index:      i,
				Timestamp:  p.Timestamp,
				Value:      p.Value,
				Mean:       mean,
				StdDev:     sigma,
				Deviations: dev,
			})
		}
	}
	return out, nil
}

// Correlate computes Pearson correlations of one metric across every
// pair of systems, over timestamp buckets of window/50. Pairs need at
// least 10 aligned populated buckets; only |r| >= 0.5 with a two-sided
// t-test p-value under 0.05 are reported, strongest first.
func (e *Engine) Correlate(metric string, window time.Duration) ([]models.Correlation, error) {
	if window <= 0 {
		return nil, faults.New(faults.KindValidation, "correlation window must be positive")
	}

	e.mu.RLock()
	rings := make(map[string]*ring)
	for key, r := range e.buffers {
		if key.metric == metric {
			rings[key.system] = r
		}
	}
	e.mu.RUnlock()
	if len(rings) < 2 {
		return nil, nil
	}

	now := e.now()
	start := now.Add(-window)
	bucketWidth := window / correlationBuckets

	// Bucket means per system, indexed 0..correlationBuckets-1.
	type buckets struct {
		sum   [correlationBuckets]float64
		count [correlationBuckets]int
	}
	bySystem := make(map[string]*buckets, len(rings))
	for system, r := range rings {
		b := &buckets{}
		for _, p := range r.snapshotSince(start) {
			idx := int(p.Timestamp.Sub(start) / bucketWidth)
			if idx < 0 {
				continue
			}
			if idx >= correlationBuckets {
				idx = correlationBuckets - 1
			}
			b.sum[idx] += p.Value
			b.count[idx]++
		}
		bySystem[system] = b
	}

	systems := make([]string, 0, len(bySystem))
	for s := range bySystem {
		systems = append(systems, s)
	}
	sort.Strings(systems)

	var out []models.Correlation
	for i := 0; i < len(systems); i++ {
		for j := i + 1; j < len(systems); j++ {
			a, b := bySystem[systems[i]], bySystem[systems[j]]

			var xs, ys []float64
			for k := 0; k < correlationBuckets; k++ {
				if a.count[k] > 0 && b.count[k] > 0 {
					xs = append(xs, a.sum[k]/float64(a.count[k]))
					ys = append(ys, b.sum[k]/float64(b.count[k]))
				}
			}
			n := len(xs)
			if n < minCorrelationBuckets {
				continue
			}

			r := stat.Correlation(xs, ys, nil)
			if math.IsNaN(r) || math.Abs(r) < 0.5 {
				continue
			}
			p := correlationPValue(r, n)
			if p >= 0.05 {
				continue
			}
			out = append(out, models.Correlation{
				MetricName: metric,
				SystemA:    systems[i],
				SystemB:    systems[j],
				R:          r,
				PValue:     p,
				Buckets:    n,
			})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		ri, rj := math.Abs(out[i].R), math.Abs(out[j].R)
		if ri != rj {
			return ri > rj
		}
		if out[i].SystemA != out[j].SystemA {
			return out[i].SystemA < out[j].SystemA
		}
		return out[i].SystemB < out[j].SystemB
	})
	return out, nil
}

// correlationPValue is the two-sided Student-t test for a Pearson r
// with n-2 degrees of freedom.
func correlationPValue(r float64, n int) float64 {
	df := float64(n - 2)
	if df <= 0 {
		return 1
	}
	if math.Abs(r) >= 1 {
		return 0
	}
	t := math.Abs(r) * math.Sqrt(df/(1-r*r))
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
	return 2 * (1 - dist.CDF(t))
}
