// Package query is the fan-out coordinator: it encodes the query text,
// issues per-shard searches under a fraction of the total deadline,
// merges the returning legs into a global top-k, collapses
// near-duplicate clusters through the graph, and reports partial
// results instead of failing when individual shards miss their
// deadline.
package query

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/attribute"

	"github.com/memory-mesh/memory-mesh/internal/analytics"
	"github.com/memory-mesh/memory-mesh/internal/graph"
	"github.com/memory-mesh/memory-mesh/internal/metrics"
	"github.com/memory-mesh/memory-mesh/internal/resilience"
	"github.com/memory-mesh/memory-mesh/internal/shard"
	"github.com/memory-mesh/memory-mesh/pkg/embedding"
	"github.com/memory-mesh/memory-mesh/pkg/faults"
	"github.com/memory-mesh/memory-mesh/pkg/models"
	"github.com/memory-mesh/memory-mesh/pkg/observability"
)

const (
	// MaxK bounds how many results one query may request.
	MaxK = 1000

	// DefaultTimeout is the total budget for one fan-out.
	DefaultTimeout = 2 * time.Second

	// shardDeadlineFactor is the fraction of the total budget each
	// shard leg gets; legs past it are dropped and reported as partial.
	shardDeadlineFactor = 0.8

	// DefaultFacetLimit caps distinct facet values in one response.
	DefaultFacetLimit = 100

	defaultCacheSize = 1024
	defaultCacheTTL  = 30 * time.Second

	// hitRateWindow is how many searches one low-hit-rate evaluation
	// spans.
	hitRateWindow = 100
)

// Rerank reorders the top candidates before the final cut. It receives
// the query text and at most 2k candidates and returns them in the new
// order; the coordinator keeps the first k.
type Rerank func(text string, candidates []models.SearchResult) []models.SearchResult

// Config tunes the coordinator.
type Config struct {
	Timeout   time.Duration
	CacheSize int
	CacheTTL  time.Duration
	// LowHitRate triggers a low_hit_rate alert when the fraction of
	// searches returning at least one result drops below it over the
	// evaluation window. Zero disables the check.
	LowHitRate float64
	// HighLatencyMs triggers a high_latency alert for searches at or
	// above it. Zero disables the check.
	HighLatencyMs float64
	Rerank        Rerank
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.CacheSize <= 0 {
		c.CacheSize = defaultCacheSize
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = defaultCacheTTL
	}
	return c
}

// Deps are the coordinator's collaborators. Graph, Stats, Metrics and
// Alerter may be nil.
type Deps struct {
	Shards   *shard.Set
	Encoder  embedding.Encoder
	Graph    *graph.Graph
	Stats    *analytics.Engine
	Metrics  *metrics.Metrics
	Alerter  shard.Alerter
	Breakers *resilience.Registry
}

// Request is one search. Exactly one of Text and Embedding must be
// set; a raw embedding skips the encoder.
type Request struct {
	Text      string
	Embedding []float32
	K         int
	Filter    models.SearchFilter
	Threshold float64
}

// FacetRequest aggregates one metadata field over matching records.
type FacetRequest struct {
	Field  string
	Filter models.SearchFilter
	Limit  int
}

// cached is one result-cache entry; freshness is checked on read.
type cached struct {
	resp *models.SearchResponse
	at   time.Time
}

// Coordinator fans queries out over the shard set.
type Coordinator struct {
	cfg        Config
	shards     *shard.Set
	encoder    embedding.Encoder
	graph      *graph.Graph
	stats      *analytics.Engine
	mets       *metrics.Metrics
	alerter    shard.Alerter
	encBreaker *resilience.Breaker
	cache      *lru.Cache[string, cached]
	logger     observability.Logger

	searches  atomic.Int64
	cacheHits atomic.Int64

	// hit-rate window counters, reset every hitRateWindow searches
	windowSearches atomic.Int64
	windowHits     atomic.Int64

	now         func() time.Time
	searchShard func(ctx context.Context, sh *shard.Shard, vec []float32, k int, filter models.SearchFilter, threshold float64) ([]models.SearchResult, error)
}

// New builds a coordinator.
func New(cfg Config, deps Deps, logger observability.Logger) *Coordinator {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	cfg = cfg.withDefaults()
	breakers := deps.Breakers
	if breakers == nil {
		breakers = resilience.NewRegistry(resilience.DefaultBreakerConfig(), logger)
	}
	cache, _ := lru.New[string, cached](cfg.CacheSize)
	c := &Coordinator{
		cfg:        cfg,
		shards:     deps.Shards,
		encoder:    deps.Encoder,
		graph:      deps.Graph,
		stats:      deps.Stats,
		mets:       deps.Metrics,
		alerter:    deps.Alerter,
		encBreaker: breakers.Get("encoder"),
		cache:      cache,
		logger:     logger,
		now:        time.Now,
	}
	c.searchShard = func(ctx context.Context, sh *shard.Shard, vec []float32, k int, filter models.SearchFilter, threshold float64) ([]models.SearchResult, error) {
		return sh.Search(ctx, vec, k, filter, threshold)
	}
	return c
}

// Search runs one fan-out query and merges the results.
func (c *Coordinator) Search(ctx context.Context, req Request) (_ *models.SearchResponse, err error) {
	if err := c.validateRequest(req); err != nil {
		return nil, err
	}
	// Zero k short-circuits to an empty result set.
	if req.K == 0 {
		return &models.SearchResponse{Results: []models.SearchResult{}}, nil
	}
	ctx, span := observability.StartSpan(ctx, "query.search",
		attribute.Int("k", req.K),
		attribute.String("system_id", req.Filter.SystemID))
	defer func() { observability.EndSpan(span, err) }()

	start := time.Now()
	c.searches.Add(1)
	if c.mets != nil {
		c.mets.SearchRequests.Inc()
	}

	key := cacheKey(req)
	if ent, ok := c.cache.Get(key); ok {
		if c.now().Sub(ent.at) < c.cfg.CacheTTL {
			c.cacheHits.Add(1)
			return copyResponse(ent.resp), nil
		}
		c.cache.Remove(key)
	}

	vec := req.Embedding
	if vec == nil {
		err = c.encBreaker.Do(ctx, func(ctx context.Context) error {
			var encErr error
			vec, encErr = c.encoder.Encode(ctx, req.Text)
			return encErr
		})
		if err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	targets := c.shards.Targets(req.Filter.SystemID)
	fetchK := 2 * req.K
	hits, queried, failed := c.fanOutSearch(ctx, targets, vec, fetchK, req.Filter, req.Threshold)

	merged := c.collapseClusters(hits)
	sortResults(merged)
	if c.cfg.Rerank != nil && len(merged) > 0 {
		top := merged
		if len(top) > 2*req.K {
			top = top[:2*req.K]
		}
		merged = c.cfg.Rerank(req.Text, top)
	}
	if len(merged) > req.K {
		merged = merged[:req.K]
	}

	resp := &models.SearchResponse{
		Results:       merged,
		Partial:       len(failed) > 0,
		ShardsQueried: queried,
		ShardsFailed:  failed,
	}
	c.observeSearch(req, resp, time.Since(start))
	if !resp.Partial {
		c.cache.Add(key, cached{resp: copyResponse(resp), at: c.now()})
	}
	return resp, nil
}

// Facets aggregates one metadata field across the target shards,
// reducing with sum/count instead of top-k.
func (c *Coordinator) Facets(ctx context.Context, req FacetRequest) (*models.FacetResponse, error) {
	if strings.TrimSpace(req.Field) == "" {
		return nil, faults.New(faults.KindValidation, "facet field is required")
	}
	if req.Filter.SystemID != "" && !models.ValidSystemID(req.Filter.SystemID) {
		return nil, faults.New(faults.KindValidation, "malformed system_id filter")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = DefaultFacetLimit
	}
	if limit > MaxK {
		limit = MaxK
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	targets := c.shards.Targets(req.Filter.SystemID)
	counts, queried, failed := c.fanOutFacets(ctx, targets, req.Field, req.Filter)

	out := make([]models.FacetCount, 0, len(counts))
	for value, n := range counts {
		out = append(out, models.FacetCount{Value: value, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Value < out[j].Value
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return &models.FacetResponse{
		Field:         req.Field,
		Counts:        out,
		Partial:       len(failed) > 0,
		ShardsQueried: queried,
		ShardsFailed:  failed,
	}, nil
}

// Stats reports coordinator counters.
type Stats struct {
	Searches  int64 `json:"searches"`
	CacheHits int64 `json:"cache_hits"`
	CacheLen  int   `json:"cache_len"`
}

// Snapshot returns current counters.
func (c *Coordinator) Snapshot() Stats {
	return Stats{
		Searches:  c.searches.Load(),
		CacheHits: c.cacheHits.Load(),
		CacheLen:  c.cache.Len(),
	}
}

type searchLeg struct {
	id   int
	hits []models.SearchResult
	err  error
}

// fanOutSearch issues one search per target under the per-shard
// deadline. Legs that error or outlive the collection window are
// reported in failed; their goroutines drain into the buffered channel.
func (c *Coordinator) fanOutSearch(ctx context.Context, targets []*shard.Shard, vec []float32, k int, filter models.SearchFilter, threshold float64) ([]models.SearchResult, []int, []int) {
	deadline := time.Duration(float64(c.cfg.Timeout) * shardDeadlineFactor)
	legs := make(chan searchLeg, len(targets))
	for _, sh := range targets {
		sh := sh
		go func() {
			sctx, cancel := context.WithTimeout(ctx, deadline)
			defer cancel()
			hits, err := c.searchShard(sctx, sh, vec, k, filter, threshold)
			legs <- searchLeg{id: sh.ID(), hits: hits, err: err}
		}()
	}

	var hits []models.SearchResult
	queried := make([]int, 0, len(targets))
	var failed []int
	received := make(map[int]bool, len(targets))

collect:
	for range targets {
		select {
		case leg := <-legs:
			received[leg.id] = true
			if leg.err != nil {
				failed = append(failed, leg.id)
				c.logger.Warn("shard search leg failed", map[string]interface{}{
					"shard": leg.id,
					"error": leg.err.Error(),
				})
				continue
			}
			hits = append(hits, leg.hits...)
		case <-ctx.Done():
			break collect
		}
	}
	for _, sh := range targets {
		queried = append(queried, sh.ID())
		if !received[sh.ID()] {
			failed = append(failed, sh.ID())
		}
	}
	sort.Ints(failed)
	return hits, queried, failed
}

// fanOutFacets mirrors fanOutSearch with a map-merge reduction.
func (c *Coordinator) fanOutFacets(ctx context.Context, targets []*shard.Shard, field string, filter models.SearchFilter) (map[string]int, []int, []int) {
	type facetLeg struct {
		id     int
		counts map[string]int
	}
	legs := make(chan facetLeg, len(targets))
	for _, sh := range targets {
		sh := sh
		go func() {
			legs <- facetLeg{id: sh.ID(), counts: sh.FacetCounts(field, filter)}
		}()
	}

	counts := make(map[string]int)
	var failed []int
	received := make(map[int]bool, len(targets))

collect:
	for range targets {
		select {
		case leg := <-legs:
			received[leg.id] = true
			for v, n := range leg.counts {
				counts[v] += n
			}
		case <-ctx.Done():
			break collect
		}
	}
	queried := make([]int, 0, len(targets))
	for _, sh := range targets {
		queried = append(queried, sh.ID())
		if !received[sh.ID()] {
			failed = append(failed, sh.ID())
		}
	}
	sort.Ints(failed)
	return counts, queried, failed
}

// collapseClusters keeps one result per near-duplicate cluster, the
// newest member, using the graph's is_near_duplicate_of chains.
func (c *Coordinator) collapseClusters(results []models.SearchResult) []models.SearchResult {
	if c.graph == nil || len(results) < 2 {
		return results
	}
	newest := make(map[string]models.SearchResult, len(results))
	for _, r := range results {
		root := c.graph.DuplicateRoot(models.EntityKey(models.EntityTypeRecord, r.RecordID))
		cur, ok := newest[root]
		if !ok || r.Timestamp.After(cur.Timestamp) ||
			(r.Timestamp.Equal(cur.Timestamp) && r.RecordID < cur.RecordID) {
			newest[root] = r
		}
	}
	if len(newest) == len(results) {
		return results
	}
	out := make([]models.SearchResult, 0, len(newest))
	for _, r := range newest {
		out = append(out, r)
	}
	return out
}

func (c *Coordinator) observeSearch(req Request, resp *models.SearchResponse, elapsed time.Duration) {
	latencyMs := elapsed.Seconds() * 1000
	tier := deepestTier(resp.Results)

	if c.mets != nil {
		c.mets.SearchLatency.WithLabelValues(string(tier)).Observe(elapsed.Seconds())
		if resp.Partial {
			c.mets.SearchPartials.Inc()
		}
	}
	scope := req.Filter.SystemID
	if scope == "" {
		scope = "all"
	}
	if c.stats != nil {
		c.stats.Record(analytics.MetricSearchLatency, scope, c.now(), latencyMs)
	}
	if c.alerter != nil && c.cfg.HighLatencyMs > 0 && latencyMs >= c.cfg.HighLatencyMs {
		c.alerter.Emit(models.AlertTypeHighLatency, models.SeverityWarning, "search latency above threshold", map[string]string{
			"system_id":  scope,
			"latency_ms": strconv.FormatFloat(latencyMs, 'f', 0, 64),
		})
	}
	c.trackHitRate(scope, len(resp.Results) > 0)
}

// trackHitRate evaluates the low-hit-rate alert once per window.
func (c *Coordinator) trackHitRate(scope string, hit bool) {
	if c.cfg.LowHitRate <= 0 || c.alerter == nil {
		return
	}
	if hit {
		c.windowHits.Add(1)
	}
	n := c.windowSearches.Add(1)
	if n < hitRateWindow {
		return
	}
	hits := c.windowHits.Swap(0)
	c.windowSearches.Store(0)
	rate := float64(hits) / float64(n)
	if rate < c.cfg.LowHitRate {
		c.alerter.Emit(models.AlertTypeLowHitRate, models.SeverityWarning, "search hit rate below threshold", map[string]string{
			"system_id": scope,
			"hit_rate":  strconv.FormatFloat(rate, 'f', 3, 64),
		})
	}
}

func (c *Coordinator) validateRequest(req Request) error {
	hasText := strings.TrimSpace(req.Text) != ""
	switch {
	case !hasText && req.Embedding == nil:
		return faults.New(faults.KindValidation, "query text or embedding is required")
	case hasText && req.Embedding != nil:
		return faults.New(faults.KindValidation, "query text and embedding are mutually exclusive")
	case req.Embedding != nil && len(req.Embedding) != c.encoder.Dim():
		return faults.Newf(faults.KindValidation, "query embedding has %d dimensions, want %d", len(req.Embedding), c.encoder.Dim())
	}
	if utf8.RuneCountInString(req.Text) > models.MaxContentChars {
		return faults.Newf(faults.KindValidation, "query text exceeds %d characters", models.MaxContentChars)
	}
	if req.K < 0 || req.K > MaxK {
		return faults.Newf(faults.KindValidation, "k must be in [0,%d], got %d", MaxK, req.K)
	}
	if req.Threshold < -1 || req.Threshold > 1 {
		return faults.Newf(faults.KindValidation, "threshold must be in [-1,1], got %g", req.Threshold)
	}
	if req.Filter.SystemID != "" && !models.ValidSystemID(req.Filter.SystemID) {
		return faults.New(faults.KindValidation, "malformed system_id filter")
	}
	return nil
}

// sortResults orders by score descending, then newer timestamp, then
// smaller record id.
func sortResults(results []models.SearchResult) {
	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.After(b.Timestamp)
		}
		return a.RecordID < b.RecordID
	})
}

func deepestTier(results []models.SearchResult) models.Tier {
	tier := models.TierHot
	for _, r := range results {
		if r.Tier == models.TierWarm {
			tier = models.TierWarm
		}
	}
	return tier
}

func cacheKey(req Request) string {
	var b strings.Builder
	b.WriteString(req.Text)
	b.WriteByte(0)
	for _, v := range req.Embedding {
		fmt.Fprintf(&b, "%08x", math.Float32bits(v))
	}
	b.WriteByte(0)
	fmt.Fprintf(&b, "%d|%g|%s", req.K, req.Threshold, req.Filter.SystemID)
	if len(req.Filter.Metadata) > 0 {
		keys := make([]string, 0, len(req.Filter.Metadata))
		for k := range req.Filter.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "|%s=%s", k, req.Filter.Metadata[k])
		}
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func copyResponse(resp *models.SearchResponse) *models.SearchResponse {
	cp := *resp
	cp.Results = append([]models.SearchResult(nil), resp.Results...)
	cp.ShardsQueried = append([]int(nil), resp.ShardsQueried...)
	cp.ShardsFailed = append([]int(nil), resp.ShardsFailed...)
	return &cp
}
