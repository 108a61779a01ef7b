// Package ingest pulls uploads from the object store into the engine.
// A discovery loop lists manifests under systems/ prefixes, a claim
// table arbitrates ownership across replicas, and a worker pool
// validates, deduplicates, embeds and routes each record into its
// shard.
// Processing is at-least-once: a worker that dies mid-upload leaves its
// claim to expire, and the exact-dedup index makes the replay a no-op.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/memory-mesh/memory-mesh/internal/analytics"
	"github.com/memory-mesh/memory-mesh/internal/dedup"
	"github.com/memory-mesh/memory-mesh/internal/graph"
	"github.com/memory-mesh/memory-mesh/internal/metrics"
	"github.com/memory-mesh/memory-mesh/internal/objectstore"
	"github.com/memory-mesh/memory-mesh/internal/resilience"
	"github.com/memory-mesh/memory-mesh/internal/shard"
	"github.com/memory-mesh/memory-mesh/pkg/embedding"
	"github.com/memory-mesh/memory-mesh/pkg/faults"
	"github.com/memory-mesh/memory-mesh/pkg/models"
	"github.com/memory-mesh/memory-mesh/pkg/observability"
)

const (
	systemsPrefix    = "systems/"
	processedPrefix  = "processed/"
	deadletterPrefix = "deadletter/"
	recordsDir       = "records/"
	manifestName     = "manifest.json"
	recordExt        = ".bin"

	// queueFactor sizes the upload queue relative to the worker count;
	// a full queue blocks discovery, which is the backpressure signal.
	queueFactor = 4
)

// errVanished marks an upload whose manifest disappeared between
// listing and fetch: a previous run acknowledged it but crashed before
// releasing the claim.
var errVanished = errors.New("upload already acknowledged")

// Config controls the pull pipeline.
type Config struct {
	Workers            int
	PollInterval       time.Duration
	ClaimLease         time.Duration
	RateLimitPerSystem float64
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.ClaimLease <= 0 {
		c.ClaimLease = 5 * time.Minute
	}
	if c.RateLimitPerSystem <= 0 {
		c.RateLimitPerSystem = 10
	}
	return c
}

// Deps are the collaborators the pipeline feeds. Stats, Metrics and
// Alerter may be nil when the corresponding sink is not wired.
type Deps struct {
	Store    objectstore.Store
	Claims   ClaimTable
	Shards   *shard.Set
	Encoder  embedding.Encoder
	Graph    *graph.Graph
	Stats    *analytics.Engine
	Metrics  *metrics.Metrics
	Alerter  shard.Alerter
	Breakers *resilience.Registry
}

// upload is one claimed manifest waiting for a worker.
type upload struct {
	systemID    string
	uploadID    string
	prefix      string
	manifestKey string
}

// fileData is one fetched record object.
type fileData struct {
	name string
	data []byte
}

// fetched carries an upload's bytes from fetch to acknowledgement.
type fetched struct {
	manifestRaw []byte
	files       []fileData
}

// Stats is a point-in-time snapshot of pipeline counters.
type Stats struct {
	Claimed         int64 `json:"claimed"`
	Processed       int64 `json:"processed"`
	DeadLettered    int64 `json:"dead_lettered"`
	RecordsIngested int64 `json:"records_ingested"`
	RecordsSkipped  int64 `json:"records_skipped"`
	RecordsInvalid  int64 `json:"records_invalid"`
	QueueDepth      int   `json:"queue_depth"`
	QueueCapacity   int   `json:"queue_capacity"`
}

// Service runs discovery and the worker pool.
type Service struct {
	cfg     Config
	retry   resilience.RetryConfig
	store   objectstore.Store
	claims  ClaimTable
	shards  *shard.Set
	encoder embedding.Encoder
	graph   *graph.Graph
	stats   *analytics.Engine
	mets    *metrics.Metrics
	alerter shard.Alerter

	storeBreaker *resilience.Breaker
	encBreaker   *resilience.Breaker

	queue chan upload

	limitMu sync.Mutex
	limits  map[string]*rate.Limiter

	// lockMu guards sysLocks; each inner mutex serializes inserts for
	// one system so listing order is preserved within a tenant.
	lockMu   sync.Mutex
	sysLocks map[string]*sync.Mutex

	claimed         atomic.Int64
	processed       atomic.Int64
	deadLettered    atomic.Int64
	recordsIngested atomic.Int64
	recordsSkipped  atomic.Int64
	recordsInvalid  atomic.Int64

	now    func() time.Time
	logger observability.Logger

	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

// New assembles the pipeline. The worker pool does not run until Start.
func New(cfg Config, deps Deps, logger observability.Logger) *Service {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	cfg = cfg.withDefaults()
	breakers := deps.Breakers
	if breakers == nil {
		breakers = resilience.NewRegistry(resilience.DefaultBreakerConfig(), logger)
	}
	return &Service{
		cfg:          cfg,
		retry:        resilience.DefaultRetryConfig(),
		store:        deps.Store,
		claims:       deps.Claims,
		shards:       deps.Shards,
		encoder:      deps.Encoder,
		graph:        deps.Graph,
		stats:        deps.Stats,
		mets:         deps.Metrics,
		alerter:      deps.Alerter,
		storeBreaker: breakers.Get("object-store"),
		encBreaker:   breakers.Get("encoder"),
		queue:        make(chan upload, queueFactor*cfg.Workers),
		limits:       make(map[string]*rate.Limiter),
		sysLocks:     make(map[string]*sync.Mutex),
		now:          time.Now,
		logger:       logger,
	}
}

// Start launches the discovery loop and the worker pool.
func (s *Service) Start(ctx context.Context) {
	if s.started {
		return
	}
	s.started = true
	s.stopCh = make(chan struct{})
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.workerLoop(ctx, i)
	}
	s.wg.Add(1)
	go s.discoveryLoop(ctx)
	s.logger.Info("ingest started", map[string]interface{}{
		"workers":       s.cfg.Workers,
		"poll_interval": s.cfg.PollInterval.String(),
		"claim_lease":   s.cfg.ClaimLease.String(),
		"queue_cap":     cap(s.queue),
	})
}

// Stop signals every loop and waits for in-flight uploads to finish.
// Queued uploads stay claimed; their leases expire and a later run
// picks them up again.
func (s *Service) Stop() {
	if !s.started {
		return
	}
	close(s.stopCh)
	s.wg.Wait()
	s.started = false
}

// Snapshot returns current pipeline counters.
func (s *Service) Snapshot() Stats {
	return Stats{
		Claimed:         s.claimed.Load(),
		Processed:       s.processed.Load(),
		DeadLettered:    s.deadLettered.Load(),
		RecordsIngested: s.recordsIngested.Load(),
		RecordsSkipped:  s.recordsSkipped.Load(),
		RecordsInvalid:  s.recordsInvalid.Load(),
		QueueDepth:      len(s.queue),
		QueueCapacity:   cap(s.queue),
	}
}

func (s *Service) discoveryLoop(ctx context.Context) {
	defer s.wg.Done()
	s.Discover(ctx)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Discover(ctx)
		}
	}
}

// Discover walks systems/ for manifests, claims the unclaimed ones in
// listing order and enqueues them. The enqueue blocks when the queue is
// full, pausing the walk until workers catch up. Returns how many
// uploads were enqueued.
func (s *Service) Discover(ctx context.Context) int {
	enqueued := 0
	err := s.listObjects(ctx, systemsPrefix, func(obj objectstore.Object) error {
		up, ok := parseUploadKey(obj.Key)
		if !ok {
			return nil
		}
		claimed, err := s.claims.Claim(ctx, up.manifestKey, s.cfg.ClaimLease)
		if err != nil {
			return err
		}
		if !claimed {
			return nil
		}
		select {
		case s.queue <- up:
			s.claimed.Add(1)
			enqueued++
			s.setQueueGauge()
			return nil
		case <-ctx.Done():
			_ = s.claims.Release(ctx, up.manifestKey)
			return ctx.Err()
		case <-s.stopCh:
			_ = s.claims.Release(ctx, up.manifestKey)
			return objectstore.ErrStopWalk
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("discovery walk failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
	if enqueued > 0 {
		s.logger.Debug("discovery enqueued uploads", map[string]interface{}{
			"count": enqueued,
		})
	}
	return enqueued
}

func (s *Service) workerLoop(ctx context.Context, id int) {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case up := <-s.queue:
			s.setQueueGauge()
			s.handle(ctx, up)
		}
	}
}

// handle drives one claimed upload to a terminal state: acknowledged,
// dead-lettered, or abandoned to lease expiry on cancellation.
func (s *Service) handle(ctx context.Context, up upload) {
	start := time.Now()
	res, err := s.process(ctx, up)
	switch {
	case err == nil:
		s.ack(ctx, up, res)
		s.processed.Add(1)
		s.releaseClaim(ctx, up)
		s.logger.Info("upload processed", map[string]interface{}{
			"system_id":   up.systemID,
			"upload_id":   up.uploadID,
			"records":     len(res.files),
			"duration_ms": time.Since(start).Milliseconds(),
		})
	case errors.Is(err, errVanished):
		s.releaseClaim(ctx, up)
	case ctx.Err() != nil:
		// Shutdown or force-cancel: keep the claim so the lease expiry
		// hands the upload to a later run.
		s.logger.Warn("upload abandoned mid-flight", map[string]interface{}{
			"system_id": up.systemID,
			"upload_id": up.uploadID,
		})
	default:
		if s.deadLetter(ctx, up, err) {
			s.deadLettered.Add(1)
			s.releaseClaim(ctx, up)
		}
	}
}

// process fetches, verifies and ingests one upload. The returned
// fetched bytes are reused by ack so nothing is read twice.
func (s *Service) process(ctx context.Context, up upload) (_ *fetched, err error) {
	ctx, span := observability.StartSpan(ctx, "ingest.upload",
		attribute.String("system_id", up.systemID),
		attribute.String("upload_id", up.uploadID))
	defer func() { observability.EndSpan(span, err) }()

	raw, err := s.getObject(ctx, up.manifestKey)
	if err != nil {
		if objectstore.IsNotFound(err) {
			return nil, errVanished
		}
		return nil, err
	}
	m, err := ParseManifest(raw)
	if err != nil {
		return nil, err
	}

	res := &fetched{manifestRaw: raw, files: make([]fileData, 0, len(m.Files))}
	hasher := sha256.New()
	for _, name := range m.Files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := s.getObject(ctx, up.prefix+recordsDir+name)
		if err != nil {
			return nil, err
		}
		hasher.Write(data)
		res.files = append(res.files, fileData{name: name, data: data})
	}
	if sum := hex.EncodeToString(hasher.Sum(nil)); sum != m.Checksum {
		s.emitAlert(models.AlertTypeDataCorruption, models.SeverityCritical, "upload checksum mismatch", map[string]string{
			"system_id": up.systemID,
			"upload_id": m.UploadID,
			"expected":  m.Checksum,
			"actual":    sum,
		})
		return nil, faults.Newf(faults.KindCorruption, "upload %s: checksum mismatch", m.UploadID)
	}

	// One tenant's inserts are serialized so they land in listing
	// order even when its uploads are spread across workers.
	lock := s.systemLock(up.systemID)
	lock.Lock()
	defer lock.Unlock()

	for _, fd := range res.files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := s.ingestRecord(ctx, up, m, fd); err != nil {
			if faults.KindOf(err) == faults.KindValidation {
				s.recordsInvalid.Add(1)
				s.countFailure("invalid_record")
				s.logger.Warn("record rejected", map[string]interface{}{
					"system_id": up.systemID,
					"upload_id": up.uploadID,
					"file":      fd.name,
					"error":     err.Error(),
				})
				continue
			}
			return nil, err
		}
	}
	return res, nil
}

// ingestRecord runs the per-record pipeline: rate limit, exact dedup,
// embed, sketch, route, insert, link, count.
func (s *Service) ingestRecord(ctx context.Context, up upload, m *Manifest, fd fileData) error {
	if err := s.limiter(up.systemID).Wait(ctx); err != nil {
		return err
	}

	recordID := strings.TrimSuffix(fd.name, recordExt)
	if recordID == "" {
		return faults.Newf(faults.KindValidation, "file %q yields an empty record id", fd.name)
	}
	payload, err := parseRecordPayload(fd.data)
	if err != nil {
		return err
	}
	ts := payload.Timestamp
	if ts.IsZero() {
		ts = m.UploadedAt
	}
	ts = ts.UTC()

	sum := sha256.Sum256([]byte(payload.Text))
	contentHash := hex.EncodeToString(sum[:])

	sh := s.shards.ForSystem(up.systemID)
	if prior, seen := sh.Dedup().SeenExact(contentHash); seen {
		s.recordsSkipped.Add(1)
		s.countDedup("exact")
		if s.stats != nil {
			s.stats.Record(analytics.MetricDedupSkipped, up.systemID, s.now(), 1)
		}
		s.logger.Debug("exact duplicate skipped", map[string]interface{}{
			"system_id": up.systemID,
			"record_id": recordID,
			"prior":     prior,
		})
		return nil
	}

	var vec []float32
	err = s.encBreaker.Do(ctx, func(ctx context.Context) error {
		var encErr error
		vec, encErr = s.encoder.Encode(ctx, payload.Text)
		return encErr
	})
	if err != nil {
		return err
	}
	sig := dedup.Signature(payload.Text)
	matches := sh.Dedup().NearDuplicates(sig, recordID)

	rec := &models.Record{
		RecordID:    recordID,
		SystemID:    up.systemID,
		Content:     payload.Text,
		Embedding:   vec,
		Metadata:    payload.Metadata,
		Timestamp:   ts,
		ContentHash: contentHash,
		MinHashSig:  sig,
		Tier:        models.TierHot,
	}
	if err := sh.InsertHot(rec); err != nil {
		return err
	}
	sh.Dedup().Add(recordID, contentHash, sig)
	s.linkGraph(up.systemID, recordID, contentHash, ts, matches)

	s.recordsIngested.Add(1)
	if s.mets != nil {
		s.mets.RecordsIngested.WithLabelValues(up.systemID).Inc()
	}
	if s.stats != nil {
		s.stats.Record(analytics.MetricIngested, up.systemID, s.now(), 1)
	}
	return nil
}

// linkGraph records the upload's structure: the record entity, its
// owning system and, when the sketch found one, the near-duplicate
// cluster it joins.
func (s *Service) linkGraph(systemID, recordID, contentHash string, ts time.Time, matches []dedup.Match) {
	if s.graph == nil {
		return
	}
	sysEntity := models.EntityKey(models.EntityTypeSystem, systemID)
	recEntity := models.EntityKey(models.EntityTypeRecord, recordID)

	s.upsertQuiet(models.Entity{
		EntityID:     sysEntity,
		EntityType:   models.EntityTypeSystem,
		SourceSystem: systemID,
		CreatedAt:    ts,
	})
	s.upsertQuiet(models.Entity{
		EntityID:     recEntity,
		EntityType:   models.EntityTypeRecord,
		Properties:   map[string]interface{}{"content_hash": contentHash},
		SourceSystem: systemID,
		CreatedAt:    ts,
	})
	s.addEdgeQuiet(models.Edge{
		SourceID:     recEntity,
		TargetID:     sysEntity,
		RelationType: models.RelationBelongsTo,
		Weight:       1,
		SourceSystem: systemID,
		CreatedAt:    ts,
	})

	if len(matches) == 0 {
		return
	}
	top := matches[0]
	canonical := models.EntityKey(models.EntityTypeRecord, top.RecordID)
	s.upsertQuiet(models.Entity{
		EntityID:     canonical,
		EntityType:   models.EntityTypeRecord,
		SourceSystem: systemID,
		CreatedAt:    ts,
	})
	s.addEdgeQuiet(models.Edge{
		SourceID:     recEntity,
		TargetID:     canonical,
		RelationType: models.RelationNearDuplicate,
		Weight:       top.Similarity,
		SourceSystem: systemID,
		CreatedAt:    ts,
	})
	s.countDedup("near")
}

func (s *Service) upsertQuiet(e models.Entity) {
	if err := s.graph.UpsertEntity(e); err != nil {
		s.logger.Warn("graph upsert failed", map[string]interface{}{
			"entity_id": e.EntityID,
			"error":     err.Error(),
		})
	}
}

func (s *Service) addEdgeQuiet(e models.Edge) {
	if err := s.graph.AddEdge(e); err != nil {
		s.logger.Warn("graph edge failed", map[string]interface{}{
			"source": e.SourceID,
			"target": e.TargetID,
			"error":  err.Error(),
		})
	}
}

// ack moves the upload under processed/ and deletes the originals.
// Failures are logged, not fatal: leftovers are re-discovered, the
// dedup index skips every record, and the move is retried.
func (s *Service) ack(ctx context.Context, up upload, res *fetched) {
	move := func(key string, data []byte) {
		if err := s.putObject(ctx, processedPrefix+key, data); err != nil {
			s.logger.Warn("ack copy failed", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
			return
		}
		if err := s.deleteObject(ctx, key); err != nil {
			s.logger.Warn("ack delete failed", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
		}
	}
	for _, fd := range res.files {
		move(up.prefix+recordsDir+fd.name, fd.data)
	}
	// The manifest moves last so a partial ack is still discoverable.
	move(up.manifestKey, res.manifestRaw)
}

// deadLetter copies the upload under deadletter/{system}/{upload}/
// with a failure note, then removes the originals. It reports whether
// the move completed; when it does not, the claim is kept so the lease
// retries the whole upload later.
func (s *Service) deadLetter(ctx context.Context, up upload, cause error) bool {
	base := deadletterPrefix + up.systemID + "/" + up.uploadID + "/"
	note, _ := json.Marshal(map[string]string{
		"manifest_key": up.manifestKey,
		"error":        cause.Error(),
		"kind":         string(rune(faults.KindOf(cause))),
		"failed_at":    s.now().UTC().Format(time.RFC3339),
	})
	if err := s.putObject(ctx, base+"failure.json", note); err != nil {
		s.logger.Error("dead-letter note failed", map[string]interface{}{
			"upload_id": up.uploadID,
			"error":     err.Error(),
		})
		return false
	}

	var keys []string
	err := s.listObjects(ctx, up.prefix, func(obj objectstore.Object) error {
		keys = append(keys, obj.Key)
		return nil
	})
	if err != nil {
		s.logger.Error("dead-letter walk failed", map[string]interface{}{
			"upload_id": up.uploadID,
			"error":     err.Error(),
		})
		return false
	}
	for _, key := range keys {
		data, err := s.getObject(ctx, key)
		if err != nil {
			if objectstore.IsNotFound(err) {
				continue
			}
			return false
		}
		if err := s.putObject(ctx, base+strings.TrimPrefix(key, up.prefix), data); err != nil {
			return false
		}
		if err := s.deleteObject(ctx, key); err != nil {
			return false
		}
	}

	s.countFailure("deadlettered")
	s.emitAlert(models.AlertTypeIngestFailure, models.SeverityCritical, "upload dead-lettered", map[string]string{
		"system_id": up.systemID,
		"upload_id": up.uploadID,
		"kind":      string(rune(faults.KindOf(cause))),
		"error":     cause.Error(),
	})
	s.logger.Error("upload dead-lettered", map[string]interface{}{
		"system_id": up.systemID,
		"upload_id": up.uploadID,
		"error":     cause.Error(),
	})
	return true
}

func (s *Service) releaseClaim(ctx context.Context, up upload) {
	if err := s.claims.Release(ctx, up.manifestKey); err != nil {
		s.logger.Warn("claim release failed", map[string]interface{}{
			"key":   up.manifestKey,
			"error": err.Error(),
		})
	}
}

// Object-store calls run inside the store breaker with the ingestion
// retry schedule, so five exhausted attempts register as one breaker
// failure.

func (s *Service) getObject(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.storeBreaker.DoWithRetry(ctx, s.retry, func(ctx context.Context) error {
		var err error
		data, err = s.store.Get(ctx, key)
		return err
	})
	return data, err
}

func (s *Service) putObject(ctx context.Context, key string, data []byte) error {
	return s.storeBreaker.DoWithRetry(ctx, s.retry, func(ctx context.Context) error {
		return s.store.Put(ctx, key, data)
	})
}

func (s *Service) deleteObject(ctx context.Context, key string) error {
	return s.storeBreaker.DoWithRetry(ctx, s.retry, func(ctx context.Context) error {
		return s.store.Delete(ctx, key)
	})
}

func (s *Service) listObjects(ctx context.Context, prefix string, fn func(objectstore.Object) error) error {
	return s.storeBreaker.Do(ctx, func(ctx context.Context) error {
		return s.store.List(ctx, prefix, fn)
	})
}

// limiter returns the per-system token bucket, creating it on first
// use. Burst equals one second of the configured rate.
func (s *Service) limiter(systemID string) *rate.Limiter {
	s.limitMu.Lock()
	defer s.limitMu.Unlock()
	lim, ok := s.limits[systemID]
	if !ok {
		burst := int(s.cfg.RateLimitPerSystem)
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(s.cfg.RateLimitPerSystem), burst)
		s.limits[systemID] = lim
	}
	return lim
}

func (s *Service) systemLock(systemID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	l, ok := s.sysLocks[systemID]
	if !ok {
		l = &sync.Mutex{}
		s.sysLocks[systemID] = l
	}
	return l
}

func (s *Service) setQueueGauge() {
	if s.mets != nil {
		s.mets.IngestQueueDepth.Set(float64(len(s.queue)))
	}
}

func (s *Service) countDedup(layer string) {
	if s.mets != nil {
		s.mets.DedupSkips.WithLabelValues(layer).Inc()
	}
}

func (s *Service) countFailure(outcome string) {
	if s.mets != nil {
		s.mets.IngestFailures.WithLabelValues(outcome).Inc()
	}
}

func (s *Service) emitAlert(alertType string, severity models.AlertSeverity, msg string, metadata map[string]string) {
	if s.alerter != nil {
		s.alerter.Emit(alertType, severity, msg, metadata)
	}
}

// parseUploadKey extracts upload coordinates from a manifest key of the
// form systems/{system_id}/{yyyy-mm-dd}/{upload_id}/manifest.json.
// Keys that do not match, including record objects and malformed tenant
// ids, are skipped by discovery.
func parseUploadKey(key string) (upload, bool) {
	if !strings.HasPrefix(key, systemsPrefix) {
		return upload{}, false
	}
	parts := strings.Split(key, "/")
	if len(parts) != 5 || parts[4] != manifestName {
		return upload{}, false
	}
	systemID, date, uploadID := parts[1], parts[2], parts[3]
	if !models.ValidSystemID(systemID) || date == "" || uploadID == "" {
		return upload{}, false
	}
	return upload{
		systemID:    systemID,
		uploadID:    uploadID,
		prefix:      strings.Join(parts[:4], "/") + "/",
		manifestKey: key,
	}, true
}
