// Package engine wires the storage tiers, ingestion, aging, query
// coordination, analytics, graph and alerting into one lifecycle. The
// facade and the daemon entrypoint talk to an Engine; nothing below it
// constructs its own dependencies.
package engine

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/memory-mesh/memory-mesh/internal/aging"
	"github.com/memory-mesh/memory-mesh/internal/alerting"
	"github.com/memory-mesh/memory-mesh/internal/analytics"
	"github.com/memory-mesh/memory-mesh/internal/config"
	"github.com/memory-mesh/memory-mesh/internal/dedup"
	"github.com/memory-mesh/memory-mesh/internal/graph"
	"github.com/memory-mesh/memory-mesh/internal/index"
	"github.com/memory-mesh/memory-mesh/internal/ingest"
	"github.com/memory-mesh/memory-mesh/internal/metrics"
	"github.com/memory-mesh/memory-mesh/internal/objectstore"
	"github.com/memory-mesh/memory-mesh/internal/query"
	"github.com/memory-mesh/memory-mesh/internal/resilience"
	"github.com/memory-mesh/memory-mesh/internal/shard"
	"github.com/memory-mesh/memory-mesh/pkg/embedding"
	"github.com/memory-mesh/memory-mesh/pkg/faults"
	"github.com/memory-mesh/memory-mesh/pkg/models"
	"github.com/memory-mesh/memory-mesh/pkg/observability"
)

const (
	// DrainTimeout bounds graceful shutdown; work still running when it
	// expires is force-cancelled.
	DrainTimeout = 30 * time.Second

	// highLatencyMs is the search latency alert floor.
	highLatencyMs = 1000

	// lowHitRateFloor triggers the low_hit_rate alert when fewer than
	// this fraction of recent searches return anything.
	lowHitRateFloor = 0.05
)

// Options configures engine construction. Encoder, Store and Claims
// default from the config when nil; tests inject fakes through them.
type Options struct {
	Config  *config.Config
	Logger  observability.Logger
	Build   metrics.BuildInfo
	Encoder embedding.Encoder
	Store   objectstore.Store
	Claims  ingest.ClaimTable
}

// Engine owns every long-lived component and their start/stop order.
type Engine struct {
	cfg    *config.Config
	logger observability.Logger

	mets     *metrics.Metrics
	opsSrv   *metrics.Server
	alerts   *alerting.Manager
	breakers *resilience.Registry
	encoder  embedding.Encoder
	store    objectstore.Store
	graph    *graph.Graph
	stats    *analytics.Engine
	set      *shard.Set
	aging    *aging.Scheduler
	ingest   *ingest.Service
	coord    *query.Coordinator

	mu      sync.Mutex
	started bool
	stopped bool
	ready   atomic.Bool
	cancel  context.CancelFunc
}

// New constructs the engine without starting anything. Construction
// already performs startup recovery: shards reload their hot snapshots,
// warm day files, cold archives and dedup signature files.
func New(ctx context.Context, opts Options) (*Engine, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, faults.New(faults.KindValidation, "engine requires a config")
	}
	logger := opts.Logger
	if logger == nil {
		logger = observability.NewNoopLogger()
	}

	encoder := opts.Encoder
	if encoder == nil {
		local, err := embedding.NewLocal(cfg.Storage.EmbedDim)
		if err != nil {
			return nil, err
		}
		encoder = local
	}
	if encoder.Dim() != cfg.Storage.EmbedDim {
		return nil, faults.Newf(faults.KindValidation,
			"embed_dim %d does not match encoder dimension %d", cfg.Storage.EmbedDim, encoder.Dim())
	}

	mets := metrics.New()

	routes := alerting.NewRouter()
	routes.RegisterDefault(cfg.Alerting.URLs()...)
	alerts := alerting.NewManager(alerting.Config{DedupWindow: cfg.Alerting.DedupWindow}, routes, mets, logger)

	breakers := resilience.NewRegistry(resilience.BreakerConfig{
		FailureThreshold: cfg.Circuit.FailureThreshold,
		SuccessThreshold: cfg.Circuit.SuccessThreshold,
		OpenDuration:     cfg.Circuit.OpenDuration,
	}, logger)
	breakers.SetStateHook(func(name, from, to string) {
		mets.SetBreakerState(name, to)
		if to == "open" {
			alerts.Emit(models.AlertTypeBreakerOpen, models.SeverityCritical,
				"circuit breaker opened for "+name,
				map[string]string{"dependency": name, "from": from})
		}
	})

	store := opts.Store
	if store == nil {
		var err error
		store, err = newObjectStore(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
	}

	claims := opts.Claims
	if claims == nil {
		claims = newClaimTable(cfg, logger)
	}

	layout := shard.Layout{Base: cfg.DataDir}
	g := graph.New(graph.Config{SnapshotDir: layout.GraphSnapshotDir()}, logger)
	stats := analytics.New(0, logger)

	set, err := shard.NewSet(shard.SetConfig{
		ShardCount: cfg.Storage.ShardCount,
		Base:       cfg.DataDir,
		Index:      index.DefaultConfig(),
		Dedup:      dedup.DefaultConfig(),
		Metrics:    mets,
	}, logger, alerts)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:      cfg,
		logger:   logger,
		mets:     mets,
		opsSrv:   metrics.NewServer(cfg.Metrics.Listen, mets, opts.Build, logger),
		alerts:   alerts,
		breakers: breakers,
		encoder:  encoder,
		store:    store,
		graph:    g,
		stats:    stats,
		set:      set,
	}

	e.aging = aging.New(aging.Config{
		Period:    cfg.Aging.Period,
		BatchSize: cfg.Aging.BatchSize,
		HotTTL:    cfg.Storage.HotTTL,
		WarmTTL:   cfg.Storage.WarmTTL,
	}, set, stats, mets, alerts, logger)

	e.ingest = ingest.New(ingest.Config{
		Workers:            cfg.Ingest.Workers,
		PollInterval:       cfg.Ingest.PollInterval,
		ClaimLease:         cfg.Ingest.ClaimLease,
		RateLimitPerSystem: cfg.Ingest.RateLimitPerSystem,
	}, ingest.Deps{
		Store:    store,
		Claims:   claims,
		Shards:   set,
		Encoder:  encoder,
		Graph:    g,
		Stats:    stats,
		Metrics:  mets,
		Alerter:  alerts,
		Breakers: breakers,
	}, logger)

	e.coord = query.New(query.Config{
		HighLatencyMs: highLatencyMs,
		LowHitRate:    lowHitRateFloor,
	}, query.Deps{
		Shards:   set,
		Encoder:  encoder,
		Graph:    g,
		Stats:    stats,
		Metrics:  mets,
		Alerter:  alerts,
		Breakers: breakers,
	}, logger)

	return e, nil
}

func newObjectStore(ctx context.Context, cfg *config.Config, logger observability.Logger) (objectstore.Store, error) {
	if cfg.S3.Bucket == "" {
		logger.Info("no s3 bucket configured, using in-memory object store", nil)
		return objectstore.NewMemoryStore(), nil
	}
	return objectstore.NewS3Store(ctx, objectstore.S3Config{
		Region:          cfg.S3.Region,
		Bucket:          cfg.S3.Bucket,
		Endpoint:        cfg.S3.Endpoint,
		ForcePathStyle:  cfg.S3.ForcePathStyle,
		AccessKeyID:     cfg.S3.AccessKeyID,
		SecretAccessKey: cfg.S3.SecretAccessKey,
	})
}

func newClaimTable(cfg *config.Config, logger observability.Logger) ingest.ClaimTable {
	if cfg.Redis.Addr == "" {
		logger.Info("no redis configured, using in-memory claim table", nil)
		return ingest.NewMemoryClaims()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	host, _ := os.Hostname()
	return ingest.NewRedisClaims(client, host+"-"+uuid.NewString())
}

// Start restores the graph snapshot and brings up alert delivery, shard
// maintenance, aging, ingestion and the operational listener, then
// flips readiness.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}

	if err := e.graph.Restore(); err != nil {
		return err
	}

	ctx, e.cancel = context.WithCancel(ctx)
	e.alerts.Start()
	e.set.Start(ctx)
	e.aging.Start(ctx)
	e.ingest.Start(ctx)

	go func() {
		if err := e.opsSrv.Start(); err != nil {
			e.logger.Error("metrics server failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	e.started = true
	e.ready.Store(true)
	e.opsSrv.SetReady(true)
	e.logger.Info("engine started", map[string]interface{}{
		"shards":  e.set.Count(),
		"workers": e.cfg.Ingest.Workers,
		"graph":   e.graph.Statistics().EntityCount,
	})
	return nil
}

// BeginDrain flips readiness off so load balancers rotate the node out
// before the facade stops accepting connections.
func (e *Engine) BeginDrain() {
	e.ready.Store(false)
	e.opsSrv.SetReady(false)
}

// Stop drains the engine: background services finish their current
// item, pending alerts flush, and restart-critical state is persisted.
// Work still running at DrainTimeout is force-cancelled.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started || e.stopped {
		return nil
	}
	e.stopped = true
	e.BeginDrain()

	drainCtx, cancel := context.WithTimeout(context.Background(), DrainTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		e.ingest.Stop()
		e.aging.Stop()
		e.set.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-drainCtx.Done():
		e.logger.Warn("drain timeout, force-cancelling in-flight work", nil)
		e.cancel()
		<-done
	}
	e.cancel()

	if err := e.alerts.Stop(drainCtx); err != nil {
		e.logger.Warn("alert flush incomplete", map[string]interface{}{"error": err.Error()})
	}

	var firstErr error
	if err := e.set.SaveAll(); err != nil {
		firstErr = err
		e.logger.Error("shard save failed", map[string]interface{}{"error": err.Error()})
	}
	if err := e.graph.Save(); err != nil {
		if firstErr == nil {
			firstErr = err
		}
		e.logger.Error("graph snapshot failed", map[string]interface{}{"error": err.Error()})
	}
	if err := e.opsSrv.Stop(drainCtx); err != nil {
		e.logger.Warn("metrics server stop", map[string]interface{}{"error": err.Error()})
	}

	e.logger.Info("engine stopped", nil)
	return firstErr
}

// Ready reports whether the engine serves traffic.
func (e *Engine) Ready() bool { return e.ready.Load() }

// StorageStatus is the get_storage_status payload.
type StorageStatus struct {
	Shards   []shard.Status        `json:"shards"`
	Breakers []resilience.Snapshot `json:"breakers"`
	Ingest   ingest.Stats          `json:"ingest"`
}

// StorageStatus snapshots every shard, breaker and the ingest queue.
func (e *Engine) StorageStatus() StorageStatus {
	return StorageStatus{
		Shards:   e.set.Statuses(),
		Breakers: e.breakers.Snapshots(),
		Ingest:   e.ingest.Snapshot(),
	}
}

// Coordinator returns the query fan-out coordinator.
func (e *Engine) Coordinator() *query.Coordinator { return e.coord }

// Graph returns the knowledge graph.
func (e *Engine) Graph() *graph.Graph { return e.graph }

// Analytics returns the metrics ring engine.
func (e *Engine) Analytics() *analytics.Engine { return e.stats }

// Store returns the object store, used by the upload ingress.
func (e *Engine) Store() objectstore.Store { return e.store }

// Ingest returns the ingestion service.
func (e *Engine) Ingest() *ingest.Service { return e.ingest }

// Aging returns the tier-migration scheduler.
func (e *Engine) Aging() *aging.Scheduler { return e.aging }

// Metrics returns the Prometheus instrumentation.
func (e *Engine) Metrics() *metrics.Metrics { return e.mets }
