// Package metrics exposes the engine's Prometheus instrumentation and
// the operational HTTP endpoints (health, readiness, scrape).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus series the engine writes.
type Metrics struct {
	registry *prometheus.Registry

	RecordsIngested  *prometheus.CounterVec
	DedupSkips       *prometheus.CounterVec
	IngestFailures   *prometheus.CounterVec
	IngestQueueDepth prometheus.Gauge

	SearchRequests prometheus.Counter
	SearchLatency  *prometheus.HistogramVec
	SearchPartials prometheus.Counter
	APIRequests    *prometheus.CounterVec

	AgingMigrations *prometheus.CounterVec
	IndexBuilds     prometheus.Counter
	ShardRecords    *prometheus.GaugeVec

	BreakerState    *prometheus.GaugeVec
	AlertDeliveries *prometheus.CounterVec
}

// New registers the engine's metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	return with(reg)
}

// NewForTesting registers on a bare registry without runtime collectors.
func NewForTesting() *Metrics {
	return with(prometheus.NewRegistry())
}

func with(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,

		RecordsIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_records_ingested_total",
			Help: "Records inserted into the hot tier, by source system",
		}, []string{"system"}),
		DedupSkips: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_dedup_skips_total",
			Help: "Records skipped or linked by the deduplicator, by layer",
		}, []string{"layer"}),
		IngestFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_ingest_failures_total",
			Help: "Upload processing failures, by outcome",
		}, []string{"outcome"}),
		IngestQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mesh_ingest_queue_depth",
			Help: "Claimed uploads waiting for a worker",
		}),

		SearchRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "mesh_search_requests_total",
			Help: "Fan-out search requests",
		}),
		SearchLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mesh_search_latency_seconds",
			Help:    "Per-tier search latency",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"tier"}),
		SearchPartials: factory.NewCounter(prometheus.CounterOpts{
			Name: "mesh_search_partial_total",
			Help: "Searches that returned with at least one shard missing",
		}),
		APIRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_api_requests_total",
			Help: "Facade requests, by method, route and status",
		}, []string{"method", "route", "status"}),

		AgingMigrations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_aging_migrations_total",
			Help: "Records migrated between tiers, by transition",
		}, []string{"transition"}),
		IndexBuilds: factory.NewCounter(prometheus.CounterOpts{
			Name: "mesh_index_builds_total",
			Help: "HNSW index builds across all shards",
		}),
		ShardRecords: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mesh_shard_records",
			Help: "Live records per shard and tier",
		}, []string{"shard", "tier"}),

		BreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mesh_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		}, []string{"dependency"}),
		AlertDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_alert_deliveries_total",
			Help: "Webhook alert deliveries, by outcome",
		}, []string{"outcome"}),
	}
}

// Registry exposes the underlying registry for the scrape handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// SetBreakerState translates a gobreaker state name to the gauge value.
func (m *Metrics) SetBreakerState(dependency, state string) {
	var v float64
	switch state {
	case "half-open":
		v = 1
	case "open":
		v = 2
	}
	m.BreakerState.WithLabelValues(dependency).Set(v)
}
