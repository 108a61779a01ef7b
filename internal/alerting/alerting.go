// Package alerting fans alert events out to webhook endpoints. A
// fingerprint window suppresses repeat deliveries, a router maps alert
// types to URLs, and a single worker posts asynchronously so emitters
// never block on the network.
package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/memory-mesh/memory-mesh/internal/metrics"
	"github.com/memory-mesh/memory-mesh/pkg/models"
	"github.com/memory-mesh/memory-mesh/pkg/observability"
)

// Config tunes suppression and delivery.
type Config struct {
	// DedupWindow suppresses same-fingerprint alerts after a delivery.
	DedupWindow time.Duration
	// QueueSize bounds pending deliveries; overflow drops with a log.
	QueueSize int
	// RetryDelay is the wait before the single redelivery attempt.
	RetryDelay time.Duration
	// RequestTimeout bounds each webhook POST.
	RequestTimeout time.Duration
}

// DefaultConfig returns the standard alerting settings.
func DefaultConfig() Config {
	return Config{
		DedupWindow:    5 * time.Minute,
		QueueSize:      256,
		RetryDelay:     10 * time.Second,
		RequestTimeout: 5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DedupWindow <= 0 {
		c.DedupWindow = d.DedupWindow
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	return c
}

// fingerprintCacheSize bounds the suppression window's key set.
const fingerprintCacheSize = 4096

type delivery struct {
	alert   models.Alert
	url     string
	attempt int
}

// Manager accepts alerts and delivers them to routed webhooks.
type Manager struct {
	cfg    Config
	logger observability.Logger
	router *Router
	client *http.Client
	mets   *metrics.Metrics

	// seen maps fingerprint to last delivery time. Expiry is checked on
	// read: the entry suppresses only within the dedup window.
	seen  *lru.Cache[string, time.Time]
	queue chan delivery

	stopCh chan struct{}
	doneCh chan struct{}

	delivered  atomic.Int64
	failed     atomic.Int64
	suppressed atomic.Int64
	dropped    atomic.Int64

	now func() time.Time
}

// NewManager builds a manager. A nil mets disables the delivery
// counters. Call Start before emitting.
func NewManager(cfg Config, router *Router, mets *metrics.Metrics, logger observability.Logger) *Manager {
	cfg = cfg.withDefaults()
	if router == nil {
		router = NewRouter()
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	seen, _ := lru.New[string, time.Time](fingerprintCacheSize)
	return &Manager{
		cfg:    cfg,
		logger: logger,
		router: router,
		client: &http.Client{Timeout: cfg.RequestTimeout},
		mets:   mets,
		seen:   seen,
		queue:  make(chan delivery, cfg.QueueSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		now:    time.Now,
	}
}

func (m *Manager) count(outcome string) {
	if m.mets != nil {
		m.mets.AlertDeliveries.WithLabelValues(outcome).Inc()
	}
}

// Start launches the delivery worker.
func (m *Manager) Start() {
	go m.deliverLoop()
}

// Stop drains queued deliveries and stops the worker. Deliveries still
// in flight finish; queued retries that have not fired yet are dropped.
func (m *Manager) Stop(ctx context.Context) error {
	close(m.stopCh)
	select {
	case <-m.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Emit accepts one alert. Suppressed fingerprints and unrouted types
// are dropped quietly; everything else is queued for delivery.
func (m *Manager) Emit(alertType string, severity models.AlertSeverity, message string, metadata map[string]string) {
	fingerprint := models.ComputeFingerprint(alertType, metadata)
	if last, dup := m.seen.Get(fingerprint); dup && m.now().Sub(last) < m.cfg.DedupWindow {
		m.suppressed.Add(1)
		m.count("suppressed")
		m.logger.Debug("alert suppressed", map[string]interface{}{
			"alert_type":  alertType,
			"fingerprint": fingerprint,
		})
		return
	}

	alert := models.Alert{
		AlertID:     uuid.NewString(),
		AlertType:   alertType,
		Severity:    severity,
		Message:     message,
		Metadata:    metadata,
		Timestamp:   m.now().UTC(),
		Fingerprint: fingerprint,
	}
	m.logger.Warn("alert raised", map[string]interface{}{
		"alert_type": alertType,
		"severity":   string(severity),
		"message":    message,
	})

	urls := m.router.Targets(alertType)
	if len(urls) == 0 {
		return
	}
	m.seen.Add(fingerprint, alert.Timestamp)
	for _, url := range urls {
		m.enqueue(delivery{alert: alert, url: url})
	}
}

// CheckThreshold emits an alert when value breaches the threshold for
// the alert type. Hit-rate style types alert below the threshold,
// everything else at or above it.
func (m *Manager) CheckThreshold(alertType string, severity models.AlertSeverity, value, threshold float64, metadata map[string]string) {
	if !ThresholdExceeded(alertType, value, threshold) {
		return
	}
	msg := fmt.Sprintf("%s: value %.2f breached threshold %.2f", alertType, value, threshold)
	m.Emit(alertType, severity, msg, metadata)
}

// ThresholdExceeded applies the comparison direction for an alert type.
func ThresholdExceeded(alertType string, value, threshold float64) bool {
	if alertType == models.AlertTypeLowHitRate {
		return value < threshold
	}
	return value >= threshold
}

// Stats reports delivery counters.
type Stats struct {
	Delivered  int64 `json:"delivered"`
	Failed     int64 `json:"failed"`
	Suppressed int64 `json:"suppressed"`
	Dropped    int64 `json:"dropped"`
	QueueDepth int   `json:"queue_depth"`
}

// Stats snapshots the counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Delivered:  m.delivered.Load(),
		Failed:     m.failed.Load(),
		Suppressed: m.suppressed.Load(),
		Dropped:    m.dropped.Load(),
		QueueDepth: len(m.queue),
	}
}

func (m *Manager) enqueue(d delivery) {
	select {
	case m.queue <- d:
	default:
		m.dropped.Add(1)
		m.count("dropped")
		m.logger.Warn("alert delivery queue full, dropping", map[string]interface{}{
			"alert_type": d.alert.AlertType,
			"url":        d.url,
		})
	}
}

func (m *Manager) deliverLoop() {
	defer close(m.doneCh)
	for {
		select {
		case d := <-m.queue:
			m.deliver(d)
		case <-m.stopCh:
			for {
				select {
				case d := <-m.queue:
					m.deliver(d)
				default:
					return
				}
			}
		}
	}
}

func (m *Manager) deliver(d delivery) {
	err := m.post(d)
	if err == nil {
		m.delivered.Add(1)
		m.count("delivered")
		return
	}

	if d.attempt == 0 {
		m.logger.Warn("webhook delivery failed, will retry once", map[string]interface{}{
			"alert_type": d.alert.AlertType,
			"url":        d.url,
			"error":      err.Error(),
		})
		retry := d
		retry.attempt = 1
		time.AfterFunc(m.cfg.RetryDelay, func() { m.enqueue(retry) })
		return
	}

	m.failed.Add(1)
	m.count("failed")
	m.logger.Error("webhook delivery failed, dropping alert", map[string]interface{}{
		"alert_type": d.alert.AlertType,
		"url":        d.url,
		"error":      err.Error(),
	})
}

func (m *Manager) post(d delivery) error {
	body, err := json.Marshal(d.alert)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
