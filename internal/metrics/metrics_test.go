package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAccumulate(t *testing.T) {
	m := NewForTesting()

	m.RecordsIngested.WithLabelValues("crm").Add(3)
	m.RecordsIngested.WithLabelValues("billing").Inc()
	m.DedupSkips.WithLabelValues("exact").Inc()

	assert.Equal(t, 3.0, testutil.ToFloat64(m.RecordsIngested.WithLabelValues("crm")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RecordsIngested.WithLabelValues("billing")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DedupSkips.WithLabelValues("exact")))
}

func TestBreakerStateGauge(t *testing.T) {
	m := NewForTesting()

	m.SetBreakerState("s3", "closed")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.BreakerState.WithLabelValues("s3")))

	m.SetBreakerState("s3", "half-open")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BreakerState.WithLabelValues("s3")))

	m.SetBreakerState("s3", "open")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.BreakerState.WithLabelValues("s3")))
}

func TestScrapeEndpointServesSeries(t *testing.T) {
	m := NewForTesting()
	m.SearchRequests.Inc()

	srv := NewServer(":0", m, BuildInfo{Version: "test"}, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "mesh_search_requests_total 1")
}

func TestHealthPayload(t *testing.T) {
	m := NewForTesting()
	srv := NewServer(":0", m, BuildInfo{Version: "1.2.3", Commit: "abc", Date: "2026-08-25"}, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, "ok", payload["status"])
	assert.Equal(t, "1.2.3", payload["version"])
	assert.Equal(t, "abc", payload["commit"])
}

func TestReadinessGate(t *testing.T) {
	m := NewForTesting()
	srv := NewServer(":0", m, BuildInfo{}, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "not ready until the engine finishes recovery")

	srv.SetReady(true)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	srv.SetReady(false)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "draining flips readiness off")
}
