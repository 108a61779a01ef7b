package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memory-mesh/memory-mesh/internal/analytics"
	"github.com/memory-mesh/memory-mesh/internal/config"
	"github.com/memory-mesh/memory-mesh/internal/engine"
	"github.com/memory-mesh/memory-mesh/internal/ingest"
	"github.com/memory-mesh/memory-mesh/pkg/models"
)

const testToken = "open-sesame"

func testConfig(t *testing.T, authEnabled bool) *config.Config {
	t.Helper()
	return &config.Config{
		DataDir: t.TempDir(),
		API:     config.APIConfig{Listen: "127.0.0.1:0", AuthEnabled: authEnabled, AuthToken: testToken},
		Metrics: config.MetricsConfig{Listen: "127.0.0.1:0"},
		Storage: config.StorageConfig{
			ShardCount: 4,
			HotTTL:     7 * 24 * time.Hour,
			WarmTTL:    90 * 24 * time.Hour,
			EmbedDim:   16,
		},
		Aging: config.AgingConfig{Period: time.Hour, BatchSize: 1000},
		Ingest: config.IngestConfig{
			Workers:            2,
			RateLimitPerSystem: 10000,
			PollInterval:       20 * time.Millisecond,
			ClaimLease:         time.Minute,
		},
		Alerting: config.AlertingConfig{DedupWindow: 5 * time.Minute},
		Circuit: config.CircuitConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			OpenDuration:     time.Minute,
		},
	}
}

// newTestServer builds a facade over a constructed but unstarted
// engine; handlers need no background loops.
func newTestServer(t *testing.T, authEnabled bool) (*Server, *engine.Engine) {
	t.Helper()
	cfg := testConfig(t, authEnabled)
	eng, err := engine.New(context.Background(), engine.Options{Config: cfg})
	require.NoError(t, err)
	return NewServer(cfg.API, eng, nil), eng
}

func do(t *testing.T, h http.Handler, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), out), w.Body.String())
}

func TestBearerAuth(t *testing.T) {
	s, _ := newTestServer(t, true)
	search := gin.H{"text": "anything", "k": 1}

	w := do(t, s.Router(), http.MethodPost, "/api/v1/search", "", search)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, s.Router(), http.MethodPost, "/api/v1/search", "wrong-token", search)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	var body map[string]string
	decode(t, w, &body)
	assert.Equal(t, "unauthenticated", body["kind"])

	w = do(t, s.Router(), http.MethodPost, "/api/v1/search", testToken, search)
	assert.Equal(t, http.StatusOK, w.Code)

	// statistics and storage status stay public
	w = do(t, s.Router(), http.MethodGet, "/api/v1/graph/statistics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = do(t, s.Router(), http.MethodGet, "/api/v1/storage/status", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthDisabled(t *testing.T) {
	s, _ := newTestServer(t, false)
	w := do(t, s.Router(), http.MethodPost, "/api/v1/search", "", gin.H{"text": "anything", "k": 1})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSearchBindingValidation(t *testing.T) {
	s, _ := newTestServer(t, false)
	cases := map[string]gin.H{
		"k missing":                  {"text": "q"},
		"k too large":                {"text": "q", "k": 1001},
		"threshold above":            {"text": "q", "k": 1, "threshold": 1.5},
		"threshold below":            {"text": "q", "k": 1, "threshold": -2},
		"bad system_id":              {"text": "q", "k": 1, "system_id": "no spaces!"},
		"text too long":              {"text": strings.Repeat("a", 10001), "k": 1},
		"neither text nor embedding": {"k": 1},
	}
	for name, body := range cases {
		w := do(t, s.Router(), http.MethodPost, "/api/v1/search", "", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, name)
		var resp map[string]string
		decode(t, w, &resp)
		assert.Equal(t, "validation", resp["kind"], name)
	}
}

func TestSearchEmptyStore(t *testing.T) {
	s, _ := newTestServer(t, false)
	w := do(t, s.Router(), http.MethodPost, "/api/v1/search", "", gin.H{"text": "nothing here", "k": 5})
	require.Equal(t, http.StatusOK, w.Code)

	var resp models.SearchResponse
	decode(t, w, &resp)
	assert.Empty(t, resp.Results)
	assert.False(t, resp.Partial)
	assert.Len(t, resp.ShardsQueried, 4)
}

func TestGraphEndpoints(t *testing.T) {
	s, eng := newTestServer(t, false)
	g := eng.Graph()
	for _, id := range []string{"svc-a", "svc-b", "svc-c"} {
		require.NoError(t, g.UpsertEntity(models.Entity{
			EntityID:   models.EntityKey(models.EntityTypeSystem, id),
			EntityType: models.EntityTypeSystem,
		}))
	}
	a := models.EntityKey(models.EntityTypeSystem, "svc-a")
	b := models.EntityKey(models.EntityTypeSystem, "svc-b")
	c := models.EntityKey(models.EntityTypeSystem, "svc-c")
	require.NoError(t, g.AddEdge(models.Edge{SourceID: a, TargetID: b, RelationType: "calls", Weight: 1}))
	require.NoError(t, g.AddEdge(models.Edge{SourceID: b, TargetID: c, RelationType: "calls", Weight: 1}))

	w := do(t, s.Router(), http.MethodGet, "/api/v1/graph/entities/"+b+"/neighbors", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var neighbors struct {
		EntityID  string            `json:"entity_id"`
		Neighbors []models.Neighbor `json:"neighbors"`
	}
	decode(t, w, &neighbors)
	assert.Len(t, neighbors.Neighbors, 2)

	w = do(t, s.Router(), http.MethodGet, "/api/v1/graph/entities/"+b+"/neighbors?limit=1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &neighbors)
	assert.Len(t, neighbors.Neighbors, 1)

	w = do(t, s.Router(), http.MethodGet, "/api/v1/graph/entities/"+b+"/neighbors?limit=zero", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s.Router(), http.MethodGet, "/api/v1/graph/entities/system:ghost/neighbors", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, s.Router(), http.MethodPost, "/api/v1/graph/path", "", gin.H{
		"source_id": a, "target_id": c, "max_hops": 4,
	})
	require.Equal(t, http.StatusOK, w.Code)
	var path struct {
		Found bool     `json:"found"`
		Hops  int      `json:"hops"`
		Path  []string `json:"path"`
	}
	decode(t, w, &path)
	assert.True(t, path.Found)
	assert.Equal(t, 2, path.Hops)
	assert.Equal(t, []string{a, b, c}, path.Path)

	// absent endpoints are found=false, not 404
	w = do(t, s.Router(), http.MethodPost, "/api/v1/graph/path", "", gin.H{
		"source_id": a, "target_id": "system:ghost", "max_hops": 4,
	})
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &path)
	assert.False(t, path.Found)

	w = do(t, s.Router(), http.MethodGet, "/api/v1/graph/statistics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats models.GraphStatistics
	decode(t, w, &stats)
	assert.Equal(t, 3, stats.EntityCount)
	assert.Equal(t, 2, stats.EdgeCount)
}

func TestAnalyticsEndpoints(t *testing.T) {
	s, eng := newTestServer(t, false)
	stats := eng.Analytics()
	base := time.Now().Add(-30 * time.Minute)
	for i := 0; i < 20; i++ {
		stats.Record(analytics.MetricIngested, "sys-a", base.Add(time.Duration(i)*time.Minute), float64(i))
	}
	// one spike for the anomaly scan
	stats.Record(analytics.MetricSearchLatency, "sys-a", base, 5)
	for i := 1; i < 19; i++ {
		stats.Record(analytics.MetricSearchLatency, "sys-a", base.Add(time.Duration(i)*time.Minute), 5)
	}
	stats.Record(analytics.MetricSearchLatency, "sys-a", base.Add(19*time.Minute), 500)

	w := do(t, s.Router(), http.MethodGet, "/api/v1/systems/sys-a/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var metricsResp struct {
		SystemID string              `json:"system_id"`
		Metrics  []analytics.Summary `json:"metrics"`
	}
	decode(t, w, &metricsResp)
	assert.Equal(t, "sys-a", metricsResp.SystemID)
	assert.Len(t, metricsResp.Metrics, 2)

	w = do(t, s.Router(), http.MethodGet, "/api/v1/systems/sys-a/metrics?metric_names="+analytics.MetricIngested, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &metricsResp)
	require.Len(t, metricsResp.Metrics, 1)
	assert.Equal(t, analytics.MetricIngested, metricsResp.Metrics[0].MetricName)

	w = do(t, s.Router(), http.MethodGet, "/api/v1/systems/bad%20id!/metrics", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s.Router(), http.MethodPost, "/api/v1/analytics/trend", "", gin.H{
		"metric_name": analytics.MetricIngested, "system_id": "sys-a", "window": "2h",
	})
	require.Equal(t, http.StatusOK, w.Code)
	var trend models.TrendResult
	decode(t, w, &trend)
	assert.Equal(t, models.TrendIncreasing, trend.Direction)

	w = do(t, s.Router(), http.MethodPost, "/api/v1/analytics/trend", "", gin.H{
		"metric_name": analytics.MetricIngested, "system_id": "sys-a", "window": "soon",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s.Router(), http.MethodPost, "/api/v1/analytics/anomalies", "", gin.H{
		"metric_name": analytics.MetricSearchLatency, "system_id": "sys-a", "threshold_std": 3.0, "window": "2h",
	})
	require.Equal(t, http.StatusOK, w.Code)
	var anomaliesResp struct {
		Anomalies []models.Anomaly `json:"anomalies"`
	}
	decode(t, w, &anomaliesResp)
	require.Len(t, anomaliesResp.Anomalies, 1)
	assert.Equal(t, 500.0, anomaliesResp.Anomalies[0].Value)

	w = do(t, s.Router(), http.MethodPost, "/api/v1/analytics/correlation", "", gin.H{
		"metric_name": analytics.MetricIngested, "window": "2h",
	})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestUploadIngressWritesStore(t *testing.T) {
	s, eng := newTestServer(t, false)

	w := do(t, s.Router(), http.MethodPost, "/api/v1/uploads", "", gin.H{
		"system_id": "sys-a",
		"upload_id": "up-1",
		"records": []gin.H{
			{"record_id": "r1", "text": "first record"},
			{"text": "second record gets a generated id"},
		},
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var resp struct {
		UploadID    string `json:"upload_id"`
		ManifestKey string `json:"manifest_key"`
		Count       int    `json:"count"`
	}
	decode(t, w, &resp)
	assert.Equal(t, "up-1", resp.UploadID)
	assert.Equal(t, 2, resp.Count)

	raw, err := eng.Store().Get(context.Background(), resp.ManifestKey)
	require.NoError(t, err)
	manifest, err := ingest.ParseManifest(raw)
	require.NoError(t, err)
	assert.Equal(t, "up-1", manifest.UploadID)
	require.Len(t, manifest.Files, 2)
	assert.Equal(t, "r1.bin", manifest.Files[0])

	prefix := strings.TrimSuffix(resp.ManifestKey, "manifest.json")
	for _, name := range manifest.Files {
		_, err := eng.Store().Get(context.Background(), prefix+"records/"+name)
		assert.NoError(t, err, name)
	}
}

func TestUploadIngressValidation(t *testing.T) {
	s, _ := newTestServer(t, false)
	cases := map[string]gin.H{
		"no records":    {"system_id": "sys-a", "records": []gin.H{}},
		"bad system":    {"system_id": "bad id!", "records": []gin.H{{"text": "x"}}},
		"bad upload id": {"system_id": "sys-a", "upload_id": "../../etc", "records": []gin.H{{"text": "x"}}},
		"empty text":    {"system_id": "sys-a", "records": []gin.H{{"text": ""}}},
		"duplicate ids": {"system_id": "sys-a", "records": []gin.H{
			{"record_id": "r1", "text": "one"},
			{"record_id": "r1", "text": "two"},
		}},
	}
	for name, body := range cases {
		w := do(t, s.Router(), http.MethodPost, "/api/v1/uploads", "", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, name)
	}
}

func TestUploadIngressFeedsSearch(t *testing.T) {
	cfg := testConfig(t, false)
	eng, err := engine.New(context.Background(), engine.Options{Config: cfg})
	require.NoError(t, err)
	require.NoError(t, eng.Start(context.Background()))
	defer func() { require.NoError(t, eng.Stop()) }()
	s := NewServer(cfg.API, eng, nil)

	w := do(t, s.Router(), http.MethodPost, "/api/v1/uploads", "", gin.H{
		"system_id": "sys-e2e",
		"records":   []gin.H{{"text": "grafana dashboard provisioning notes"}},
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	require.Eventually(t, func() bool {
		w := do(t, s.Router(), http.MethodPost, "/api/v1/search", "", gin.H{
			"text": "grafana dashboard provisioning notes", "k": 1, "system_id": "sys-e2e",
		})
		if w.Code != http.StatusOK {
			return false
		}
		var resp models.SearchResponse
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			return false
		}
		return len(resp.Results) == 1
	}, 5*time.Second, 25*time.Millisecond)
}

func TestStorageStatus(t *testing.T) {
	s, _ := newTestServer(t, false)
	w := do(t, s.Router(), http.MethodGet, "/api/v1/storage/status", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var status engine.StorageStatus
	decode(t, w, &status)
	assert.Len(t, status.Shards, 4)
	for i, sh := range status.Shards {
		assert.Equal(t, i, sh.ShardID)
		assert.False(t, sh.Degraded)
	}
}

func TestFacetsEndpoint(t *testing.T) {
	s, _ := newTestServer(t, false)

	w := do(t, s.Router(), http.MethodPost, "/api/v1/search/facets", "", gin.H{"field": ""})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s.Router(), http.MethodPost, "/api/v1/search/facets", "", gin.H{"field": "source"})
	require.Equal(t, http.StatusOK, w.Code)
	var resp models.FacetResponse
	decode(t, w, &resp)
	assert.Equal(t, "source", resp.Field)
	assert.Empty(t, resp.Counts)
	assert.Len(t, resp.ShardsQueried, 4)
}

func TestUnmatchedRoute(t *testing.T) {
	s, _ := newTestServer(t, false)
	w := do(t, s.Router(), http.MethodGet, "/api/v1/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
