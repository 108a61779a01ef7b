package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/memory-mesh/memory-mesh/internal/analytics"
	"github.com/memory-mesh/memory-mesh/pkg/faults"
	"github.com/memory-mesh/memory-mesh/pkg/models"
)

// AnalyticsAPI serves the time-series surface: per-system summaries,
// trend fits, anomaly scans and cross-system correlation.
type AnalyticsAPI struct {
	stats *analytics.Engine
}

func NewAnalyticsAPI(stats *analytics.Engine) *AnalyticsAPI {
	return &AnalyticsAPI{stats: stats}
}

func (api *AnalyticsAPI) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/systems/:system_id/metrics", api.systemMetrics)
	rg.POST("/analytics/trend", api.trend)
	rg.POST("/analytics/anomalies", api.anomalies)
	rg.POST("/analytics/correlation", api.correlation)
}

// systemMetrics summarizes a system's ring buffers. The optional
// metric_names query parameter is a comma-separated selection; empty
// means every metric recorded for the system.
func (api *AnalyticsAPI) systemMetrics(c *gin.Context) {
	systemID := c.Param("system_id")
	if !models.ValidSystemID(systemID) {
		badRequest(c, faults.New(faults.KindValidation, "malformed system_id"))
		return
	}
	var names []string
	if raw := c.Query("metric_names"); raw != "" {
		for _, n := range strings.Split(raw, ",") {
			if n = strings.TrimSpace(n); n != "" {
				names = append(names, n)
			}
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"system_id": systemID,
		"metrics":   api.stats.SystemMetrics(systemID, names),
	})
}

type trendRequest struct {
	MetricName string `json:"metric_name" binding:"required,max=200"`
	SystemID   string `json:"system_id" binding:"required,system_id"`
	Window     string `json:"window" binding:"required"`
}

func (api *AnalyticsAPI) trend(c *gin.Context) {
	var req trendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	window, err := parseWindow(req.Window)
	if err != nil {
		badRequest(c, err)
		return
	}
	result, err := api.stats.Trend(req.MetricName, req.SystemID, window)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type anomaliesRequest struct {
	MetricName   string  `json:"metric_name" binding:"required,max=200"`
	SystemID     string  `json:"system_id" binding:"required,system_id"`
	ThresholdStd float64 `json:"threshold_std" binding:"omitempty,min=0"`
	Window       string  `json:"window" binding:"required"`
}

func (api *AnalyticsAPI) anomalies(c *gin.Context) {
	var req anomaliesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	window, err := parseWindow(req.Window)
	if err != nil {
		badRequest(c, err)
		return
	}
	anomalies, err := api.stats.Anomalies(req.MetricName, req.SystemID, req.ThresholdStd, window)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"metric_name": req.MetricName,
		"system_id":   req.SystemID,
		"anomalies":   anomalies,
	})
}

type correlationRequest struct {
	MetricName string `json:"metric_name" binding:"required,max=200"`
	Window     string `json:"window" binding:"required"`
}

func (api *AnalyticsAPI) correlation(c *gin.Context) {
	var req correlationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	window, err := parseWindow(req.Window)
	if err != nil {
		badRequest(c, err)
		return
	}
	correlations, err := api.stats.Correlate(req.MetricName, window)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"metric_name":  req.MetricName,
		"correlations": correlations,
	})
}

// parseWindow accepts Go duration syntax ("15m", "24h").
func parseWindow(raw string) (time.Duration, error) {
	window, err := time.ParseDuration(raw)
	if err != nil {
		return 0, faults.Wrap(faults.KindValidation, "malformed window", err)
	}
	if window <= 0 {
		return 0, faults.New(faults.KindValidation, "window must be positive")
	}
	return window, nil
}
