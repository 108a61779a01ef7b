package api

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/memory-mesh/memory-mesh/internal/config"
	"github.com/memory-mesh/memory-mesh/internal/metrics"
	"github.com/memory-mesh/memory-mesh/pkg/faults"
	"github.com/memory-mesh/memory-mesh/pkg/observability"
)

// RequestLogger logs one line per request through the structured logger.
func RequestLogger(logger observability.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.Debug("api request", map[string]interface{}{
			"method":  c.Request.Method,
			"path":    path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
			"client":  c.ClientIP(),
		})
	}
}

// MetricsMiddleware counts requests per route template and status.
func MetricsMiddleware(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if m == nil {
			return
		}
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.APIRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
	}
}

// BearerAuth enforces the configured bearer secret. Both sides are
// hashed before the constant-time comparison so neither content nor
// length leaks through timing. Disabled entirely when auth is off.
func BearerAuth(cfg config.APIConfig) gin.HandlerFunc {
	want := sha256.Sum256([]byte(cfg.AuthToken))
	return func(c *gin.Context) {
		if !cfg.AuthEnabled {
			c.Next()
			return
		}
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok {
			unauthorized(c, "missing bearer token")
			return
		}
		got := sha256.Sum256([]byte(token))
		if subtle.ConstantTimeCompare(got[:], want[:]) != 1 {
			unauthorized(c, "invalid bearer token")
			return
		}
		c.Next()
	}
}

func unauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error": msg,
		"kind":  faults.KindUnauthenticated.String(),
	})
}
