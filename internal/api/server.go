// Package api is the public RPC facade: a gin server that maps HTTP
// calls onto the engine's search, analytics, graph and ingress
// operations, translating the internal error taxonomy into statuses at
// the boundary.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/memory-mesh/memory-mesh/internal/config"
	"github.com/memory-mesh/memory-mesh/internal/engine"
	"github.com/memory-mesh/memory-mesh/pkg/observability"
)

// Server is the facade HTTP server.
type Server struct {
	router *gin.Engine
	srv    *http.Server
	eng    *engine.Engine
	cfg    config.APIConfig
	logger observability.Logger
}

// NewServer wires the facade routes onto a fresh router. The engine
// must be constructed; it does not have to be started yet.
func NewServer(cfg config.APIConfig, eng *engine.Engine, logger observability.Logger) *Server {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	registerValidators()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestLogger(logger))
	router.Use(MetricsMiddleware(eng.Metrics()))

	s := &Server{
		router: router,
		eng:    eng,
		cfg:    cfg,
		logger: logger,
		srv: &http.Server{
			Addr:         cfg.Listen,
			Handler:      router,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  90 * time.Second,
		},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	v1 := s.router.Group("/api/v1")
	public := v1.Group("")
	authed := v1.Group("", BearerAuth(s.cfg))

	NewUploadAPI(s.eng.Store(), s.logger).RegisterRoutes(authed)
	NewSearchAPI(s.eng.Coordinator()).RegisterRoutes(authed)
	NewAnalyticsAPI(s.eng.Analytics()).RegisterRoutes(authed)
	NewGraphAPI(s.eng.Graph()).RegisterRoutes(authed, public)

	public.GET("/storage/status", s.storageStatus)
}

// storageStatus reports per-shard tier cardinalities, index freshness,
// breaker states and the ingest queue.
func (s *Server) storageStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.eng.StorageStatus())
}

// Router exposes the handler for in-process tests.
func (s *Server) Router() http.Handler { return s.router }

// Start serves until Shutdown. A closed-server return is normal.
func (s *Server) Start() error {
	s.logger.Info("api server listening", map[string]interface{}{"addr": s.srv.Addr})
	if err := s.srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
