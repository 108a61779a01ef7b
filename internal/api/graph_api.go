package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/memory-mesh/memory-mesh/internal/graph"
	"github.com/memory-mesh/memory-mesh/pkg/faults"
)

// DefaultNeighborLimit bounds neighbor listings when the caller does
// not pass a limit.
const DefaultNeighborLimit = 100

// GraphAPI serves knowledge-graph lookups. Statistics are public; the
// entity-level routes sit behind the bearer check.
type GraphAPI struct {
	g *graph.Graph
}

func NewGraphAPI(g *graph.Graph) *GraphAPI {
	return &GraphAPI{g: g}
}

func (api *GraphAPI) RegisterRoutes(authed, public *gin.RouterGroup) {
	authed.GET("/graph/entities/:entity_id/neighbors", api.neighbors)
	authed.POST("/graph/path", api.path)
	public.GET("/graph/statistics", api.statistics)
}

// neighbors lists an entity's incoming and outgoing edges, optionally
// filtered by relation_type, capped by limit.
func (api *GraphAPI) neighbors(c *gin.Context) {
	entityID := c.Param("entity_id")
	limit := DefaultNeighborLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			badRequest(c, faults.New(faults.KindValidation, "limit must be an integer in [1,1000]"))
			return
		}
		limit = n
	}
	neighbors, err := api.g.Neighbors(entityID, c.Query("relation_type"), limit)
	if err != nil {
		writeLookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"entity_id": entityID,
		"neighbors": neighbors,
	})
}

type pathRequest struct {
	SourceID string `json:"source_id" binding:"required,max=200"`
	TargetID string `json:"target_id" binding:"required,max=200"`
	// MaxHops distinguishes an explicit 0 (no hops allowed) from an
	// omitted field, which falls back to graph.DefaultMaxHops.
	MaxHops *int `json:"max_hops" binding:"omitempty,min=0,max=64"`
}

// path runs the bidirectional BFS. Absent endpoints and unreachable
// targets are not errors; found=false tells them apart from a 404.
func (api *GraphAPI) path(c *gin.Context) {
	var req pathRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	maxHops := graph.DefaultMaxHops
	if req.MaxHops != nil {
		maxHops = *req.MaxHops
	}
	path, err := api.g.ShortestPath(c.Request.Context(), req.SourceID, req.TargetID, maxHops)
	if err != nil {
		writeError(c, err)
		return
	}
	resp := gin.H{
		"source_id": req.SourceID,
		"target_id": req.TargetID,
		"found":     len(path) > 0,
		"path":      path,
	}
	if len(path) > 0 {
		resp["hops"] = len(path) - 1
	}
	c.JSON(http.StatusOK, resp)
}

func (api *GraphAPI) statistics(c *gin.Context) {
	c.JSON(http.StatusOK, api.g.Statistics())
}
