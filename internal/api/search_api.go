package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/memory-mesh/memory-mesh/internal/query"
	"github.com/memory-mesh/memory-mesh/pkg/models"
)

// SearchAPI serves fan-out searches and faceted aggregations.
type SearchAPI struct {
	coord *query.Coordinator
}

func NewSearchAPI(coord *query.Coordinator) *SearchAPI {
	return &SearchAPI{coord: coord}
}

func (api *SearchAPI) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/search", api.search)
	rg.POST("/search/facets", api.facets)
}

type searchRequest struct {
	Text      string            `json:"text" binding:"omitempty,max=10000"`
	Embedding []float32         `json:"embedding"`
	K         int               `json:"k" binding:"min=0,max=1000"`
	Threshold float64           `json:"threshold" binding:"omitempty,min=-1,max=1"`
	SystemID  string            `json:"system_id" binding:"omitempty,system_id"`
	Metadata  map[string]string `json:"metadata"`
}

// search runs one cross-shard query. Partial fan-outs are still 200;
// the partial flag and the failed shard list tell the caller what is
// missing.
func (api *SearchAPI) search(c *gin.Context) {
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	resp, err := api.coord.Search(c.Request.Context(), query.Request{
		Text:      req.Text,
		Embedding: req.Embedding,
		K:         req.K,
		Threshold: req.Threshold,
		Filter:    models.SearchFilter{SystemID: req.SystemID, Metadata: req.Metadata},
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

type facetsRequest struct {
	Field    string            `json:"field" binding:"required,max=200"`
	SystemID string            `json:"system_id" binding:"omitempty,system_id"`
	Metadata map[string]string `json:"metadata"`
	Limit    int               `json:"limit" binding:"omitempty,min=1,max=1000"`
}

func (api *SearchAPI) facets(c *gin.Context) {
	var req facetsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	resp, err := api.coord.Facets(c.Request.Context(), query.FacetRequest{
		Field:  req.Field,
		Filter: models.SearchFilter{SystemID: req.SystemID, Metadata: req.Metadata},
		Limit:  req.Limit,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
