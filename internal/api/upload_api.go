package api

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/memory-mesh/memory-mesh/internal/objectstore"
	"github.com/memory-mesh/memory-mesh/pkg/faults"
	"github.com/memory-mesh/memory-mesh/pkg/models"
	"github.com/memory-mesh/memory-mesh/pkg/observability"
)

// UploadAPI is the admin ingress: it writes a records-plus-manifest
// upload into the object store under the tenant's prefix, where the
// discovery loop picks it up like any producer upload. Bulk producers
// write to the store directly; the ingress exists for tooling and
// tests, hence the 10k record cap per call.
type UploadAPI struct {
	store  objectstore.Store
	logger observability.Logger
	now    func() time.Time
}

func NewUploadAPI(store objectstore.Store, logger observability.Logger) *UploadAPI {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &UploadAPI{store: store, logger: logger, now: time.Now}
}

func (api *UploadAPI) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/uploads", api.insert)
}

type uploadRecord struct {
	RecordID  string            `json:"record_id" binding:"omitempty,object_name,max=200"`
	Text      string            `json:"text" binding:"required,max=10000"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata"`
}

type uploadRequest struct {
	SystemID string         `json:"system_id" binding:"required,system_id"`
	UploadID string         `json:"upload_id" binding:"omitempty,object_name,max=200"`
	Records  []uploadRecord `json:"records" binding:"required,min=1,max=10000,dive"`
}

// recordFile is the payload layout the ingestion workers decode.
type recordFile struct {
	Text      string            `json:"text"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// insert stores the record payloads first and the manifest last, so
// discovery never sees a manifest whose files are still missing.
func (api *UploadAPI) insert(c *gin.Context) {
	var req uploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	uploadID := req.UploadID
	if uploadID == "" {
		uploadID = uuid.NewString()
	}
	now := api.now().UTC()
	prefix := fmt.Sprintf("systems/%s/%s/%s/", req.SystemID, now.Format("2006-01-02"), uploadID)

	ctx := c.Request.Context()
	sum := sha256.New()
	files := make([]string, 0, len(req.Records))
	seen := make(map[string]bool, len(req.Records))
	for _, rec := range req.Records {
		name := rec.RecordID
		if name == "" {
			name = uuid.NewString()
		}
		name += ".bin"
		if seen[name] {
			badRequest(c, faults.Newf(faults.KindValidation, "duplicate record_id %q", rec.RecordID))
			return
		}
		seen[name] = true

		ts := rec.Timestamp
		if ts.IsZero() {
			ts = now
		}
		payload, err := json.Marshal(recordFile{Text: rec.Text, Timestamp: ts.UTC(), Metadata: rec.Metadata})
		if err != nil {
			writeError(c, faults.Wrap(faults.KindInvariant, "encode record payload", err))
			return
		}
		if err := api.store.Put(ctx, prefix+"records/"+name, payload); err != nil {
			writeError(c, err)
			return
		}
		sum.Write(payload)
		files = append(files, name)
	}

	manifest := models.Manifest{
		UploadID:   uploadID,
		UploadedAt: now.Format(time.RFC3339),
		Count:      len(files),
		Checksum:   hex.EncodeToString(sum.Sum(nil)),
		Files:      files,
	}
	raw, err := json.Marshal(manifest)
	if err != nil {
		writeError(c, faults.Wrap(faults.KindInvariant, "encode manifest", err))
		return
	}
	manifestKey := prefix + "manifest.json"
	if err := api.store.Put(ctx, manifestKey, raw); err != nil {
		writeError(c, err)
		return
	}

	api.logger.Debug("ingress upload stored", map[string]interface{}{
		"system_id": req.SystemID,
		"upload_id": uploadID,
		"records":   len(files),
	})
	c.JSON(http.StatusAccepted, gin.H{
		"upload_id":    uploadID,
		"manifest_key": manifestKey,
		"count":        len(files),
	})
}
