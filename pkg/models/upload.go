package models

import (
	"time"
)

// Manifest enumerates the records contained in one upload. The field set
// is strict: anything beyond these five fields fails validation.
type Manifest struct {
	UploadID   string   `json:"upload_id"`
	UploadedAt string   `json:"uploaded_at"`
	Count      int      `json:"count"`
	Checksum   string   `json:"checksum"`
	Files      []string `json:"files"`
}

// UploadedTime parses the RFC3339 uploaded_at field.
func (m *Manifest) UploadedTime() (time.Time, error) {
	return time.Parse(time.RFC3339, m.UploadedAt)
}
