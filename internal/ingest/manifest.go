package ingest

import (
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/xeipuuv/gojsonschema"

	"github.com/memory-mesh/memory-mesh/pkg/faults"
	"github.com/memory-mesh/memory-mesh/pkg/models"
)

// manifestSchemaJSON is the strict upload contract: exactly these five
// fields, RFC3339 timestamp, 64-hex checksum, path-safe file names, at
// most one million files per upload.
const manifestSchemaJSON = `{
	"type": "object",
	"required": ["upload_id", "uploaded_at", "count", "checksum", "files"],
	"additionalProperties": false,
	"properties": {
		"upload_id": {
			"type": "string",
			"pattern": "^[A-Za-z0-9_.-]{1,200}$"
		},
		"uploaded_at": {
			"type": "string",
			"format": "date-time"
		},
		"count": {
			"type": "integer",
			"minimum": 0,
			"maximum": 1000000
		},
		"checksum": {
			"type": "string",
			"pattern": "^[a-f0-9]{64}$"
		},
		"files": {
			"type": "array",
			"maxItems": 1000000,
			"uniqueItems": true,
			"items": {
				"type": "string",
				"pattern": "^[A-Za-z0-9_.-]+$",
				"maxLength": 255
			}
		}
	}
}`

var manifestSchema = func() *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(manifestSchemaJSON))
	if err != nil {
		panic("ingest: manifest schema does not compile: " + err.Error())
	}
	return s
}()

// Manifest is a validated upload descriptor. Checksum is the hex
// SHA-256 over the referenced files' contents concatenated in listed
// order.
type Manifest struct {
	UploadID   string    `json:"upload_id"`
	UploadedAt time.Time `json:"uploaded_at"`
	Count      int       `json:"count"`
	Checksum   string    `json:"checksum"`
	Files      []string  `json:"files"`
}

// ParseManifest validates raw against the manifest schema and decodes
// it. Every violation is a validation fault; a malformed manifest never
// becomes valid by retrying.
func ParseManifest(raw []byte) (*Manifest, error) {
	res, err := manifestSchema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, faults.Wrap(faults.KindValidation, "manifest parse", err)
	}
	if !res.Valid() {
		return nil, faults.Newf(faults.KindValidation, "manifest schema: %s", schemaErrors(res))
	}

	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, faults.Wrap(faults.KindValidation, "manifest decode", err)
	}
	if m.Count != len(m.Files) {
		return nil, faults.Newf(faults.KindValidation, "manifest count %d does not match %d listed files", m.Count, len(m.Files))
	}
	for _, name := range m.Files {
		if err := checkFilename(name); err != nil {
			return nil, err
		}
	}
	return &m, nil
}

// checkFilename enforces the path rules the schema pattern cannot
// express: no parent references and no absolute paths.
func checkFilename(name string) error {
	if strings.Contains(name, "..") {
		return faults.Newf(faults.KindValidation, "file name %q contains a parent reference", name)
	}
	if strings.HasPrefix(name, "/") {
		return faults.Newf(faults.KindValidation, "file name %q is absolute", name)
	}
	return nil
}

func schemaErrors(res *gojsonschema.Result) string {
	msgs := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		msgs = append(msgs, e.String())
	}
	return strings.Join(msgs, "; ")
}

// recordPayload is the decoded form of one records/{record_id}.bin
// object: the original text plus source-side metadata. A zero
// Timestamp falls back to the manifest's uploaded_at.
type recordPayload struct {
	Text      string            `json:"text"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata"`
}

func parseRecordPayload(raw []byte) (*recordPayload, error) {
	var p recordPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, faults.Wrap(faults.KindValidation, "record payload decode", err)
	}
	if strings.TrimSpace(p.Text) == "" {
		return nil, faults.New(faults.KindValidation, "record payload has no text")
	}
	if utf8.RuneCountInString(p.Text) > models.MaxContentChars {
		return nil, faults.Newf(faults.KindValidation, "record text exceeds %d characters", models.MaxContentChars)
	}
	return &p, nil
}
