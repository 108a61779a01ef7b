package warm

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/memory-mesh/memory-mesh/internal/store"
	"github.com/memory-mesh/memory-mesh/pkg/models"
)

// Row operations in the day-file log. Files are append-only; deletes
// are tombstones replayed at load, so a day file can be dropped
// wholesale once every record in it is gone.
const (
	opInsert    byte = 1
	opTombstone byte = 2
)

const (
	maxStringLen  = 1 << 20
	maxSliceCount = 1 << 16
)

func marshalInsert(rec *models.Record) []byte {
	buf := make([]byte, 0, 64+len(rec.QuantEmbedding)+len(rec.Summary)+8*len(rec.MinHashSig))
	buf = append(buf, opInsert)
	buf = store.AppendString(buf, rec.RecordID)
	buf = store.AppendString(buf, rec.SystemID)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(rec.Timestamp.UnixNano()))
	buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(rec.Scale))

	buf = binary.AppendUvarint(buf, uint64(len(rec.QuantEmbedding)))
	for _, q := range rec.QuantEmbedding {
		buf = append(buf, byte(q))
	}

	buf = store.AppendString(buf, rec.ContentHash)
	buf = store.AppendString(buf, rec.Summary)

	buf = binary.AppendUvarint(buf, uint64(len(rec.MinHashSig)))
	for _, h := range rec.MinHashSig {
		buf = binary.LittleEndian.AppendUint64(buf, h)
	}

	buf = binary.AppendUvarint(buf, uint64(len(rec.Metadata)))
	for k, v := range rec.Metadata {
		buf = store.AppendString(buf, k)
		buf = store.AppendString(buf, v)
	}
	return buf
}

func marshalTombstone(recordID string) []byte {
	buf := make([]byte, 0, 2+len(recordID))
	buf = append(buf, opTombstone)
	buf = store.AppendString(buf, recordID)
	return buf
}

// unmarshalRow decodes one frame payload. For tombstones the returned
// record carries only RecordID.
func unmarshalRow(payload []byte) (byte, *models.Record, error) {
	c := store.NewCursor(payload)
	op := c.Byte()

	switch op {
	case opTombstone:
		id := c.Str(maxStringLen)
		if err := c.Err(); err != nil {
			return 0, nil, fmt.Errorf("warm tombstone row: %w", err)
		}
		return op, &models.Record{RecordID: id}, nil

	case opInsert:
		rec := &models.Record{Tier: models.TierWarm}
		rec.RecordID = c.Str(maxStringLen)
		rec.SystemID = c.Str(maxStringLen)
		rec.Timestamp = time.Unix(0, int64(c.U64())).UTC()
		rec.Scale = math.Float32frombits(c.U32())

		if qn := c.Count(maxSliceCount); c.Err() == nil {
			raw := c.Bytes(qn)
			rec.QuantEmbedding = make([]int8, len(raw))
			for i, b := range raw {
				rec.QuantEmbedding[i] = int8(b)
			}
		}

		rec.ContentHash = c.Str(maxStringLen)
		rec.Summary = c.Str(maxStringLen)

		if hn := c.Count(maxSliceCount); c.Err() == nil && hn > 0 {
			rec.MinHashSig = make([]uint64, hn)
			for i := 0; i < hn && c.Err() == nil; i++ {
				rec.MinHashSig[i] = c.U64()
			}
		}

		if mn := c.Count(maxSliceCount); c.Err() == nil && mn > 0 {
			rec.Metadata = make(map[string]string, mn)
			for i := 0; i < mn && c.Err() == nil; i++ {
				k := c.Str(maxStringLen)
				v := c.Str(maxStringLen)
				if c.Err() == nil {
					rec.Metadata[k] = v
				}
			}
		}

		if err := c.Err(); err != nil {
			return 0, nil, fmt.Errorf("warm insert row: %w", err)
		}
		if rec.RecordID == "" {
			return 0, nil, fmt.Errorf("warm insert row: empty record_id")
		}
		return op, rec, nil

	default:
		return 0, nil, fmt.Errorf("warm row: unknown op %d", op)
	}
}
