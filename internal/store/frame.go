// Package store holds the on-disk row framing shared by the tier
// stores. A frame is a little-endian uint32 payload length, a CRC-32
// (IEEE) of the payload, then the payload itself. The CRC turns a torn
// tail after a crash into a detectable condition instead of garbage
// rows.
package store

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
)

// MaxFrameSize bounds a single frame so a corrupt length prefix cannot
// drive an allocation of arbitrary size.
const MaxFrameSize = 16 << 20

// ErrTornFrame marks a truncated or checksum-failing frame at the end
// of a file. Everything before it is intact.
var ErrTornFrame = fmt.Errorf("torn frame")

const frameHeaderSize = 8

// WriteFrame appends one frame to w.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("frame payload %d exceeds limit %d", len(payload), MaxFrameSize)
	}
	var hdr [frameHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(hdr[4:8], crc32.ChecksumIEEE(payload))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads the next frame from r. It returns io.EOF at a clean
// end of input and ErrTornFrame when the remaining bytes cannot form a
// whole, checksum-valid frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, ErrTornFrame
	}
	size := binary.LittleEndian.Uint32(hdr[0:4])
	if size > MaxFrameSize {
		return nil, ErrTornFrame
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, ErrTornFrame
	}
	if crc32.ChecksumIEEE(payload) != binary.LittleEndian.Uint32(hdr[4:8]) {
		return nil, ErrTornFrame
	}
	return payload, nil
}
