package store

import (
	"encoding/binary"
	"fmt"
)

// Cursor walks a row payload, latching the first decode error so
// callers can chain reads and check once at the end.
type Cursor struct {
	buf []byte
	off int
	err error
}

// NewCursor wraps buf for sequential decoding.
func NewCursor(buf []byte) *Cursor { return &Cursor{buf: buf} }

// Err returns the first decode error, if any.
func (c *Cursor) Err() error { return c.err }

func (c *Cursor) fail() {
	if c.err == nil {
		c.err = fmt.Errorf("short row at offset %d", c.off)
	}
}

// Byte reads one byte.
func (c *Cursor) Byte() byte {
	if c.err != nil || c.off >= len(c.buf) {
		c.fail()
		return 0
	}
	b := c.buf[c.off]
	c.off++
	return b
}

// Bytes reads exactly n bytes without copying.
func (c *Cursor) Bytes(n int) []byte {
	if c.err != nil || n < 0 || c.off+n > len(c.buf) {
		c.fail()
		return nil
	}
	b := c.buf[c.off : c.off+n]
	c.off += n
	return b
}

// Uvarint reads one unsigned varint.
func (c *Cursor) Uvarint() uint64 {
	if c.err != nil {
		return 0
	}
	v, n := binary.Uvarint(c.buf[c.off:])
	if n <= 0 {
		c.fail()
		return 0
	}
	c.off += n
	return v
}

// Count reads a uvarint bounded by max, guarding slice allocations
// against corrupt lengths.
func (c *Cursor) Count(max int) int {
	v := c.Uvarint()
	if c.err != nil {
		return 0
	}
	if v > uint64(max) {
		c.err = fmt.Errorf("count %d exceeds limit %d", v, max)
		return 0
	}
	return int(v)
}

// Str reads a uvarint-length-prefixed string.
func (c *Cursor) Str(maxLen int) string {
	n := c.Uvarint()
	if c.err != nil {
		return ""
	}
	if n > uint64(maxLen) || c.off+int(n) > len(c.buf) {
		c.fail()
		return ""
	}
	s := string(c.buf[c.off : c.off+int(n)])
	c.off += int(n)
	return s
}

// U32 reads a little-endian uint32.
func (c *Cursor) U32() uint32 {
	if c.err != nil || c.off+4 > len(c.buf) {
		c.fail()
		return 0
	}
	v := binary.LittleEndian.Uint32(c.buf[c.off:])
	c.off += 4
	return v
}

// U64 reads a little-endian uint64.
func (c *Cursor) U64() uint64 {
	if c.err != nil || c.off+8 > len(c.buf) {
		c.fail()
		return 0
	}
	v := binary.LittleEndian.Uint64(c.buf[c.off:])
	c.off += 8
	return v
}

// AppendString appends a uvarint-length-prefixed string.
func AppendString(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}
