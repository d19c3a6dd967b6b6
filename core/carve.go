package core

import (
	"unsafe"

	"github.com/cockroachdb/errors"
)

// Carver hands out typed views over consecutive sub-ranges of one byte
// region. The region is owned by the caller; the carver only tracks a cursor.
// Carved slices alias the region and stay valid exactly as long as it does.
type Carver struct {
	buf []byte
	off int
}

// NewCarver returns a carver positioned at the start of buf.
func NewCarver(buf []byte) *Carver {
	return &Carver{buf: buf}
}

// Remaining reports how many bytes are still available for carving.
func (c *Carver) Remaining() int {
	return len(c.buf) - c.off
}

// advanceTo moves the cursor forward until the current address is aligned.
func (c *Carver) advanceTo(align uintptr) error {
	if c.off >= len(c.buf) {
		if c.off == len(c.buf) {
			return nil
		}
		return errors.New("carver cursor past end of region")
	}
	addr := uintptr(unsafe.Pointer(&c.buf[c.off]))
	if mod := addr % align; mod != 0 {
		c.off += int(align - mod)
	}
	return nil
}

// Bytes carves a plain byte view of n bytes.
func (c *Carver) Bytes(n int) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	if c.off+n > len(c.buf) {
		return nil, errors.Newf("carve of %d bytes exceeds region (%d of %d used)", n, c.off, len(c.buf))
	}
	out := c.buf[c.off : c.off+n : c.off+n]
	c.off += n
	return out, nil
}

// Bools carves a []bool view of n elements. A Go bool occupies one byte, so
// the view is a direct reinterpretation of the underlying bytes.
func (c *Carver) Bools(n int) ([]bool, error) {
	raw, err := c.Bytes(n)
	if err != nil || raw == nil {
		return nil, err
	}
	out := unsafe.Slice((*bool)(unsafe.Pointer(&raw[0])), n)
	for i := range out {
		out[i] = false
	}
	return out, nil
}

// Int32s carves a []int32 view of n elements, aligning the cursor to a
// 4-byte boundary first. The view starts zeroed.
func (c *Carver) Int32s(n int) ([]int32, error) {
	if n == 0 {
		return nil, nil
	}
	if err := c.advanceTo(WordAlign); err != nil {
		return nil, err
	}
	size := n * 4
	if c.off+size > len(c.buf) {
		return nil, errors.Newf("carve of %d int32s exceeds region (%d of %d used)", n, c.off, len(c.buf))
	}
	out := unsafe.Slice((*int32)(unsafe.Pointer(&c.buf[c.off])), n)
	c.off += size
	for i := range out {
		out[i] = 0
	}
	return out, nil
}
