package emap

import (
	"github.com/pkg/errors"

	"github.com/outofforest/colibri/be"
	"github.com/outofforest/colibri/types"
)

// Cursor points to the segment of the map.
type Cursor struct {
	m   *Map
	tx  *be.Tx
	seg Segment
}

// Segment returns the segment cursor points to.
func (c *Cursor) Segment() Segment {
	return c.seg
}

// Tx returns transaction the cursor operates in.
func (c *Cursor) Tx() *be.Tx {
	return c.tx
}

// IsLast returns true if cursor points to the last segment of the prefix.
func (c *Cursor) IsLast() bool {
	return c.seg.Extent.End == types.IndexMax
}

// Next moves cursor to the next segment of the prefix.
func (c *Cursor) Next() error {
	if c.IsLast() {
		return errors.New("cursor points to the last segment")
	}
	return c.Seek(c.seg.Extent.End)
}

// Seek moves cursor to the segment containing offset.
func (c *Cursor) Seek(offset uint64) error {
	b, err := c.m.bucket(c.tx)
	if err != nil {
		return err
	}
	seg, err := find(b, c.seg.Prefix, offset)
	if err != nil {
		return err
	}
	c.seg = seg
	return nil
}

// NewCaret returns caret positioned at offset inside the segment cursor points to.
func NewCaret(c *Cursor, offset uint64) (*Caret, error) {
	if !c.seg.Extent.Contains(offset) {
		if err := c.Seek(offset); err != nil {
			return nil, err
		}
	}
	return &Caret{
		c:      c,
		offset: offset,
	}, nil
}

// Caret is the position inside the map.
type Caret struct {
	c      *Cursor
	offset uint64
}

// Offset returns current position.
func (ct *Caret) Offset() uint64 {
	return ct.offset
}

// Segment returns segment containing current position.
func (ct *Caret) Segment() Segment {
	return ct.c.seg
}

// Remaining returns number of bytes till the end of current segment.
func (ct *Caret) Remaining() uint64 {
	return ct.c.seg.Extent.End - ct.offset
}

// Move advances caret by n bytes. It returns true if the end of the address space has been reached.
func (ct *Caret) Move(n uint64) (bool, error) {
	for n > 0 {
		step := min(n, ct.Remaining())
		ct.offset += step
		n -= step
		if ct.offset == ct.c.seg.Extent.End {
			if ct.c.IsLast() {
				return true, nil
			}
			if err := ct.c.Next(); err != nil {
				return false, err
			}
		}
	}
	return false, nil
}
