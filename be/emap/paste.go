package emap

import (
	"github.com/pkg/errors"

	"github.com/outofforest/colibri/be"
	"github.com/outofforest/colibri/types"
)

// Cut describes the segment truncated by the paste.
type Cut struct {
	// Segment is the segment before the paste.
	Segment Segment
	// Remainder is the part of the segment left in the map.
	Remainder types.Extent
	// Value is the value stored for the remainder.
	Value uint64
}

// Outcome reports how the paste changed the map.
type Outcome struct {
	// Deleted lists segments completely covered by the pasted extent.
	Deleted []Segment
	// CutLeft lists segments whose left part remained in the map.
	CutLeft []Cut
	// CutRight lists segments whose right part remained in the map.
	CutRight []Cut
	// Before contains every touched segment as it was before the paste.
	Before []Segment
	// After contains every segment written by the paste.
	After []Segment
}

// Paste maps extent to value in the prefix the cursor points to. Existing segments overlapping the extent are
// deleted or truncated. Cursor is moved to the inserted segment.
func (m *Map) Paste(c *Cursor, ext types.Extent, value uint64) (Outcome, error) {
	if ext.IsEmpty() {
		return Outcome{}, errors.Errorf("empty extent %v can't be pasted", ext)
	}

	b, err := m.bucket(c.tx)
	if err != nil {
		return Outcome{}, err
	}

	prefix := c.seg.Prefix
	var out Outcome
	for offset := ext.Start; ; {
		seg, err := find(b, prefix, offset)
		if err != nil {
			return out, err
		}
		out.Before = append(out.Before, seg)

		clip := seg.Extent.Intersection(ext)
		left := types.Extent{Start: seg.Extent.Start, End: clip.Start}
		right := types.Extent{Start: clip.End, End: seg.Extent.End}

		if left.IsEmpty() && right.IsEmpty() {
			c.tx.Capture(PasteCredit(0, 1))
			if err := b.Delete(key(prefix, seg.Extent.End)); err != nil {
				return out, errors.WithStack(err)
			}
			out.Deleted = append(out.Deleted, seg)
		}

		if !left.IsEmpty() {
			// The key changes because records are indexed by the end of the extent.
			if right.IsEmpty() {
				c.tx.Capture(PasteCredit(1, 0))
				if err := b.Delete(key(prefix, seg.Extent.End)); err != nil {
					return out, errors.WithStack(err)
				}
			}
			remainder := Segment{Prefix: prefix, Extent: left, Value: seg.Value}
			c.tx.Capture(PasteCredit(1, 0))
			if err := put(b, remainder); err != nil {
				return out, err
			}
			out.CutLeft = append(out.CutLeft, Cut{Segment: seg, Remainder: left, Value: seg.Value})
			out.After = append(out.After, remainder)
		}

		if !right.IsEmpty() {
			v := seg.Value
			if types.IsReal(v) {
				v += right.Start - seg.Extent.Start
			}
			remainder := Segment{Prefix: prefix, Extent: right, Value: v}
			c.tx.Capture(PasteCredit(1, 0))
			if err := put(b, remainder); err != nil {
				return out, err
			}
			out.CutRight = append(out.CutRight, Cut{Segment: seg, Remainder: right, Value: v})
			out.After = append(out.After, remainder)
		}

		if seg.Extent.End >= ext.End {
			break
		}
		offset = seg.Extent.End
	}

	inserted := Segment{Prefix: prefix, Extent: ext, Value: value}
	c.tx.Capture(PasteCredit(1, 0))
	if err := put(b, inserted); err != nil {
		return out, err
	}
	out.After = append(out.After, inserted)
	c.seg = inserted

	return out, nil
}

// Reset pastes every segment back exactly, reporting inconsistency if prefix no longer exists.
func (m *Map) Reset(tx *be.Tx, segs []Segment) error {
	for _, seg := range segs {
		c, err := m.Lookup(tx, seg.Prefix, seg.Extent.Start)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return errors.Wrapf(be.ErrInconsistent, "segment %v can't be located", seg)
			}
			return err
		}
		if _, err := m.Paste(c, seg.Extent, seg.Value); err != nil {
			return err
		}
	}
	return nil
}
