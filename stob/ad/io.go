package ad

import (
	"context"
	"slices"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/outofforest/colibri/be"
	"github.com/outofforest/colibri/be/emap"
	"github.com/outofforest/colibri/stob"
	"github.com/outofforest/colibri/types"
)

// ErrUnaligned is returned when write is not aligned to the allocator block.
var ErrUnaligned = errors.New("write is not aligned to the block size")

// chunk is the part of the write mapped to one contiguous physical region.
type chunk struct {
	logical uint64
	phys    uint64
	data    []byte
}

// launchWrite allocates physical space, maps it in the extent map and writes data to the backing object. If error is
// returned after the request has been launched, transaction must be aborted.
func (s *Stob) launchWrite(ctx context.Context, io *stob.IO) error {
	tx := io.Tx
	if tx == nil || tx.State() != be.TxActive || !tx.Writable() {
		return errors.Wrap(stob.ErrInvalidIO, "write requires active transaction")
	}

	mask := uint64(1)<<s.domain.blockShift() - 1
	for _, b := range io.Data {
		if uint64(len(b))&mask != 0 {
			return errors.Wrapf(ErrUnaligned, "buffer of %d bytes", len(b))
		}
	}
	for _, r := range io.Index {
		if (r.Offset|r.Count)&mask != 0 {
			return errors.Wrapf(ErrUnaligned, "range %v", r)
		}
	}

	if err := io.MarkLaunched(); err != nil {
		return err
	}

	back, err := s.mapWrite(tx, io)
	if err != nil {
		io.Complete(0, err)
		return err
	}
	back.OnComplete = func(back *stob.IO) {
		count, err := back.Result()
		if err == nil {
			bytesWritten.Add(float64(count))
		}
		io.Complete(count, err)
	}

	if err := s.domain.backing.Launch(ctx, back); err != nil {
		io.Complete(0, err)
		return err
	}
	return nil
}

// mapWrite updates the extent map and returns request to be sent to the backing object.
func (s *Stob) mapWrite(tx *be.Tx, io *stob.IO) (*stob.IO, error) {
	d := s.domain
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.emap.Lookup(tx, s.prefix, io.Index[0].Offset); err != nil {
		return nil, err
	}

	mark := tx.Mark()
	back, allocated, freed, err := s.paste(tx, io)
	if err != nil {
		// Extents allocated so far go back to the allocator.
		if rbErr := tx.RollbackTo(mark); rbErr != nil {
			d.log.Error("Rolling back write failed", zap.Error(rbErr))
		}
		return nil, err
	}

	blocksAllocated.Add(float64(allocated))
	blocksFreed.Add(float64(freed))

	d.log.Debug("AD write mapped",
		zap.Uint64("key", s.prefix.Key),
		zap.Int("vectors", len(back.Index)),
		zap.Uint64("blocksAllocated", allocated),
		zap.Uint64("blocksFreed", freed))
	return back, nil
}

func (s *Stob) paste(tx *be.Tx, io *stob.IO) (*stob.IO, uint64, uint64, error) {
	d := s.domain

	exts, err := s.allocate(tx, io.IndexSize())
	if err != nil {
		return nil, 0, 0, err
	}
	chunks := split(io, exts)

	var freed uint64
	for _, ch := range chunks {
		c, err := d.emap.Lookup(tx, s.prefix, ch.logical)
		if err != nil {
			return nil, 0, 0, err
		}
		ext := types.Extent{Start: ch.logical, End: ch.logical + uint64(len(ch.data))}
		out, err := d.emap.Paste(c, ext, ch.phys)
		if err != nil {
			return nil, 0, 0, err
		}

		// Every paste is attached right away so a failure later in the loop can be rolled back to the mark.
		f := newFragment(d.emap)
		f.add(opPaste, out.Before, out.After)
		tx.Add(f)

		if !s.overwrite.Load() {
			n, err := d.reclaim(tx, ext, out)
			if err != nil {
				return nil, 0, 0, err
			}
			freed += n
		}
	}

	slices.SortFunc(chunks, func(a, b chunk) int {
		switch {
		case a.phys < b.phys:
			return -1
		case a.phys > b.phys:
			return 1
		default:
			return 0
		}
	})

	data := make([][]byte, 0, len(chunks))
	index := make([]stob.Range, 0, len(chunks))
	for _, ch := range chunks {
		data = append(data, ch.data)
		index = append(index, stob.Range{Offset: ch.phys, Count: uint64(len(ch.data))})
	}
	return stob.NewIO(stob.OpWrite, data, index), io.IndexSize() >> d.blockShift(), freed, nil
}

// allocate allocates physical space of the given size. Returned extents are expressed in bytes.
func (s *Stob) allocate(tx *be.Tx, size uint64) ([]types.Extent, error) {
	shift := s.domain.blockShift()

	exts := []types.Extent{}
	for remaining := size >> shift; remaining > 0; {
		ext, err := s.domain.alloc.Alloc(tx, remaining)
		if err != nil {
			return nil, err
		}
		exts = append(exts, types.Extent{Start: ext.Start << shift, End: ext.End << shift})
		remaining -= ext.Length()
	}
	return exts, nil
}

// split cuts the write into chunks, each belonging to one data buffer, one index range and one allocated extent.
func split(io *stob.IO, exts []types.Extent) []chunk {
	chunks := make([]chunk, 0, len(io.Data)+len(io.Index)+len(exts))

	var di, ii, ei int
	var dOff, iOff, eOff uint64
	for di < len(io.Data) {
		data, r, ext := io.Data[di], io.Index[ii], exts[ei]

		step := lo.Min([]uint64{uint64(len(data)) - dOff, r.Count - iOff, ext.Length() - eOff})
		if step > 0 {
			chunks = append(chunks, chunk{
				logical: r.Offset + iOff,
				phys:    ext.Start + eOff,
				data:    data[dOff : dOff+step],
			})
		}

		dOff += step
		iOff += step
		eOff += step
		if dOff == uint64(len(data)) {
			di++
			dOff = 0
		}
		if iOff == r.Count {
			ii++
			iOff = 0
		}
		if eOff == ext.Length() {
			ei++
			eOff = 0
		}
	}
	return chunks
}

// launchRead reads the data. Parts of the request not backed by physical space are zero-filled immediately.
func (s *Stob) launchRead(ctx context.Context, io *stob.IO) error {
	if err := io.MarkLaunched(); err != nil {
		return err
	}

	var back *stob.IO
	var holeBytes uint64
	err := s.view(ctx, io.Tx, func(tx *be.Tx) error {
		var err error
		back, holeBytes, err = s.mapRead(tx, io)
		return err
	})
	if err != nil {
		io.Complete(0, err)
		return err
	}

	bytesRead.WithLabelValues("hole").Add(float64(holeBytes))
	if back == nil {
		io.Complete(holeBytes, nil)
		return nil
	}

	back.OnComplete = func(back *stob.IO) {
		count, err := back.Result()
		if err == nil {
			bytesRead.WithLabelValues("data").Add(float64(count))
		}
		io.Complete(holeBytes+count, err)
	}
	if err := s.domain.backing.Launch(ctx, back); err != nil {
		io.Complete(0, err)
		return err
	}
	return nil
}

// mapRead builds request to the backing object. Nil is returned if no part of the read is backed by physical space.
func (s *Stob) mapRead(tx *be.Tx, io *stob.IO) (*stob.IO, uint64, error) {
	s.domain.mu.Lock()
	defer s.domain.mu.Unlock()

	var nonEmpty int
	if err := s.walk(tx, io, func(seg emap.Segment, _ uint64, _ []byte) {
		if types.IsReal(seg.Value) {
			nonEmpty++
		}
	}); err != nil {
		return nil, 0, err
	}

	var holeBytes uint64
	data := make([][]byte, 0, nonEmpty)
	index := make([]stob.Range, 0, nonEmpty)
	if err := s.walk(tx, io, func(seg emap.Segment, logical uint64, buf []byte) {
		if !types.IsReal(seg.Value) {
			clear(buf)
			holeBytes += uint64(len(buf))
			return
		}
		data = append(data, buf)
		index = append(index, stob.Range{
			Offset: seg.Value + logical - seg.Extent.Start,
			Count:  uint64(len(buf)),
		})
	}); err != nil {
		return nil, 0, err
	}

	if nonEmpty == 0 {
		return nil, holeBytes, nil
	}
	return stob.NewIO(stob.OpRead, data, index), holeBytes, nil
}

// walk calls fn for each part of the read belonging to one data buffer and one segment of the extent map.
func (s *Stob) walk(tx *be.Tx, io *stob.IO, fn func(seg emap.Segment, logical uint64, buf []byte)) error {
	var c *emap.Cursor
	var di int
	var dOff uint64
	for _, r := range io.Index {
		if c == nil {
			var err error
			c, err = s.domain.emap.Lookup(tx, s.prefix, r.Offset)
			if err != nil {
				return err
			}
		}
		caret, err := emap.NewCaret(c, r.Offset)
		if err != nil {
			return err
		}

		for remaining := r.Count; remaining > 0; {
			data := io.Data[di]
			step := lo.Min([]uint64{remaining, uint64(len(data)) - dOff, caret.Remaining()})
			if step > 0 {
				fn(caret.Segment(), caret.Offset(), data[dOff:dOff+step])
				if _, err := caret.Move(step); err != nil {
					return err
				}
			}

			remaining -= step
			dOff += step
			if dOff == uint64(len(data)) {
				di++
				dOff = 0
			}
		}
	}
	return nil
}

// view runs fn in the transaction of the request or, if there is none, in new read-only one.
func (s *Stob) view(ctx context.Context, tx *be.Tx, fn func(tx *be.Tx) error) error {
	if tx != nil {
		return fn(tx)
	}
	return s.domain.seg.View(ctx, fn)
}
