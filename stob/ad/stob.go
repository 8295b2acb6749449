package ad

import (
	"context"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/colibri/be"
	"github.com/outofforest/colibri/be/emap"
	"github.com/outofforest/colibri/stob"
	"github.com/outofforest/colibri/types"
)

// Stob is the storage object of the AD domain. All its extents live in the extent map of the domain.
type Stob struct {
	domain    *Domain
	prefix    types.Prefix
	overwrite atomic.Bool
}

// Key returns key of the object.
func (s *Stob) Key() uint64 {
	return s.prefix.Key
}

// Prefix returns prefix of the object in the extent map.
func (s *Stob) Prefix() types.Prefix {
	return s.prefix
}

// SetOverwrite turns on or off in-place overwrite mode. In this mode physical space of overwritten regions is not
// returned to the allocator.
func (s *Stob) SetOverwrite(overwrite bool) {
	s.overwrite.Store(overwrite)
}

// Locate verifies that object exists. emap.ErrNotFound is returned if it doesn't.
func (s *Stob) Locate(ctx context.Context) error {
	return s.domain.seg.View(ctx, func(tx *be.Tx) error {
		_, err := s.domain.emap.Lookup(tx, s.prefix, 0)
		return err
	})
}

// CreateCredit returns credit required to create the object.
func (s *Stob) CreateCredit() be.Credit {
	return emap.ObjInsertCredit().Add(be.Credit{Bytes: fragmentBytes(len(s.domain.emap.Name()), 1, 1)})
}

// Create creates the object. Whole address space of new object is unallocated.
func (s *Stob) Create(ctx context.Context, tx *be.Tx) error {
	s.domain.mu.Lock()
	defer s.domain.mu.Unlock()

	if err := s.domain.emap.ObjInsert(tx, s.prefix, types.ValueNone); err != nil {
		return err
	}

	f := newFragment(s.domain.emap)
	f.add(opInsert, nil, []emap.Segment{{
		Prefix: s.prefix,
		Extent: types.Extent{Start: 0, End: types.IndexMax},
		Value:  types.ValueNone,
	}})
	tx.Add(f)

	s.domain.log.Debug("AD object created", zap.Uint64("key", s.prefix.Key))
	return nil
}

// DestroyCredit returns credit required to destroy the object.
func (s *Stob) DestroyCredit(ctx context.Context) (be.Credit, error) {
	var segments uint64
	if err := s.domain.seg.View(ctx, func(tx *be.Tx) error {
		c, err := s.domain.emap.Lookup(tx, s.prefix, 0)
		if err != nil {
			return err
		}
		segments, err = s.domain.emap.Count(c)
		return err
	}); err != nil {
		return be.Credit{}, err
	}

	return emap.PasteCredit(segments, segments).
		Add(s.domain.alloc.FreeCredit(segments)).
		Add(emap.ObjDeleteCredit(segments)).
		Add(be.Credit{Bytes: fragmentBytes(len(s.domain.emap.Name()), segments+1, 3*segments)}), nil
}

// Destroy frees all the physical space of the object and removes it from the extent map.
func (s *Stob) Destroy(ctx context.Context, tx *be.Tx) error {
	s.domain.mu.Lock()
	defer s.domain.mu.Unlock()

	m := s.domain.emap
	segs, err := m.Segments(tx, s.prefix)
	if err != nil {
		return err
	}

	f := newFragment(m)
	var freed uint64
	for _, seg := range segs {
		if !types.IsReal(seg.Value) {
			continue
		}
		c, err := m.Lookup(tx, s.prefix, seg.Extent.Start)
		if err != nil {
			return err
		}
		out, err := m.Paste(c, seg.Extent, types.ValueHole)
		if err != nil {
			return err
		}
		n, err := s.domain.reclaim(tx, seg.Extent, out)
		if err != nil {
			return err
		}
		freed += n
		f.add(opPaste, out.Before, out.After)
	}

	deleted, err := m.ObjDelete(tx, s.prefix)
	if err != nil {
		return err
	}
	f.add(opDelete, deleted, nil)
	tx.Add(f)

	s.domain.forget(s.prefix.Key)
	blocksFreed.Add(float64(freed))

	s.domain.log.Debug("AD object destroyed",
		zap.Uint64("key", s.prefix.Key),
		zap.Int("segments", len(deleted)),
		zap.Uint64("blocksFreed", freed))
	return nil
}

// WriteCredit returns credit required to write the request. Boundaries of all the segments are aligned to allocator
// blocks, so the number of segments touched by the write is bounded by its size.
func (s *Stob) WriteCredit(io *stob.IO) be.Credit {
	blocks := io.IndexSize() >> s.domain.blockShift()
	pastes := uint64(len(io.Data)+len(io.Index)) + blocks
	segments := blocks + 2*pastes

	return s.domain.alloc.AllocCredit(blocks).
		Add(emap.PasteCredit(pastes, segments)).
		Add(s.domain.alloc.FreeCredit(segments)).
		Add(be.Credit{Bytes: pastes*fragmentBytes(len(s.domain.emap.Name()), 1, 0) +
			(segments+3*pastes)*segmentRecordSize})
}

// Launch starts the request. Errors detected before the request reaches the backing object are returned and, if
// request has been already launched, reported as its result too.
func (s *Stob) Launch(ctx context.Context, io *stob.IO) error {
	if err := io.Validate(); err != nil {
		return err
	}

	switch io.Opcode {
	case stob.OpRead:
		return s.launchRead(ctx, io)
	case stob.OpWrite:
		return s.launchWrite(ctx, io)
	default:
		return errors.Wrapf(stob.ErrInvalidIO, "unknown opcode %d", io.Opcode)
	}
}
