package balloc

import (
	"context"
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	bolt "go.etcd.io/bbolt"

	"github.com/outofforest/colibri/be"
	"github.com/outofforest/colibri/types"
	"github.com/outofforest/photon"
)

var (
	summaryKey = []byte("summary")
	freeBucket = []byte("free")
)

// GroupConfig stores configuration of the group allocator.
type GroupConfig struct {
	Name        string
	Blocks      uint64
	GroupBlocks uint64
	BlockShift  uint32
}

type summary struct {
	Blocks      uint64
	GroupBlocks uint64
	BlockShift  uint64
	Free        uint64
	Goal        uint64
}

// NewGroup opens persistent group allocator stored in the segment, creating it if it doesn't exist.
func NewGroup(ctx context.Context, seg *be.Seg, config GroupConfig) (*Group, error) {
	if config.Blocks == 0 || config.GroupBlocks == 0 {
		return nil, errors.Errorf("invalid allocator geometry: %d blocks, %d blocks per group",
			config.Blocks, config.GroupBlocks)
	}

	g := &Group{
		config:     config,
		bucketName: []byte("balloc/" + config.Name),
	}

	if err := seg.EnsureBucket(g.bucketName); err != nil {
		return nil, err
	}
	if err := seg.Update(ctx, be.Credit{Ops: 2}, g.init); err != nil {
		return nil, err
	}

	seg.RegisterFragment(FragmentGroupAlloc, fragmentDecoder(FragmentGroupAlloc, g.free, g.allocExact))
	seg.RegisterFragment(FragmentGroupFree, fragmentDecoder(FragmentGroupFree, g.allocExact, g.free))
	return g, nil
}

// Group is the persistent allocator. Blocks are split into groups, single allocation never crosses group boundary.
type Group struct {
	config     GroupConfig
	bucketName []byte
}

// BlockShift returns log2 of the block size.
func (g *Group) BlockShift() uint32 {
	return g.config.BlockShift
}

// AllocCredit returns credit of allocation touching given number of groups.
func (g *Group) AllocCredit(groups uint64) be.Credit {
	return be.Credit{Ops: 4, Bytes: 4*recordBytes + fragmentBytes}.Mul(groups)
}

// FreeCredit returns credit of n free operations.
func (g *Group) FreeCredit(n uint64) be.Credit {
	return be.Credit{Ops: 4, Bytes: 4*recordBytes + fragmentBytes}.Mul(n)
}

// Alloc allocates up to count blocks from the group containing the first free extent at or after the goal.
func (g *Group) Alloc(tx *be.Tx, count uint64) (types.Extent, error) {
	if count == 0 {
		return types.Extent{}, errors.New("zero blocks requested")
	}

	b, s, err := g.load(tx)
	if err != nil {
		return types.Extent{}, err
	}
	if s.Free == 0 {
		return types.Extent{}, errors.Wrapf(ErrExhausted, "%d blocks requested", count)
	}

	free, err := g.pick(b, s.Goal)
	if err != nil {
		return types.Extent{}, err
	}

	start := free.Start
	if free.Contains(s.Goal) {
		start = s.Goal
	}
	groupEnd := (start/s.GroupBlocks + 1) * s.GroupBlocks
	ext := types.Extent{Start: start, End: start + min(count, free.End-start, groupEnd-start)}

	tx.Capture(be.Credit{Ops: 4, Bytes: 4 * recordBytes})
	if err := g.take(b, &s, free, ext); err != nil {
		return types.Extent{}, err
	}
	s.Goal = ext.End % s.Blocks
	if err := g.store(b, s); err != nil {
		return types.Extent{}, err
	}

	tx.Add(newFragment(FragmentGroupAlloc, ext, g.free, g.allocExact))
	return ext, nil
}

// Free returns extent to the pool.
func (g *Group) Free(tx *be.Tx, ext types.Extent) error {
	tx.Capture(be.Credit{Ops: 4, Bytes: 4 * recordBytes})
	if err := g.free(tx, ext); err != nil {
		return err
	}
	tx.Add(newFragment(FragmentGroupFree, ext, g.allocExact, g.free))
	return nil
}

// FreeBlocks returns the number of free blocks.
func (g *Group) FreeBlocks(tx *be.Tx) (uint64, error) {
	_, s, err := g.load(tx)
	if err != nil {
		return 0, err
	}
	return s.Free, nil
}

// FreeExtents returns all the free extents in order.
func (g *Group) FreeExtents(tx *be.Tx) ([]types.Extent, error) {
	b, _, err := g.load(tx)
	if err != nil {
		return nil, err
	}

	exts := []types.Extent{}
	c := b.Bucket(freeBucket).Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		exts = append(exts, decodeExtent(k, v))
	}
	return exts, nil
}

func (g *Group) init(tx *be.Tx) error {
	b := tx.Bolt().Bucket(g.bucketName)
	if v := b.Get(summaryKey); v != nil {
		s := *photon.FromBytes[summary](v)
		if s.Blocks != g.config.Blocks || s.GroupBlocks != g.config.GroupBlocks ||
			s.BlockShift != uint64(g.config.BlockShift) {
			return errors.Errorf("allocator %q exists with different geometry", g.config.Name)
		}
		return nil
	}

	fb, err := b.CreateBucketIfNotExists(freeBucket)
	if err != nil {
		return errors.WithStack(err)
	}
	tx.Capture(be.Credit{Ops: 2})
	if err := fb.Put(extentKey(0), extentKey(g.config.Blocks)); err != nil {
		return errors.WithStack(err)
	}
	return g.store(b, summary{
		Blocks:      g.config.Blocks,
		GroupBlocks: g.config.GroupBlocks,
		BlockShift:  uint64(g.config.BlockShift),
		Free:        g.config.Blocks,
	})
}

func (g *Group) load(tx *be.Tx) (*bolt.Bucket, summary, error) {
	b := tx.Bolt().Bucket(g.bucketName)
	if b == nil {
		return nil, summary{}, errors.Errorf("allocator %q does not exist", g.config.Name)
	}
	v := b.Get(summaryKey)
	if v == nil {
		return nil, summary{}, errors.Wrapf(be.ErrCorruptedRecord, "summary of allocator %q", g.config.Name)
	}
	return b, *photon.FromBytes[summary](v), nil
}

func (g *Group) store(b *bolt.Bucket, s summary) error {
	return errors.WithStack(b.Put(summaryKey, photon.NewFromValue(&s).B))
}

// pick returns the free extent containing goal, or the first one after it, wrapping around.
func (g *Group) pick(b *bolt.Bucket, goal uint64) (types.Extent, error) {
	c := b.Bucket(freeBucket).Cursor()

	k, v := c.Seek(extentKey(goal))
	if k == nil || binary.BigEndian.Uint64(k) > goal {
		if pk, pv := prev(c, k); pk != nil {
			if p := decodeExtent(pk, pv); p.Contains(goal) {
				return p, nil
			}
		}
		k, v = c.Seek(extentKey(goal))
	}
	if k == nil {
		k, v = c.First()
	}
	if k == nil {
		return types.Extent{}, errors.Wrap(be.ErrInconsistent, "free space is accounted but no free extent exists")
	}
	return decodeExtent(k, v), nil
}

// take removes ext from the free extent containing it.
func (g *Group) take(b *bolt.Bucket, s *summary, free, ext types.Extent) error {
	fb := b.Bucket(freeBucket)
	if err := fb.Delete(extentKey(free.Start)); err != nil {
		return errors.WithStack(err)
	}
	if free.Start < ext.Start {
		if err := fb.Put(extentKey(free.Start), extentKey(ext.Start)); err != nil {
			return errors.WithStack(err)
		}
	}
	if ext.End < free.End {
		if err := fb.Put(extentKey(ext.End), extentKey(free.End)); err != nil {
			return errors.WithStack(err)
		}
	}
	s.Free -= ext.Length()
	return nil
}

func (g *Group) allocExact(tx *be.Tx, ext types.Extent) error {
	b, s, err := g.load(tx)
	if err != nil {
		return err
	}

	c := b.Bucket(freeBucket).Cursor()
	k, v := c.Seek(extentKey(ext.Start))
	if k == nil || binary.BigEndian.Uint64(k) > ext.Start {
		k, v = prev(c, k)
	}
	if k == nil {
		return errors.Wrapf(be.ErrInconsistent, "extent %v is not free", ext)
	}
	free := decodeExtent(k, v)
	if free.Intersection(ext) != ext {
		return errors.Wrapf(be.ErrInconsistent, "extent %v is not free", ext)
	}

	if err := g.take(b, &s, free, ext); err != nil {
		return err
	}
	return g.store(b, s)
}

func (g *Group) free(tx *be.Tx, ext types.Extent) error {
	if ext.IsEmpty() || ext.End > g.config.Blocks {
		return errors.Errorf("invalid extent %v", ext)
	}

	b, s, err := g.load(tx)
	if err != nil {
		return err
	}
	fb := b.Bucket(freeBucket)

	var left, right *types.Extent
	c := fb.Cursor()
	k, v := c.Seek(extentKey(ext.Start))
	if k != nil {
		right = lo.ToPtr(decodeExtent(k, v))
	}
	if k, v := prev(c, k); k != nil {
		left = lo.ToPtr(decodeExtent(k, v))
	}

	if right != nil && right.Start < ext.End {
		return errors.Wrapf(be.ErrInconsistent, "extent %v overlaps free extent %v", ext, *right)
	}
	if left != nil && left.End > ext.Start {
		return errors.Wrapf(be.ErrInconsistent, "extent %v overlaps free extent %v", ext, *left)
	}

	merged := ext
	if right != nil && right.Start == ext.End {
		merged.End = right.End
		if err := fb.Delete(extentKey(right.Start)); err != nil {
			return errors.WithStack(err)
		}
	}
	if left != nil && left.End == ext.Start {
		merged.Start = left.Start
		if err := fb.Delete(extentKey(left.Start)); err != nil {
			return errors.WithStack(err)
		}
	}

	if err := fb.Put(extentKey(merged.Start), extentKey(merged.End)); err != nil {
		return errors.WithStack(err)
	}
	s.Free += ext.Length()
	return g.store(b, s)
}

// prev returns the item preceding the one returned by the last seek.
func prev(c *bolt.Cursor, seekKey []byte) ([]byte, []byte) {
	if seekKey == nil {
		return c.Last()
	}
	return c.Prev()
}

func extentKey(v uint64) []byte {
	return binary.BigEndian.AppendUint64(make([]byte, 0, types.UInt64Length), v)
}

func decodeExtent(k, v []byte) types.Extent {
	return types.Extent{
		Start: binary.BigEndian.Uint64(k),
		End:   binary.BigEndian.Uint64(v),
	}
}
