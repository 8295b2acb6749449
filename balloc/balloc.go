package balloc

import (
	"github.com/pkg/errors"

	"github.com/outofforest/colibri/be"
	"github.com/outofforest/colibri/types"
	"github.com/outofforest/photon"
)

// ErrExhausted is returned when there is no free space left.
var ErrExhausted = errors.New("allocation exhausted")

// Fragment types used by allocators.
const (
	FragmentGroupAlloc be.FragmentType = 10 + iota
	FragmentGroupFree
	FragmentMockAlloc
	FragmentMockFree
)

const (
	recordBytes   = 32
	fragmentBytes = be.FragmentHeaderSize + 2*types.UInt64Length
)

// Allocator hands out and reclaims extents of blocks.
type Allocator interface {
	// BlockShift returns log2 of the block size in bytes.
	BlockShift() uint32
	// Alloc allocates up to count blocks. Returned extent might be shorter, caller is expected to call again.
	Alloc(tx *be.Tx, count uint64) (types.Extent, error)
	// Free returns extent to the pool.
	Free(tx *be.Tx, ext types.Extent) error
	// AllocCredit returns credit of allocation touching given number of groups.
	AllocCredit(groups uint64) be.Credit
	// FreeCredit returns credit of n free operations.
	FreeCredit(n uint64) be.Credit
	// FreeBlocks returns the number of free blocks.
	FreeBlocks(tx *be.Tx) (uint64, error)
}

func newFragment(
	t be.FragmentType,
	ext types.Extent,
	undo, redo func(tx *be.Tx, ext types.Extent) error,
) *fragment {
	return &fragment{
		t:    t,
		ext:  ext,
		undo: undo,
		redo: redo,
	}
}

func fragmentDecoder(t be.FragmentType, undo, redo func(tx *be.Tx, ext types.Extent) error) be.FragmentDecoder {
	return func(data []byte) (be.Fragment, error) {
		if len(data) != 2*types.UInt64Length {
			return nil, errors.Wrapf(be.ErrCorruptedRecord, "invalid size of allocator fragment: %d", len(data))
		}
		return newFragment(t, *photon.FromBytes[types.Extent](data), undo, redo), nil
	}
}

// fragment records single allocation or deallocation.
type fragment struct {
	t          be.FragmentType
	ext        types.Extent
	undo, redo func(tx *be.Tx, ext types.Extent) error
}

func (f *fragment) Type() be.FragmentType {
	return f.t
}

func (f *fragment) Credit() be.Credit {
	return be.Credit{Bytes: fragmentBytes}
}

func (f *fragment) Undo(tx *be.Tx) error {
	return f.undo(tx, f.ext)
}

func (f *fragment) Redo(tx *be.Tx) error {
	return f.redo(tx, f.ext)
}

func (f *fragment) Encode() []byte {
	ext := f.ext
	return photon.NewFromValue(&ext).B
}
