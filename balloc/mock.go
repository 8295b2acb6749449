package balloc

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/outofforest/colibri/be"
	"github.com/outofforest/colibri/types"
)

// NewMock creates allocator handing out monotonically increasing extents. Freed space is counted but never reused.
func NewMock(seg *be.Seg, total uint64, blockShift uint32) *Mock {
	m := &Mock{
		total:      total,
		blockShift: blockShift,
	}
	seg.RegisterFragment(FragmentMockAlloc, fragmentDecoder(FragmentMockAlloc, m.unalloc, m.realloc))
	seg.RegisterFragment(FragmentMockFree, fragmentDecoder(FragmentMockFree, m.unfree, m.refree))
	return m
}

// Mock is the allocator used in tests.
type Mock struct {
	total      uint64
	blockShift uint32

	mu        sync.Mutex
	next      uint64
	allocated uint64
	freed     uint64
}

// BlockShift returns log2 of the block size.
func (m *Mock) BlockShift() uint32 {
	return m.blockShift
}

// Alloc allocates blocks.
func (m *Mock) Alloc(tx *be.Tx, count uint64) (types.Extent, error) {
	if count == 0 {
		return types.Extent{}, errors.New("zero blocks requested")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.next == m.total {
		return types.Extent{}, errors.Wrapf(ErrExhausted, "%d blocks requested", count)
	}

	ext := types.Extent{Start: m.next, End: m.next + min(count, m.total-m.next)}
	m.next = ext.End
	m.allocated += ext.Length()

	tx.Add(newFragment(FragmentMockAlloc, ext, m.unalloc, m.realloc))
	return ext, nil
}

// Free counts freed blocks.
func (m *Mock) Free(tx *be.Tx, ext types.Extent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ext.End > m.next {
		return errors.Wrapf(be.ErrInconsistent, "extent %v has never been allocated", ext)
	}
	m.freed += ext.Length()
	tx.Add(newFragment(FragmentMockFree, ext, m.unfree, m.refree))
	return nil
}

// AllocCredit returns credit of allocation.
func (m *Mock) AllocCredit(groups uint64) be.Credit {
	return be.Credit{Bytes: fragmentBytes}.Mul(groups)
}

// FreeCredit returns credit of deallocation.
func (m *Mock) FreeCredit(n uint64) be.Credit {
	return be.Credit{Bytes: fragmentBytes}.Mul(n)
}

// FreeBlocks returns the number of free blocks.
func (m *Mock) FreeBlocks(_ *be.Tx) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.total - m.allocated + m.freed, nil
}

// Stats returns number of blocks allocated and freed so far.
func (m *Mock) Stats() (allocated, freed uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.allocated, m.freed
}

func (m *Mock) unalloc(_ *be.Tx, ext types.Extent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.allocated -= ext.Length()
	if ext.End == m.next {
		m.next = ext.Start
	}
	return nil
}

func (m *Mock) realloc(_ *be.Tx, ext types.Extent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.allocated += ext.Length()
	m.next = max(m.next, ext.End)
	return nil
}

func (m *Mock) unfree(_ *be.Tx, ext types.Extent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.freed -= ext.Length()
	return nil
}

func (m *Mock) refree(_ *be.Tx, ext types.Extent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.freed += ext.Length()
	return nil
}
