package persistent

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// NewMemoryStore creates new in-memory "persistent" store.
func NewMemoryStore(size uint64, useHugePages bool) (*MemoryStore, func(), error) {
	opts := unix.MAP_SHARED | unix.MAP_ANONYMOUS | unix.MAP_NORESERVE
	if useHugePages {
		opts |= unix.MAP_HUGETLB
	}
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, opts)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "memory allocation failed")
	}

	return &MemoryStore{
			data: data,
		}, func() {
			_ = unix.Munmap(data)
		}, nil
}

// MemoryStore defines "persistent" in-memory store. Used for testing.
type MemoryStore struct {
	data []byte
}

// Size returns size of the store.
func (s *MemoryStore) Size() uint64 {
	return uint64(len(s.data))
}

// Read reads data from the store.
func (s *MemoryStore) Read(offset uint64, data []byte) error {
	if err := checkRange(s.Size(), offset, data); err != nil {
		return err
	}
	copy(data, s.data[offset:])
	return nil
}

// Write writes data to the store.
func (s *MemoryStore) Write(offset uint64, data []byte) error {
	if err := checkRange(s.Size(), offset, data); err != nil {
		return err
	}
	copy(s.data[offset:], data)
	return nil
}

// Sync does nothing.
func (s *MemoryStore) Sync() error {
	return nil
}
