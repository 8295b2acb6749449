package persistent

// NewDummyStore creates new dummy store.
func NewDummyStore(size uint64) *DummyStore {
	return &DummyStore{size: size}
}

// DummyStore defines persistent no-op store. Reads return zeros.
type DummyStore struct {
	size uint64
}

// Size returns declared size of the store.
func (s *DummyStore) Size() uint64 {
	return s.size
}

// Read zeroes the buffer.
func (s *DummyStore) Read(offset uint64, data []byte) error {
	if err := checkRange(s.size, offset, data); err != nil {
		return err
	}
	clear(data)
	return nil
}

// Write is a no-op implementation.
func (s *DummyStore) Write(offset uint64, data []byte) error {
	return checkRange(s.size, offset, data)
}

// Sync does nothing.
func (s *DummyStore) Sync() error {
	return nil
}
