package persistent

import "github.com/pkg/errors"

// ErrOutOfRange is returned when requested range exceeds the store.
var ErrOutOfRange = errors.New("range exceeds store size")

// Store is the physical block store used as a backing device.
type Store interface {
	Size() uint64
	Read(offset uint64, data []byte) error
	Write(offset uint64, data []byte) error
	Sync() error
}

func checkRange(size, offset uint64, data []byte) error {
	end := offset + uint64(len(data))
	if end < offset || end > size {
		return errors.Wrapf(ErrOutOfRange, "offset: %d, length: %d, size: %d", offset, len(data), size)
	}
	return nil
}
