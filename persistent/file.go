package persistent

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// NewFileStore creates new file-based store. File is extended to the requested size if it is shorter.
func NewFileStore(file *os.File, size uint64) (*FileStore, func(), error) {
	info, err := file.Stat()
	if err != nil {
		return nil, nil, errors.WithStack(err)
	}
	if uint64(info.Size()) < size {
		if err := unix.Ftruncate(int(file.Fd()), int64(size)); err != nil {
			return nil, nil, errors.Wrapf(err, "resizing file %q failed", file.Name())
		}
	}

	data, err := unix.Mmap(int(file.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "memory allocation failed")
	}

	return &FileStore{
			file: file,
			data: data,
		}, func() {
			_ = unix.Munmap(data)
			_ = file.Close()
		}, nil
}

// FileStore defines persistent file-based store.
type FileStore struct {
	file *os.File
	data []byte
}

// Size returns size of the store.
func (s *FileStore) Size() uint64 {
	return uint64(len(s.data))
}

// Read reads data from the store.
func (s *FileStore) Read(offset uint64, data []byte) error {
	if err := checkRange(s.Size(), offset, data); err != nil {
		return err
	}
	copy(data, s.data[offset:])
	return nil
}

// Write writes data to the store.
func (s *FileStore) Write(offset uint64, data []byte) error {
	if err := checkRange(s.Size(), offset, data); err != nil {
		return err
	}
	copy(s.data[offset:], data)
	return nil
}

// Sync syncs pending writes.
func (s *FileStore) Sync() error {
	if err := unix.Msync(s.data, unix.MS_SYNC); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(s.file.Sync())
}
