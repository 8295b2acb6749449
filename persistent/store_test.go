package persistent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreReadWrite(t *testing.T) {
	requireT := require.New(t)

	s, dealloc, err := NewMemoryStore(4096, false)
	requireT.NoError(err)
	t.Cleanup(dealloc)

	requireT.EqualValues(4096, s.Size())
	requireT.NoError(s.Write(100, []byte{1, 2, 3}))

	buf := make([]byte, 5)
	requireT.NoError(s.Read(99, buf))
	requireT.Equal([]byte{0, 1, 2, 3, 0}, buf)

	err = s.Write(4095, []byte{1, 2})
	requireT.True(errors.Is(err, ErrOutOfRange))
	err = s.Read(4096, buf)
	requireT.True(errors.Is(err, ErrOutOfRange))
	requireT.NoError(s.Sync())
}

func TestFileStorePersists(t *testing.T) {
	requireT := require.New(t)

	path := filepath.Join(t.TempDir(), "device")

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	requireT.NoError(err)
	s, dealloc, err := NewFileStore(file, 8192)
	requireT.NoError(err)

	requireT.NoError(s.Write(4096, []byte("colibri")))
	requireT.NoError(s.Sync())
	dealloc()

	file, err = os.OpenFile(path, os.O_RDWR, 0o600)
	requireT.NoError(err)
	s, dealloc, err = NewFileStore(file, 8192)
	requireT.NoError(err)
	t.Cleanup(dealloc)

	buf := make([]byte, 7)
	requireT.NoError(s.Read(4096, buf))
	requireT.Equal("colibri", string(buf))
}

func TestDummyStore(t *testing.T) {
	requireT := require.New(t)

	s := NewDummyStore(16)
	requireT.NoError(s.Write(0, []byte{1, 2, 3}))

	buf := []byte{9, 9}
	requireT.NoError(s.Read(0, buf))
	requireT.Equal([]byte{0, 0}, buf)
	requireT.Error(s.Write(15, []byte{1, 2}))
}
