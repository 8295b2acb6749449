package be

import (
	"bytes"

	"github.com/pkg/errors"
	"github.com/zeebo/blake3"

	"github.com/outofforest/colibri/types"
)

// dictOpBytes is the log space taken by the dictionary record header.
const dictOpBytes = 64

// DictInsertCredit returns credit required to insert the dictionary entry.
func DictInsertCredit(name string, size uint64) Credit {
	return Credit{Ops: 1, Bytes: dictOpBytes + uint64(len(name)) + types.HashLength + size}
}

// DictDeleteCredit returns credit required to delete the dictionary entry.
func DictDeleteCredit(name string) Credit {
	return Credit{Ops: 1, Bytes: dictOpBytes + uint64(len(name))}
}

// DictLookup returns value stored under the name.
func (s *Seg) DictLookup(tx *Tx, name string) ([]byte, error) {
	v := tx.btx.Bucket(dictBucket).Get([]byte(name))
	if v == nil {
		return nil, errors.Wrapf(ErrNotFound, "dictionary entry %q", name)
	}
	if len(v) < types.HashLength {
		return nil, errors.Wrapf(ErrCorruptedRecord, "dictionary entry %q is too short", name)
	}

	digest := blake3.Sum256(v[types.HashLength:])
	if !bytes.Equal(digest[:], v[:types.HashLength]) {
		return nil, errors.Wrapf(ErrCorruptedRecord, "dictionary entry %q", name)
	}

	return bytes.Clone(v[types.HashLength:]), nil
}

// DictInsert stores value under the name.
func (s *Seg) DictInsert(tx *Tx, name string, value []byte) error {
	b := tx.btx.Bucket(dictBucket)
	if b.Get([]byte(name)) != nil {
		return errors.Wrapf(ErrExists, "dictionary entry %q", name)
	}
	tx.Capture(DictInsertCredit(name, uint64(len(value))))

	digest := blake3.Sum256(value)
	record := make([]byte, 0, types.HashLength+len(value))
	record = append(record, digest[:]...)
	record = append(record, value...)

	return errors.WithStack(b.Put([]byte(name), record))
}

// DictDelete deletes the entry.
func (s *Seg) DictDelete(tx *Tx, name string) error {
	b := tx.btx.Bucket(dictBucket)
	if b.Get([]byte(name)) == nil {
		return errors.Wrapf(ErrNotFound, "dictionary entry %q", name)
	}
	tx.Capture(DictDeleteCredit(name))

	return errors.WithStack(b.Delete([]byte(name)))
}

// DictNames returns names of the entries starting with the prefix, in order.
func (s *Seg) DictNames(tx *Tx, prefix string) []string {
	names := []string{}
	c := tx.btx.Bucket(dictBucket).Cursor()
	for k, _ := c.Seek([]byte(prefix)); k != nil && bytes.HasPrefix(k, []byte(prefix)); k, _ = c.Next() {
		names = append(names, string(k))
	}
	return names
}
