package emap

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/outofforest/colibri/be"
	"github.com/outofforest/colibri/types"
	"github.com/outofforest/photon"
)

const (
	keySize    = types.PrefixLength + types.UInt64Length
	recordSize = 2 * types.UInt64Length

	// RecordBytes is the log space taken by modification of one segment.
	RecordBytes = keySize + recordSize
)

// ErrNotFound is returned when prefix has no segments.
var ErrNotFound = errors.New("prefix not found in extent map")

// record is the stored part of the segment. The end of the extent is the part of the key.
type record struct {
	Start uint64
	Value uint64
}

// Segment is the single entry of the extent map.
type Segment struct {
	Prefix types.Prefix
	Extent types.Extent
	Value  uint64
}

// PasteCredit returns credit required to paste extents touching given number of existing segments.
func PasteCredit(pastes, segments uint64) be.Credit {
	ops := pastes + 2*segments
	return be.Credit{Ops: ops, Bytes: ops * RecordBytes}
}

// ObjInsertCredit returns credit required to insert new prefix.
func ObjInsertCredit() be.Credit {
	return be.Credit{Ops: 1, Bytes: RecordBytes}
}

// ObjDeleteCredit returns credit required to delete prefix having given number of segments.
func ObjDeleteCredit(segments uint64) be.Credit {
	return be.Credit{Ops: segments, Bytes: segments * RecordBytes}
}

// New returns extent map stored in the named bucket of the segment. Bucket is created if it does not exist.
func New(seg *be.Seg, name string) (*Map, error) {
	m := Open(name)
	if err := seg.EnsureBucket(m.bucketName); err != nil {
		return nil, err
	}
	return m, nil
}

// Open returns extent map stored in the named bucket which must already exist.
func Open(name string) *Map {
	return &Map{
		name:       name,
		bucketName: []byte("emap/" + name),
	}
}

// Map is the persistent mapping from (prefix, logical offset) to value.
type Map struct {
	name       string
	bucketName []byte
}

// Name returns the name of the map.
func (m *Map) Name() string {
	return m.name
}

// Lookup returns cursor pointing to the segment containing offset.
func (m *Map) Lookup(tx *be.Tx, prefix types.Prefix, offset uint64) (*Cursor, error) {
	b, err := m.bucket(tx)
	if err != nil {
		return nil, err
	}
	seg, err := find(b, prefix, offset)
	if err != nil {
		return nil, err
	}
	return &Cursor{
		m:   m,
		tx:  tx,
		seg: seg,
	}, nil
}

// Segments returns all the segments of the prefix.
func (m *Map) Segments(tx *be.Tx, prefix types.Prefix) ([]Segment, error) {
	b, err := m.bucket(tx)
	if err != nil {
		return nil, err
	}

	segs := []Segment{}
	pk := prefixKey(prefix)
	c := b.Cursor()
	for k, v := c.Seek(pk); k != nil && bytes.HasPrefix(k, pk); k, v = c.Next() {
		segs = append(segs, decode(prefix, k, v))
	}
	if len(segs) == 0 {
		return nil, errors.Wrapf(ErrNotFound, "prefix %v", prefix)
	}
	return segs, nil
}

// ObjInsert creates the initial segment covering the whole address space of the prefix.
func (m *Map) ObjInsert(tx *be.Tx, prefix types.Prefix, value uint64) error {
	b, err := m.bucket(tx)
	if err != nil {
		return err
	}
	if _, err := find(b, prefix, 0); err == nil {
		return errors.Wrapf(be.ErrExists, "prefix %v", prefix)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	tx.Capture(ObjInsertCredit())
	return put(b, Segment{
		Prefix: prefix,
		Extent: types.Extent{Start: 0, End: types.IndexMax},
		Value:  value,
	})
}

// ObjDelete deletes all the segments of the prefix. None of them may point to physical space.
func (m *Map) ObjDelete(tx *be.Tx, prefix types.Prefix) ([]Segment, error) {
	segs, err := m.Segments(tx, prefix)
	if err != nil {
		return nil, err
	}
	for _, seg := range segs {
		if types.IsReal(seg.Value) {
			return nil, errors.Wrapf(be.ErrInconsistent, "segment %v still maps physical space", seg)
		}
	}
	if err := m.remove(tx, segs); err != nil {
		return nil, err
	}
	return segs, nil
}

// Restore stores segments exactly as they are given, without any splitting.
func (m *Map) Restore(tx *be.Tx, segs []Segment) error {
	b, err := m.bucket(tx)
	if err != nil {
		return err
	}
	for _, seg := range segs {
		tx.Capture(ObjInsertCredit())
		if err := put(b, seg); err != nil {
			return err
		}
	}
	return nil
}

func (m *Map) remove(tx *be.Tx, segs []Segment) error {
	b, err := m.bucket(tx)
	if err != nil {
		return err
	}
	tx.Capture(ObjDeleteCredit(uint64(len(segs))))
	for _, seg := range segs {
		if err := b.Delete(key(seg.Prefix, seg.Extent.End)); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

// Count returns the number of segments from the cursor to the end of the prefix.
func (m *Map) Count(c *Cursor) (uint64, error) {
	b, err := m.bucket(c.tx)
	if err != nil {
		return 0, err
	}

	pk := prefixKey(c.seg.Prefix)
	cur := b.Cursor()
	var count uint64
	for k, _ := cur.Seek(key(c.seg.Prefix, c.seg.Extent.End)); k != nil && bytes.HasPrefix(k, pk); k, _ = cur.Next() {
		count++
	}
	return count, nil
}

// IsEmpty returns true if map contains no segments.
func (m *Map) IsEmpty(tx *be.Tx) (bool, error) {
	b, err := m.bucket(tx)
	if err != nil {
		return false, err
	}
	k, _ := b.Cursor().First()
	return k == nil, nil
}

func (m *Map) bucket(tx *be.Tx) (*bolt.Bucket, error) {
	b := tx.Bolt().Bucket(m.bucketName)
	if b == nil {
		return nil, errors.Errorf("extent map %q does not exist", m.name)
	}
	return b, nil
}

func find(b *bolt.Bucket, prefix types.Prefix, offset uint64) (Segment, error) {
	if offset == types.IndexMax {
		return Segment{}, errors.Errorf("offset %d is outside of the address space", offset)
	}

	k, v := b.Cursor().Seek(key(prefix, offset+1))
	if k == nil || !bytes.HasPrefix(k, prefixKey(prefix)) {
		return Segment{}, errors.Wrapf(ErrNotFound, "prefix %v", prefix)
	}

	seg := decode(prefix, k, v)
	if !seg.Extent.Contains(offset) {
		return Segment{}, errors.Wrapf(be.ErrInconsistent, "offset %d is not covered, found segment: %v", offset, seg)
	}
	return seg, nil
}

func put(b *bolt.Bucket, seg Segment) error {
	r := record{
		Start: seg.Extent.Start,
		Value: seg.Value,
	}
	return errors.WithStack(b.Put(key(seg.Prefix, seg.Extent.End), photon.NewFromValue(&r).B))
}

func decode(prefix types.Prefix, k, v []byte) Segment {
	r := *photon.FromBytes[record](v)
	return Segment{
		Prefix: prefix,
		Extent: types.Extent{
			Start: r.Start,
			End:   binary.BigEndian.Uint64(k[types.PrefixLength:]),
		},
		Value: r.Value,
	}
}

func prefixKey(prefix types.Prefix) []byte {
	k := make([]byte, 0, keySize)
	k = binary.BigEndian.AppendUint64(k, uint64(prefix.Domain))
	return binary.BigEndian.AppendUint64(k, prefix.Key)
}

func key(prefix types.Prefix, end uint64) []byte {
	return binary.BigEndian.AppendUint64(prefixKey(prefix), end)
}
