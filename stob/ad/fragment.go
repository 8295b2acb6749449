package ad

import (
	"encoding/binary"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/outofforest/colibri/be"
	"github.com/outofforest/colibri/be/emap"
	"github.com/outofforest/photon"
)

// FragmentAD is the type of the fragment recording extent map changes of the AD domain.
const FragmentAD be.FragmentType = 20

const (
	segmentRecordSize = uint64(unsafe.Sizeof(emap.Segment{}))
	opHeaderSize      = 1 + 2*4
	nameHeaderSize    = 2
)

type opKind uint8

const (
	opPaste opKind = iota + 1
	opInsert
	opDelete
)

// op is the single change of the extent map. For pastes, before holds pre-images and after holds post-images
// of all the touched segments.
type op struct {
	kind   opKind
	before []emap.Segment
	after  []emap.Segment
}

func newFragment(m *emap.Map) *fragment {
	return &fragment{m: m}
}

// fragment records extent map changes done by one AD operation.
type fragment struct {
	m   *emap.Map
	ops []op
}

func (f *fragment) add(kind opKind, before, after []emap.Segment) {
	f.ops = append(f.ops, op{kind: kind, before: before, after: after})
}

func (f *fragment) Type() be.FragmentType {
	return FragmentAD
}

func (f *fragment) Credit() be.Credit {
	segments := uint64(0)
	for _, o := range f.ops {
		segments += uint64(len(o.before) + len(o.after))
	}
	return be.Credit{Bytes: fragmentBytes(len(f.m.Name()), uint64(len(f.ops)), segments)}
}

// Undo restores pre-images in the reverse order.
func (f *fragment) Undo(tx *be.Tx) error {
	for i := len(f.ops) - 1; i >= 0; i-- {
		o := f.ops[i]
		var err error
		switch o.kind {
		case opPaste:
			err = f.m.Reset(tx, o.before)
		case opInsert:
			_, err = f.m.ObjDelete(tx, o.after[0].Prefix)
		case opDelete:
			err = f.m.Restore(tx, o.before)
		}
		if err != nil {
			return toInconsistent(err)
		}
	}
	return nil
}

// Redo applies post-images again.
func (f *fragment) Redo(tx *be.Tx) error {
	for _, o := range f.ops {
		var err error
		switch o.kind {
		case opPaste:
			err = f.m.Reset(tx, o.after)
		case opInsert:
			err = f.m.Restore(tx, o.after)
		case opDelete:
			_, err = f.m.ObjDelete(tx, o.before[0].Prefix)
		}
		if err != nil {
			return toInconsistent(err)
		}
	}
	return nil
}

func (f *fragment) Encode() []byte {
	name := f.m.Name()
	data := binary.LittleEndian.AppendUint16(make([]byte, 0, 256), uint16(len(name)))
	data = append(data, name...)
	for _, o := range f.ops {
		data = append(data, byte(o.kind))
		data = binary.LittleEndian.AppendUint32(data, uint32(len(o.before)))
		data = binary.LittleEndian.AppendUint32(data, uint32(len(o.after)))
		for _, segs := range [][]emap.Segment{o.before, o.after} {
			for _, s := range segs {
				data = append(data, photon.NewFromValue(&s).B...)
			}
		}
	}
	return data
}

func decodeFragment(data []byte) (be.Fragment, error) {
	if len(data) < nameHeaderSize {
		return nil, errors.Wrap(be.ErrCorruptedRecord, "AD fragment is too short")
	}
	nameSize := int(binary.LittleEndian.Uint16(data))
	data = data[nameHeaderSize:]
	if len(data) < nameSize {
		return nil, errors.Wrap(be.ErrCorruptedRecord, "AD fragment name is truncated")
	}
	f := newFragment(emap.Open(string(data[:nameSize])))
	data = data[nameSize:]

	for len(data) > 0 {
		if len(data) < opHeaderSize {
			return nil, errors.Wrap(be.ErrCorruptedRecord, "AD fragment operation header is truncated")
		}
		o := op{kind: opKind(data[0])}
		nBefore := uint64(binary.LittleEndian.Uint32(data[1:]))
		nAfter := uint64(binary.LittleEndian.Uint32(data[5:]))
		data = data[opHeaderSize:]

		if uint64(len(data)) < (nBefore+nAfter)*segmentRecordSize {
			return nil, errors.Wrap(be.ErrCorruptedRecord, "AD fragment operation is truncated")
		}
		o.before, data = decodeSegments(data, nBefore)
		o.after, data = decodeSegments(data, nAfter)

		switch {
		case o.kind == opPaste:
		case o.kind == opInsert && len(o.after) == 1:
		case o.kind == opDelete && len(o.before) > 0:
		default:
			return nil, errors.Wrapf(be.ErrCorruptedRecord, "invalid AD fragment operation %d", o.kind)
		}
		f.ops = append(f.ops, o)
	}
	return f, nil
}

func decodeSegments(data []byte, n uint64) ([]emap.Segment, []byte) {
	if n == 0 {
		return nil, data
	}
	segs := make([]emap.Segment, 0, n)
	for range n {
		segs = append(segs, *photon.FromBytes[emap.Segment](data[:segmentRecordSize]))
		data = data[segmentRecordSize:]
	}
	return segs, data
}

// fragmentBytes returns the log space taken by the fragment.
func fragmentBytes(nameSize int, ops, segments uint64) uint64 {
	return be.FragmentHeaderSize + nameHeaderSize + uint64(nameSize) + ops*opHeaderSize + segments*segmentRecordSize
}

func toInconsistent(err error) error {
	if errors.Is(err, be.ErrInconsistent) {
		return err
	}
	return errors.Wrap(be.ErrInconsistent, err.Error())
}
