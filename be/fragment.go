package be

import (
	"encoding/binary"

	"github.com/cespare/xxhash"
	"github.com/pkg/errors"

	"github.com/outofforest/colibri/types"
)

// FragmentType identifies the decoder of the logged fragment.
type FragmentType uint8

// FragmentEnd means that there are no more fragments in the record.
const FragmentEnd FragmentType = 0

// Fragment is the reversible part of the transaction.
type Fragment interface {
	Type() FragmentType
	// Credit returns credit charged when fragment is attached to the transaction.
	Credit() Credit
	// Undo reverts the effects of the fragment.
	Undo(tx *Tx) error
	// Redo applies the effects of the fragment again.
	Redo(tx *Tx) error
	Encode() []byte
}

// FragmentDecoder restores fragment from its logged form.
type FragmentDecoder func(data []byte) (Fragment, error)

// FragmentHeaderSize is the log space taken by the fragment header.
const FragmentHeaderSize = 5

// RegisterFragment registers decoder of the fragment type.
func (s *Seg) RegisterFragment(t FragmentType, decoder FragmentDecoder) {
	if t == FragmentEnd {
		panic("fragment type 0 is reserved")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.decoders[t] = decoder
}

func (s *Seg) decoder(t FragmentType) (FragmentDecoder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, exists := s.decoders[t]
	if !exists {
		return nil, errors.Errorf("no decoder for fragment type %d", t)
	}
	return d, nil
}

// Record layout: checksum (8 bytes) followed by fragments, each being type (1 byte), size (4 bytes) and payload,
// terminated by FragmentEnd.
func encodeRecord(fragments []Fragment) ([]byte, error) {
	record := make([]byte, types.UInt64Length, 256)
	for _, f := range fragments {
		if f.Type() == FragmentEnd {
			return nil, errors.New("fragment type 0 is reserved")
		}
		payload := f.Encode()
		record = append(record, byte(f.Type()))
		record = binary.LittleEndian.AppendUint32(record, uint32(len(payload)))
		record = append(record, payload...)
	}
	record = append(record, byte(FragmentEnd))

	binary.LittleEndian.PutUint64(record, xxhash.Sum64(record[types.UInt64Length:]))
	return record, nil
}

func (s *Seg) decodeRecord(record []byte) ([]Fragment, error) {
	if len(record) < types.UInt64Length+1 {
		return nil, errors.Wrap(ErrCorruptedRecord, "record is too short")
	}
	if binary.LittleEndian.Uint64(record) != xxhash.Sum64(record[types.UInt64Length:]) {
		return nil, errors.Wrap(ErrCorruptedRecord, "checksum mismatch")
	}

	fragments := []Fragment{}
	data := record[types.UInt64Length:]
	for {
		t := FragmentType(data[0])
		if t == FragmentEnd {
			return fragments, nil
		}
		if len(data) < FragmentHeaderSize {
			return nil, errors.Wrap(ErrCorruptedRecord, "truncated fragment header")
		}
		size := uint64(binary.LittleEndian.Uint32(data[1:]))
		data = data[FragmentHeaderSize:]
		if uint64(len(data)) < size+1 {
			return nil, errors.Wrap(ErrCorruptedRecord, "truncated fragment")
		}

		decoder, err := s.decoder(t)
		if err != nil {
			return nil, err
		}
		f, err := decoder(data[:size])
		if err != nil {
			return nil, err
		}
		fragments = append(fragments, f)
		data = data[size:]
	}
}
