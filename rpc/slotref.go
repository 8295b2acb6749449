package rpc

import (
	"unsafe"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/outofforest/photon"
)

// ErrInvalidSlotRef is returned when encoded slot reference can't be decoded.
var ErrInvalidSlotRef = errors.New("invalid slot reference")

// SlotRef is the slot state carried by each item on the wire.
type SlotRef struct {
	SenderUUID     uuid.UUID
	SenderID       uint64
	SessionID      uint64
	SlotID         uint64
	Verno          Verno
	LastPersistent Verno
	LastSeen       Verno
	XID            uint64
	SlotGeneration uint64
}

// SlotRefSize is the size of encoded slot reference.
const SlotRefSize = int(unsafe.Sizeof(SlotRef{}))

// Marshal encodes slot reference.
func (r SlotRef) Marshal() []byte {
	b := make([]byte, SlotRefSize)
	copy(b, photon.NewFromValue(&r).B)
	return b
}

// UnmarshalSlotRef decodes slot reference.
func UnmarshalSlotRef(b []byte) (SlotRef, error) {
	if len(b) != SlotRefSize {
		return SlotRef{}, errors.Wrapf(ErrInvalidSlotRef, "expected %d bytes, got %d", SlotRefSize, len(b))
	}
	return *photon.FromBytes[SlotRef](b), nil
}
