package rpc

import (
	"testing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestVernoCmp(t *testing.T) {
	requireT := require.New(t)

	requireT.Equal(0, Verno{LSN: 3, VC: 2}.Cmp(Verno{LSN: 3, VC: 2}))
	requireT.Equal(-1, Verno{LSN: 2, VC: 5}.Cmp(Verno{LSN: 3, VC: 0}))
	requireT.Equal(1, Verno{LSN: 4, VC: 0}.Cmp(Verno{LSN: 3, VC: 9}))
	requireT.Equal(-1, Verno{LSN: 3, VC: 1}.Cmp(Verno{LSN: 3, VC: 2}))
	requireT.Equal(1, Verno{LSN: 3, VC: 3}.Cmp(Verno{LSN: 3, VC: 2}))
	requireT.Equal(Verno{LSN: 4, VC: 3}, Verno{LSN: 3, VC: 2}.Inc())
}

func TestIsRedoable(t *testing.T) {
	requireT := require.New(t)

	requireT.NoError(IsRedoable(Verno{LSN: 5, VC: 2}, Verno{LSN: 4, VC: 2}))
	requireT.True(errors.Is(IsRedoable(Verno{LSN: 5, VC: 3}, Verno{LSN: 4, VC: 2}), ErrAlreadyApplied))
	requireT.True(errors.Is(IsRedoable(Verno{LSN: 5, VC: 2}, Verno{LSN: 6, VC: 4}), ErrNeedsIntermediate))
}

func TestIsUndoable(t *testing.T) {
	requireT := require.New(t)

	requireT.NoError(IsUndoable(Verno{LSN: 5, VC: 3}, Verno{LSN: 4, VC: 2}))
	requireT.True(errors.Is(IsUndoable(Verno{LSN: 5, VC: 2}, Verno{LSN: 4, VC: 2}), ErrAlreadyApplied))
	requireT.True(errors.Is(IsUndoable(Verno{LSN: 5, VC: 5}, Verno{LSN: 4, VC: 2}), ErrNeedsIntermediate))
}

func TestSlotRefEncoding(t *testing.T) {
	requireT := require.New(t)

	ref := SlotRef{
		SenderUUID:     uuid.New(),
		SenderID:       1,
		SessionID:      2,
		SlotID:         3,
		Verno:          Verno{LSN: 10, VC: 4},
		LastPersistent: Verno{LSN: 7, VC: 2},
		LastSeen:       Verno{LSN: 9, VC: 3},
		XID:            11,
		SlotGeneration: 1,
	}

	b := ref.Marshal()
	requireT.Len(b, SlotRefSize)

	decoded, err := UnmarshalSlotRef(b)
	requireT.NoError(err)
	requireT.Equal(ref, decoded)

	_, err = UnmarshalSlotRef(b[1:])
	requireT.True(errors.Is(err, ErrInvalidSlotRef))
}
