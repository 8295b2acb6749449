package rpc

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestSessionLifecycle(t *testing.T) {
	requireT := require.New(t)
	ctx := newContext()
	rec := &recorder{}

	s := NewSession(ctx, newConfig(2, 1), rec)
	requireT.Equal(SessionInitialised, s.State())
	requireT.True(errors.Is(s.ItemAdd(0, NewItem(true, nil)), ErrInvalidState))
	requireT.True(errors.Is(s.Terminate(), ErrInvalidState))

	requireT.NoError(s.Establish())
	requireT.True(errors.Is(s.Establish(), ErrInvalidState))

	result := make(chan SessionState, 1)
	go func() {
		state, _ := s.WaitState(ctx, SessionIdle, SessionFailed)
		result <- state
	}()
	requireT.NoError(s.EstablishReplyReceived(3, nil))
	requireT.Equal(SessionIdle, <-result)
	requireT.EqualValues(3, s.ID())

	item := NewItem(true, nil)
	requireT.NoError(s.ItemAdd(1, item))
	requireT.EqualValues(3, item.Ref.SessionID)
	requireT.EqualValues(1, item.Ref.SlotID)
	requireT.EqualValues(1, item.Ref.SenderID)
	requireT.Equal(SessionBusy, s.State())
	requireT.True(errors.Is(s.Terminate(), ErrInvalidState))
	requireT.True(errors.Is(s.Fini(), ErrInvalidState))
	requireT.True(errors.Is(s.ItemAdd(2, NewItem(true, nil)), ErrUnknownSlot))

	_, err := s.ReplyReceived(replyTo(item))
	requireT.NoError(err)
	requireT.Equal(SessionIdle, s.State())

	requireT.NoError(s.Terminate())
	requireT.NoError(s.TerminateReplyReceived(nil))
	state, err := s.WaitState(ctx, SessionTerminated)
	requireT.NoError(err)
	requireT.Equal(SessionTerminated, state)
	requireT.True(errors.Is(s.ItemAdd(0, NewItem(true, nil)), ErrInvalidState))

	requireT.NoError(s.Fini())
	for _, slot := range s.slots {
		requireT.Len(slot.items, 1)
	}

	cancelledCtx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = s.WaitState(cancelledCtx, SessionBusy)
	requireT.True(errors.Is(err, context.Canceled))
}

func TestSessionEstablishFailure(t *testing.T) {
	requireT := require.New(t)

	s := NewSession(newContext(), newConfig(1, 1), &recorder{})
	requireT.NoError(s.Establish())
	requireT.NoError(s.EstablishReplyReceived(0, errors.New("refused")))
	requireT.Equal(SessionFailed, s.State())
	requireT.True(errors.Is(s.Terminate(), ErrInvalidState))
	requireT.NoError(s.Fini())
}

func TestUnboundItemsWaitForIdleSlot(t *testing.T) {
	requireT := require.New(t)
	s, rec := newSession(t, 2, 1)

	a := NewItem(true, nil)
	ref, err := s.BindUnboundItem(a)
	requireT.NoError(err)
	requireT.EqualValues(0, ref.SlotID)
	requireT.EqualValues(1, ref.XID)

	b := NewItem(true, nil)
	ref, err = s.BindUnboundItem(b)
	requireT.NoError(err)
	requireT.EqualValues(1, ref.SlotID)

	c := NewItem(false, nil)
	_, err = s.BindUnboundItem(c)
	requireT.True(errors.Is(err, ErrNoSlotAvailable))
	requireT.False(s.IsIdle())
	requireT.Equal([]*Item{a, b}, rec.consumed)

	_, err = s.ReplyReceived(replyTo(a))
	requireT.NoError(err)
	requireT.Equal([]*Item{a, b, c}, rec.consumed)
	requireT.EqualValues(0, c.Ref.SlotID)
	requireT.EqualValues(2, c.Ref.XID)

	_, err = s.ReplyReceived(replyTo(b))
	requireT.NoError(err)
	requireT.False(s.IsIdle())
	_, err = s.ReplyReceived(replyTo(c))
	requireT.NoError(err)
	requireT.True(s.IsIdle())
	requireT.Equal(SessionIdle, s.State())
	requireT.NoError(s.Invariant())
}

func TestInternalAddDoesNotReportIdleSlot(t *testing.T) {
	requireT := require.New(t)

	s, rec := newSession(t, 1, 2)
	x := NewItem(true, nil)
	requireT.NoError(s.ItemAddInternal(0, x))
	y := NewItem(true, nil)
	_, err := s.BindUnboundItem(y)
	requireT.True(errors.Is(err, ErrNoSlotAvailable))
	requireT.Equal([]*Item{x}, rec.consumed)

	_, err = s.ReplyReceived(replyTo(x))
	requireT.NoError(err)
	requireT.Equal([]*Item{x, y}, rec.consumed)
	requireT.EqualValues(2, y.Ref.XID)

	s, rec = newSession(t, 1, 2)
	x = NewItem(true, nil)
	requireT.NoError(s.ItemAdd(0, x))
	y = NewItem(true, nil)
	ref, err := s.BindUnboundItem(y)
	requireT.NoError(err)
	requireT.EqualValues(2, ref.XID)
	requireT.Equal([]*Item{x, y}, rec.consumed)
}
