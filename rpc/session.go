package rpc

import (
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/mass"
)

var (
	// ErrInvalidState is returned when operation is not allowed in the current state of the session.
	ErrInvalidState = errors.New("invalid session state")

	// ErrNoSlotAvailable is returned when there is no idle slot to bind the item to.
	ErrNoSlotAvailable = errors.New("no slot available")

	// ErrUnknownSlot is returned when item refers to the slot which doesn't exist.
	ErrUnknownSlot = errors.New("unknown slot")
)

// SessionState is the state of the session.
type SessionState int

// Session states.
const (
	SessionInitialised SessionState = iota
	SessionEstablishing
	SessionIdle
	SessionBusy
	SessionTerminating
	SessionTerminated
	SessionFailed
)

var sessionStateNames = map[SessionState]string{
	SessionInitialised:  "initialised",
	SessionEstablishing: "establishing",
	SessionIdle:         "idle",
	SessionBusy:         "busy",
	SessionTerminating:  "terminating",
	SessionTerminated:   "terminated",
	SessionFailed:       "failed",
}

func (s SessionState) String() string {
	return sessionStateNames[s]
}

// Ops are the callbacks invoked by the session. They are called after the session lock is released, in the order
// events happened.
type Ops interface {
	// ItemConsume is called when item is ready to be sent (sender side) or executed (receiver side).
	ItemConsume(item *Item)

	// ReplyConsume is called when reply to the request is available.
	ReplyConsume(req, reply *Item)
}

// SessionConfig is the configuration of the session.
type SessionConfig struct {
	SenderUUID uuid.UUID
	SenderID   uint64
	// Slots is the number of slots in the session.
	Slots uint64
	// MaxInFlight is the number of items each slot may have in flight.
	MaxInFlight uint64
}

// NewSession creates new session.
func NewSession(ctx context.Context, config SessionConfig, ops Ops) *Session {
	if config.Slots == 0 || config.MaxInFlight == 0 {
		panic("session must have slots and positive window")
	}

	s := &Session{
		config:  config,
		ops:     ops,
		log:     logger.Get(ctx).With(zap.Stringer("sender", config.SenderUUID)),
		replies: mass.New[Item](64),
		state:   SessionInitialised,
		stateCh: make(chan struct{}),
		slots:   make([]*Slot, 0, config.Slots),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range config.Slots {
		slot := newSlot(s, i, 1, config.MaxInFlight)
		s.slots = append(s.slots, slot)
		slot.balance(true)
	}
	return s
}

// Session owns the table of slots and aggregates their state.
type Session struct {
	config  SessionConfig
	ops     Ops
	log     *zap.Logger
	replies *mass.Mass[Item]

	mu       sync.Mutex
	id       uint64
	state    SessionState
	stateCh  chan struct{}
	slots    []*Slot
	ready    []*Slot
	unbound  []*Item
	nrActive uint64
	events   []func()
}

// ID returns id of the session assigned by the receiver.
func (s *Session) ID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.id
}

// State returns state of the session.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// WaitState waits until session reaches one of the states.
func (s *Session) WaitState(ctx context.Context, states ...SessionState) (SessionState, error) {
	for {
		s.mu.Lock()
		state, ch := s.state, s.stateCh
		s.mu.Unlock()

		if slices.Contains(states, state) {
			return state, nil
		}

		select {
		case <-ctx.Done():
			return state, errors.WithStack(ctx.Err())
		case <-ch:
		}
	}
}

// IsIdle returns true if there are no active items in the slots and no unbound items waiting for a slot.
func (s *Session) IsIdle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.isIdle()
}

// Establish starts establishing the session.
func (s *Session) Establish() error {
	return s.do(func() error {
		if err := s.expectState(SessionInitialised); err != nil {
			return err
		}
		s.setState(SessionEstablishing)
		return nil
	})
}

// EstablishReplyReceived completes establishing the session.
func (s *Session) EstablishReplyReceived(id uint64, replyErr error) error {
	return s.do(func() error {
		if err := s.expectState(SessionEstablishing); err != nil {
			return err
		}
		if replyErr != nil {
			s.log.Error("Establishing session failed", zap.Error(replyErr))
			s.setState(SessionFailed)
			return nil
		}
		s.id = id
		s.setState(SessionIdle)
		return nil
	})
}

// Terminate starts terminating the session. Session must be idle.
func (s *Session) Terminate() error {
	return s.do(func() error {
		if err := s.expectState(SessionIdle); err != nil {
			return err
		}
		s.setState(SessionTerminating)
		return nil
	})
}

// TerminateReplyReceived completes terminating the session.
func (s *Session) TerminateReplyReceived(replyErr error) error {
	return s.do(func() error {
		if err := s.expectState(SessionTerminating); err != nil {
			return err
		}
		if replyErr != nil {
			s.log.Error("Terminating session failed", zap.Error(replyErr))
			s.setState(SessionFailed)
			return nil
		}
		s.setState(SessionTerminated)
		return nil
	})
}

// Fini releases items kept by the slots.
func (s *Session) Fini() error {
	return s.do(func() error {
		if err := s.expectState(SessionInitialised, SessionTerminated, SessionFailed); err != nil {
			return err
		}
		for _, slot := range s.slots {
			slot.prune()
		}
		s.ready = nil
		s.unbound = nil
		s.nrActive = 0
		return nil
	})
}

// ItemAdd adds item to the slot. Slot assigns xid and version number to the item.
func (s *Session) ItemAdd(slotID uint64, item *Item) error {
	return s.itemAdd(slotID, item, true)
}

// ItemAddInternal adds item to the slot without triggering slot idle event.
func (s *Session) ItemAddInternal(slotID uint64, item *Item) error {
	return s.itemAdd(slotID, item, false)
}

func (s *Session) itemAdd(slotID uint64, item *Item, allowEvents bool) error {
	return s.do(func() error {
		slot, err := s.activeSlot(slotID)
		if err != nil {
			return err
		}
		s.ready = slices.DeleteFunc(s.ready, func(sl *Slot) bool { return sl == slot })
		slot.add(item, allowEvents)
		return nil
	})
}

// BindUnboundItem adds item to the least loaded idle slot. If there is no such slot, item is queued and bound to the
// first slot becoming idle, ErrNoSlotAvailable is returned then.
func (s *Session) BindUnboundItem(item *Item) (SlotRef, error) {
	var ref SlotRef
	err := s.do(func() error {
		if err := s.expectState(SessionIdle, SessionBusy); err != nil {
			return err
		}
		if len(s.ready) == 0 {
			s.unbound = append(s.unbound, item)
			if s.state == SessionIdle {
				s.setState(SessionBusy)
			}
			return errors.WithStack(ErrNoSlotAvailable)
		}

		slot := lo.MinBy(s.ready, func(a, b *Slot) bool {
			return a.inFlight < b.inFlight
		})
		s.ready = slices.DeleteFunc(s.ready, func(sl *Slot) bool { return sl == slot })
		slot.add(item, true)
		ref = item.Ref
		return nil
	})
	return ref, err
}

// ItemApply applies item received from the sender. ErrAlreadyApplied is returned for duplicates,
// ErrNeedsIntermediate and ErrMisordered for items out of sequence. Misordered items are answered with reply
// carrying ErrMisordered.
func (s *Session) ItemApply(item *Item) error {
	return s.do(func() error {
		slot, err := s.activeSlot(item.Ref.SlotID)
		if err != nil {
			return err
		}
		return slot.apply(item)
	})
}

// ReplyReceived processes reply and returns the request it answers.
func (s *Session) ReplyReceived(reply *Item) (*Item, error) {
	var req *Item
	err := s.do(func() error {
		slot, err := s.activeSlot(reply.Ref.SlotID)
		if err != nil {
			return err
		}
		req, err = slot.replyReceived(reply)
		return err
	})
	return req, err
}

// PersistenceAdvance marks items of the slot up to the bound as committed by the receiver.
func (s *Session) PersistenceAdvance(slotID uint64, bound Verno) error {
	return s.do(func() error {
		slot, err := s.slot(slotID)
		if err != nil {
			return err
		}
		slot.persistenceAdvance(bound)
		return nil
	})
}

// Reset resends items of the slot following the one last seen by the receiver.
func (s *Session) Reset(slotID uint64, lastSeen Verno) error {
	return s.do(func() error {
		slot, err := s.activeSlot(slotID)
		if err != nil {
			return err
		}
		return slot.reset(lastSeen)
	})
}

// Invariant verifies consistency of all the slots.
func (s *Session) Invariant() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, slot := range s.slots {
		if err := slot.Invariant(); err != nil {
			return err
		}
	}
	return nil
}

// do runs fn under the lock and then delivers the callbacks scheduled by fn.
func (s *Session) do(fn func() error) error {
	s.mu.Lock()
	err := fn()
	events := s.events
	s.events = nil
	s.mu.Unlock()

	for _, ev := range events {
		ev()
	}
	return err
}

func (s *Session) slot(id uint64) (*Slot, error) {
	if id >= uint64(len(s.slots)) {
		return nil, errors.Wrapf(ErrUnknownSlot, "slot %d", id)
	}
	return s.slots[id], nil
}

func (s *Session) activeSlot(id uint64) (*Slot, error) {
	if err := s.expectState(SessionIdle, SessionBusy); err != nil {
		return nil, err
	}
	return s.slot(id)
}

func (s *Session) expectState(states ...SessionState) error {
	if !slices.Contains(states, s.state) {
		return errors.Wrapf(ErrInvalidState, "session is %s", s.state)
	}
	return nil
}

func (s *Session) setState(state SessionState) {
	s.log.Info("Session state changed", zap.Stringer("from", s.state), zap.Stringer("to", state))
	s.state = state
	close(s.stateCh)
	s.stateCh = make(chan struct{})
}

func (s *Session) isIdle() bool {
	return s.nrActive == 0 && len(s.unbound) == 0
}

func (s *Session) itemActivated() {
	s.nrActive++
	if s.state == SessionIdle {
		s.setState(SessionBusy)
	}
}

func (s *Session) itemDeactivated() {
	s.nrActive--
	if s.state == SessionBusy && s.isIdle() {
		s.setState(SessionIdle)
	}
}

// slotIdle binds the first unbound item to the slot or, if there is none, marks the slot as ready.
func (s *Session) slotIdle(slot *Slot) {
	if len(s.unbound) > 0 {
		item := s.unbound[0]
		s.unbound = s.unbound[1:]
		slot.add(item, true)
		return
	}
	if !slices.Contains(s.ready, slot) {
		s.ready = append(s.ready, slot)
	}
}

func (s *Session) itemConsume(item *Item) {
	s.events = append(s.events, func() {
		s.ops.ItemConsume(item)
	})
}

func (s *Session) replyConsume(req, reply *Item) {
	s.events = append(s.events, func() {
		s.ops.ReplyConsume(req, reply)
	})
}
