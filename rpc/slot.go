package rpc

import (
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	// ErrMisordered is returned when item or reply arrives out of the expected sequence.
	ErrMisordered = errors.New("item misordered")

	// ErrStaleReply is returned when reply is ignored because request has been already replied or never sent.
	ErrStaleReply = errors.New("stale reply")

	// ErrVernoMismatch is returned when version number carried by the reply doesn't match the request.
	ErrVernoMismatch = errors.New("version number mismatch")
)

// Slot is the serial channel of the session. Items in the slot are ordered by xid. All the methods must be called
// with the session lock held.
type Slot struct {
	id          uint64
	generation  uint64
	session     *Session
	log         *zap.Logger
	maxInFlight uint64

	verno    Verno
	xid      uint64
	inFlight uint64

	// items[0] is the dummy item representing the past of the slot.
	items          []*Item
	lastSent       int
	lastPersistent int
}

func newSlot(session *Session, id, generation, maxInFlight uint64) *Slot {
	s := &Slot{
		id:          id,
		generation:  generation,
		session:     session,
		log:         session.log.With(zap.Uint64("slot", id)),
		maxInFlight: maxInFlight,
		verno:       Verno{LSN: 1},
		xid:         1,
	}
	dummy := &Item{
		stage: StagePastCommitted,
	}
	dummy.Ref = s.ref(dummy.Ref)
	dummy.reply = dummy
	s.items = []*Item{dummy}
	return s
}

// ID returns id of the slot.
func (s *Slot) ID() uint64 {
	return s.id
}

func (s *Slot) ref(ref SlotRef) SlotRef {
	ref.SenderUUID = s.session.config.SenderUUID
	ref.SenderID = s.session.config.SenderID
	ref.SessionID = s.session.id
	ref.SlotID = s.id
	ref.SlotGeneration = s.generation
	return ref
}

// find returns position of the item with the given xid.
func (s *Slot) find(xid uint64) (int, bool) {
	// xids of items are consecutive, starting from 0 for the dummy item.
	if xid >= uint64(len(s.items)) {
		return 0, false
	}
	return int(xid), true
}

// add assigns xid and version number to the item and appends it to the slot.
func (s *Slot) add(item *Item, allowEvents bool) {
	item.Ref = s.ref(item.Ref)
	item.Ref.Verno = s.verno
	item.Ref.XID = s.xid
	item.Ref.LastPersistent = s.items[s.lastPersistent].Ref.Verno
	item.Ref.LastSeen = s.items[s.lastSent].Ref.Verno
	s.insert(item, allowEvents)
}

// insert appends the item having xid and version number matching the slot.
func (s *Slot) insert(item *Item, allowEvents bool) {
	item.stage = StageFuture
	item.reply = nil
	item.inFlight = false

	s.xid++
	if item.Update {
		s.verno = s.verno.Inc()
	}
	s.items = append(s.items, item)
	s.session.itemActivated()

	s.balance(allowEvents)
	s.checkInvariant()
}

// balance sends items while there is space in the window.
func (s *Slot) balance(allowEvents bool) {
	for s.inFlight < s.maxInFlight {
		if s.lastSent == len(s.items)-1 {
			if allowEvents {
				s.session.slotIdle(s)
			}
			return
		}

		s.lastSent++
		item := s.items[s.lastSent]
		if item.stage == StageFuture {
			item.stage = StageInProgress
		}
		// Reply to read-only item is known already, there is no need to send it again.
		if item.reply != nil && !item.Update {
			continue
		}

		item.inFlight = true
		s.inFlight++
		s.session.itemConsume(item)
	}
}

// apply decides what to do with the item received from the sender.
func (s *Slot) apply(item *Item) error {
	err := IsRedoable(s.verno, item.Ref.Verno)
	switch {
	case err == nil && item.Ref.XID == s.xid:
		s.insert(item, true)
		itemsApplied.Inc()
		return nil
	case err == nil && item.Ref.XID < s.xid, errors.Is(err, ErrAlreadyApplied):
		return s.duplicate(item)
	case err == nil:
		return s.misordered(item, errors.Errorf("expected xid %d, got %d", s.xid, item.Ref.XID))
	default:
		return s.misordered(item, err)
	}
}

// duplicate replays the reply cached for the item received again.
func (s *Slot) duplicate(item *Item) error {
	i, exists := s.find(item.Ref.XID)
	if !exists || i == 0 || s.items[i].Ref.Verno != item.Ref.Verno {
		return s.misordered(item, errors.Errorf("unknown duplicate xid %d", item.Ref.XID))
	}

	err := errors.Wrapf(ErrAlreadyApplied, "xid %d", item.Ref.XID)
	req := s.items[i]
	if !req.stage.IsPast() {
		// Reply will be sent once the original request is processed.
		s.log.Debug("Duplicate of the item in progress ignored", zap.Uint64("xid", item.Ref.XID))
		return err
	}

	duplicatesReplayed.Inc()
	s.session.replyConsume(req, req.reply)
	return err
}

// misordered generates reply informing sender about the broken sequence.
func (s *Slot) misordered(item *Item, err error) error {
	misordered.Inc()
	s.log.Warn("Misordered item",
		zap.Uint64("xid", item.Ref.XID),
		zap.Stringer("verno", item.Ref.Verno),
		zap.Stringer("slotVerno", s.verno),
		zap.Error(err))

	reply := s.session.replies.New()
	*reply = Item{
		Ref:   item.Ref,
		Err:   ErrMisordered,
		stage: StagePastVolatile,
	}
	s.session.replyConsume(item, reply)

	if errors.Is(err, ErrNeedsIntermediate) {
		return err
	}
	return errors.Wrap(ErrMisordered, err.Error())
}

// replyReceived processes reply to the item sent through the slot.
func (s *Slot) replyReceived(reply *Item) (*Item, error) {
	i, exists := s.find(reply.Ref.XID)
	if !exists || i == 0 {
		return nil, s.ignore(reply, "unknown request")
	}
	req := s.items[i]
	if req.Ref.Verno != reply.Ref.Verno {
		return nil, errors.Wrapf(ErrVernoMismatch, "request: %s, reply: %s", req.Ref.Verno, reply.Ref.Verno)
	}
	if i > s.lastSent {
		return nil, s.ignore(reply, "request has not been sent")
	}

	wasInFlight := req.inFlight
	if req.inFlight {
		req.inFlight = false
		s.inFlight--
	}

	if req.stage.IsPast() {
		if wasInFlight {
			s.balance(true)
		}
		s.checkInvariant()
		return nil, s.ignore(reply, "request has been already replied")
	}

	req.stage = StagePastVolatile
	req.reply = reply
	s.session.itemDeactivated()

	s.balance(true)
	s.checkInvariant()

	s.session.replyConsume(req, reply)
	return req, nil
}

func (s *Slot) ignore(reply *Item, reason string) error {
	repliesIgnored.Inc()
	s.log.Warn("Reply ignored", zap.Uint64("xid", reply.Ref.XID), zap.String("reason", reason))
	return errors.Wrapf(ErrStaleReply, "xid %d: %s", reply.Ref.XID, reason)
}

// persistenceAdvance marks items up to the bound as committed by the receiver.
func (s *Slot) persistenceAdvance(bound Verno) {
	for i := s.lastPersistent; i < len(s.items); i++ {
		item := s.items[i]
		if item.Ref.Verno.Cmp(bound) > 0 || !item.stage.IsPast() {
			break
		}
		item.stage = StagePastCommitted
		s.lastPersistent = i
	}
	s.checkInvariant()
}

// reset moves the sending position back to the item last seen by the receiver and sends everything after it again.
func (s *Slot) reset(lastSeen Verno) error {
	if s.verno.Cmp(lastSeen) < 0 {
		return errors.Wrapf(ErrMisordered, "slot verno %s is older than last seen %s", s.verno, lastSeen)
	}

	pos := -1
	for i, item := range s.items {
		if item.Ref.Verno == lastSeen {
			pos = i
			break
		}
	}
	if pos < 0 {
		return errors.Wrapf(ErrMisordered, "no item with verno %s", lastSeen)
	}
	if s.items[pos].stage == StageFuture {
		return errors.Wrapf(ErrMisordered, "item with verno %s has not been sent", lastSeen)
	}

	for _, item := range s.items {
		item.inFlight = false
	}
	s.inFlight = 0
	s.lastSent = pos

	s.log.Info("Slot reset", zap.Stringer("lastSeen", lastSeen), zap.Uint64("xid", s.items[pos].Ref.XID))

	s.balance(true)
	s.checkInvariant()
	return nil
}

// prune drops all the items except the dummy one.
func (s *Slot) prune() {
	clear(s.items[1:])
	s.items = s.items[:1]
	s.lastSent = 0
	s.lastPersistent = 0
	s.inFlight = 0
}

// Invariant verifies consistency of the slot.
func (s *Slot) Invariant() error {
	if s.inFlight > s.maxInFlight {
		return errors.Errorf("%d items in flight, window is %d", s.inFlight, s.maxInFlight)
	}

	var inFlight uint64
	for i, item := range s.items {
		if item.inFlight {
			inFlight++
		}
		if item.stage.IsPast() && item.reply == nil {
			return errors.Errorf("item %d is in the past but has no reply", item.Ref.XID)
		}
		if i == 0 {
			continue
		}

		prev := s.items[i-1]
		if item.Ref.XID != prev.Ref.XID+1 {
			return errors.Errorf("xid %d follows xid %d", item.Ref.XID, prev.Ref.XID)
		}
		expectedVC := prev.Ref.Verno.VC
		if prev.Update {
			expectedVC++
		}
		if item.Ref.Verno.VC != expectedVC {
			return errors.Errorf("item %d has vc %d, expected %d", item.Ref.XID, item.Ref.Verno.VC, expectedVC)
		}
		if err := checkStages(prev, item, s.maxInFlight); err != nil {
			return err
		}
	}
	if inFlight != s.inFlight {
		return errors.Errorf("%d items marked as in flight, counter is %d", inFlight, s.inFlight)
	}
	return nil
}

// checkStages verifies the order of stages. When window is wider than one item, replies may come in any order, so
// only committed items are required to form a prefix and future items a suffix.
func checkStages(prev, item *Item, maxInFlight uint64) error {
	if maxInFlight == 1 {
		if prev.stage > item.stage {
			return errors.Errorf("item %d is %s, previous one is %s", item.Ref.XID, item.stage, prev.stage)
		}
		return nil
	}
	if item.stage == StagePastCommitted && prev.stage != StagePastCommitted {
		return errors.Errorf("committed item %d follows %s one", item.Ref.XID, prev.stage)
	}
	if prev.stage == StageFuture && item.stage != StageFuture {
		return errors.Errorf("item %d is %s, previous one is future", item.Ref.XID, item.stage)
	}
	return nil
}

func (s *Slot) checkInvariant() {
	if err := s.Invariant(); err != nil {
		panic(fmt.Sprintf("slot %d invariant broken: %s", s.id, err))
	}
}
