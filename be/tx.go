package be

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/outofforest/colibri/types"
	"github.com/outofforest/logger"
)

// TxState enumerates transaction states.
type TxState int

// Transaction states.
const (
	TxPrepare TxState = iota
	TxActive
	TxClosed
	TxAborted
)

var txStateNames = map[TxState]string{
	TxPrepare: "prepare",
	TxActive:  "active",
	TxClosed:  "closed",
	TxAborted: "aborted",
}

func (s TxState) String() string {
	return txStateNames[s]
}

// Mark is the savepoint in the list of transaction fragments.
type Mark int

// NewTx creates new transaction in the prepare state.
func (s *Seg) NewTx(ctx context.Context) *Tx {
	return &Tx{
		seg: s,
		log: logger.Get(ctx),
	}
}

// BeginRead opens read-only transaction.
func (s *Seg) BeginRead(ctx context.Context) (*Tx, error) {
	btx, err := s.db.Begin(false)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &Tx{
		seg:      s,
		log:      logger.Get(ctx),
		state:    TxActive,
		readOnly: true,
		btx:      btx,
	}, nil
}

// Tx is the transaction modifying the segment.
type Tx struct {
	seg      *Seg
	log      *zap.Logger
	id       types.TxID
	state    TxState
	readOnly bool
	// replaying is set while fragments are undone or redone. Credit is not charged then.
	replaying bool

	reserved  Credit
	used      Credit
	btx       *bolt.Tx
	fragments []Fragment
}

// ID returns ID of the transaction. It is assigned when transaction is opened.
func (tx *Tx) ID() types.TxID {
	return tx.id
}

// State returns state of the transaction.
func (tx *Tx) State() TxState {
	return tx.state
}

// Seg returns segment the transaction operates on.
func (tx *Tx) Seg() *Seg {
	return tx.seg
}

// Bolt returns the underlying bolt transaction.
func (tx *Tx) Bolt() *bolt.Tx {
	return tx.btx
}

// Writable returns true if transaction may modify the segment.
func (tx *Tx) Writable() bool {
	return !tx.readOnly
}

// Prep reserves credit for the transaction.
func (tx *Tx) Prep(credit Credit) {
	if tx.state != TxPrepare {
		panic(fmt.Sprintf("credit can't be reserved in state %s", tx.state))
	}
	tx.reserved = tx.reserved.Add(credit)
}

// Reserved returns reserved credit.
func (tx *Tx) Reserved() Credit {
	return tx.reserved
}

// Used returns consumed credit.
func (tx *Tx) Used() Credit {
	return tx.used
}

// Open starts the transaction.
func (tx *Tx) Open() error {
	if tx.state != TxPrepare {
		return errors.Errorf("transaction can't be opened in state %s", tx.state)
	}

	btx, err := tx.seg.db.Begin(true)
	if err != nil {
		return errors.WithStack(err)
	}
	id, err := btx.Bucket(logBucket).NextSequence()
	if err != nil {
		_ = btx.Rollback()
		return errors.WithStack(err)
	}

	tx.btx = btx
	tx.id = types.TxID(id)
	tx.state = TxActive
	return nil
}

// Capture charges credit. Exceeding the reserved credit is a programming error.
func (tx *Tx) Capture(credit Credit) {
	if tx.state != TxActive || tx.readOnly {
		panic(fmt.Sprintf("credit captured by transaction in state %s", tx.state))
	}
	if tx.replaying {
		return
	}
	tx.used = tx.used.Add(credit)
	if !tx.reserved.Covers(tx.used) {
		panic(fmt.Sprintf("transaction %d exceeded credit, reserved: %s, used: %s", tx.id, tx.reserved, tx.used))
	}
}

// Add attaches fragment to the transaction.
func (tx *Tx) Add(f Fragment) {
	tx.Capture(f.Credit())
	tx.fragments = append(tx.fragments, f)
}

// Fragments returns fragments attached so far.
func (tx *Tx) Fragments() []Fragment {
	return tx.fragments
}

// Mark returns savepoint.
func (tx *Tx) Mark() Mark {
	return Mark(len(tx.fragments))
}

// RollbackTo undoes fragments added after the savepoint.
func (tx *Tx) RollbackTo(m Mark) error {
	if tx.state != TxActive || tx.readOnly {
		return errors.Errorf("transaction can't be rolled back in state %s", tx.state)
	}
	if err := tx.undo(tx.fragments[m:]); err != nil {
		return err
	}
	tx.fragments = tx.fragments[:m]
	return nil
}

// Close commits the transaction.
func (tx *Tx) Close() error {
	if tx.state != TxActive {
		return errors.Errorf("transaction can't be closed in state %s", tx.state)
	}

	if tx.readOnly {
		tx.state = TxClosed
		return errors.WithStack(tx.btx.Rollback())
	}

	if len(tx.fragments) > 0 {
		record, err := encodeRecord(tx.fragments)
		if err != nil {
			_ = tx.btx.Rollback()
			tx.state = TxAborted
			return err
		}
		if err := tx.btx.Bucket(logBucket).Put(txKey(tx.id), record); err != nil {
			_ = tx.btx.Rollback()
			tx.state = TxAborted
			return errors.WithStack(err)
		}
	}

	if err := tx.btx.Commit(); err != nil {
		tx.state = TxAborted
		return errors.WithStack(err)
	}
	tx.state = TxClosed

	tx.log.Debug("Transaction committed",
		zap.Uint64("txID", uint64(tx.id)),
		zap.Int("fragments", len(tx.fragments)),
		zap.Uint64("opsUsed", tx.used.Ops))
	return nil
}

// Abort reverts the transaction.
func (tx *Tx) Abort() error {
	switch {
	case tx.state == TxPrepare:
		tx.state = TxAborted
		return nil
	case tx.state != TxActive:
		return errors.Errorf("transaction can't be aborted in state %s", tx.state)
	}

	var err error
	if !tx.readOnly {
		// Fragments may carry effects living outside the segment, so they are undone explicitly.
		err = tx.undo(tx.fragments)
	}
	tx.fragments = nil
	tx.state = TxAborted
	if rbErr := tx.btx.Rollback(); rbErr != nil && err == nil {
		err = errors.WithStack(rbErr)
	}
	return err
}

func (tx *Tx) undo(fragments []Fragment) error {
	tx.replaying = true
	defer func() {
		tx.replaying = false
	}()

	for i := len(fragments) - 1; i >= 0; i-- {
		if err := fragments[i].Undo(tx); err != nil {
			return errors.Wrapf(err, "undoing fragment of type %d failed", fragments[i].Type())
		}
	}
	return nil
}

func (tx *Tx) redo(fragments []Fragment) error {
	tx.replaying = true
	defer func() {
		tx.replaying = false
	}()

	for _, f := range fragments {
		if err := f.Redo(tx); err != nil {
			return errors.Wrapf(err, "redoing fragment of type %d failed", f.Type())
		}
	}
	return nil
}

func txKey(id types.TxID) []byte {
	return binary.BigEndian.AppendUint64(make([]byte, 0, types.UInt64Length), uint64(id))
}
