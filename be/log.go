package be

import (
	"bytes"
	"context"
	"encoding/binary"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/colibri/types"
)

// LogFragments returns fragments logged by the committed transaction.
func (s *Seg) LogFragments(tx *Tx, id types.TxID) ([]Fragment, error) {
	record := tx.btx.Bucket(logBucket).Get(txKey(id))
	if record == nil {
		return nil, errors.Wrapf(ErrNotFound, "log record of transaction %d", id)
	}
	return s.decodeRecord(bytes.Clone(record))
}

// LogIDs returns IDs of transactions present in the log, in commit order.
func (s *Seg) LogIDs(tx *Tx) []types.TxID {
	ids := []types.TxID{}
	c := tx.btx.Bucket(logBucket).Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		ids = append(ids, types.TxID(binary.BigEndian.Uint64(k)))
	}
	return ids
}

// LogTruncate removes log records of transactions up to and including the given one.
func (s *Seg) LogTruncate(tx *Tx, upTo types.TxID) error {
	c := tx.btx.Bucket(logBucket).Cursor()
	for k, _ := c.First(); k != nil && binary.BigEndian.Uint64(k) <= uint64(upTo); k, _ = c.First() {
		tx.Capture(Credit{Ops: 1})
		if err := c.Delete(); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

// Revert undoes the committed transaction using its logged fragments. Effects are applied in a new transaction.
func (s *Seg) Revert(ctx context.Context, id types.TxID) (types.TxID, error) {
	return s.replay(ctx, id, (*Tx).undo)
}

// Reapply redoes the committed transaction using its logged fragments. Effects are applied in a new transaction.
func (s *Seg) Reapply(ctx context.Context, id types.TxID) (types.TxID, error) {
	return s.replay(ctx, id, (*Tx).redo)
}

func (s *Seg) replay(ctx context.Context, id types.TxID, fn func(tx *Tx, fragments []Fragment) error) (types.TxID, error) {
	tx := s.NewTx(ctx)
	if err := tx.Open(); err != nil {
		return 0, err
	}

	fragments, err := s.LogFragments(tx, id)
	if err == nil {
		err = fn(tx, fragments)
	}
	if err != nil {
		if abortErr := tx.btx.Rollback(); abortErr != nil {
			s.log.Error("Rolling back replay transaction failed", zap.Error(abortErr))
		}
		tx.state = TxAborted
		return 0, err
	}

	if err := tx.Close(); err != nil {
		return 0, err
	}

	s.log.Debug("Transaction replayed",
		zap.Uint64("txID", uint64(id)),
		zap.Uint64("replayTxID", uint64(tx.ID())),
		zap.Int("fragments", len(fragments)))
	return tx.ID(), nil
}
