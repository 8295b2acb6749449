package rpc

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrAlreadyApplied is returned when update has been already applied to the unit.
	ErrAlreadyApplied = errors.New("update already applied")

	// ErrNeedsIntermediate is returned when some earlier update of the unit is missing.
	ErrNeedsIntermediate = errors.New("intermediate update missing")
)

// Verno is the version number of the unit.
type Verno struct {
	// LSN is the log sequence number of the last update.
	LSN uint64
	// VC is the number of updates applied to the unit.
	VC uint64
}

// Cmp compares version numbers. LSN decides, VC breaks ties.
func (v Verno) Cmp(other Verno) int {
	switch {
	case v.LSN < other.LSN:
		return -1
	case v.LSN > other.LSN:
		return 1
	case v.VC < other.VC:
		return -1
	case v.VC > other.VC:
		return 1
	default:
		return 0
	}
}

// Inc returns version number after one more update.
func (v Verno) Inc() Verno {
	return Verno{LSN: v.LSN + 1, VC: v.VC + 1}
}

func (v Verno) String() string {
	return fmt.Sprintf("%d:%d", v.LSN, v.VC)
}

// IsRedoable checks if update stamped with version before can be applied to the unit having version unit.
func IsRedoable(unit, before Verno) error {
	switch {
	case unit.VC == before.VC:
		return nil
	case unit.VC > before.VC:
		return errors.Wrapf(ErrAlreadyApplied, "unit: %s, update: %s", unit, before)
	default:
		return errors.Wrapf(ErrNeedsIntermediate, "unit: %s, update: %s", unit, before)
	}
}

// IsUndoable checks if update stamped with version before can be reverted on the unit having version unit.
func IsUndoable(unit, before Verno) error {
	switch {
	case unit.VC == before.VC+1:
		return nil
	case unit.VC <= before.VC:
		return errors.Wrapf(ErrAlreadyApplied, "update %s already reverted on unit %s", before, unit)
	default:
		return errors.Wrapf(ErrNeedsIntermediate, "unit: %s, update: %s", unit, before)
	}
}
