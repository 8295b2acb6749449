package be

import "fmt"

// Credit is the upper bound of resources consumed by a transaction.
type Credit struct {
	// Ops is the number of records modified.
	Ops uint64
	// Bytes is the number of bytes written to the log.
	Bytes uint64
}

// Add returns sum of two credits.
func (c Credit) Add(other Credit) Credit {
	return Credit{
		Ops:   c.Ops + other.Ops,
		Bytes: c.Bytes + other.Bytes,
	}
}

// Mul returns credit multiplied n times.
func (c Credit) Mul(n uint64) Credit {
	return Credit{
		Ops:   c.Ops * n,
		Bytes: c.Bytes * n,
	}
}

// Covers returns true if c is not smaller than other in any dimension.
func (c Credit) Covers(other Credit) bool {
	return c.Ops >= other.Ops && c.Bytes >= other.Bytes
}

func (c Credit) String() string {
	return fmt.Sprintf("{ops: %d, bytes: %d}", c.Ops, c.Bytes)
}
