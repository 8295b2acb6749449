package types

import "math"

const (
	// UInt64Length is the number of bytes taken by uint64.
	UInt64Length = 8

	// PrefixLength is the number of bytes taken by encoded prefix.
	PrefixLength = 2 * UInt64Length

	// HashLength is the number of bytes taken by hash.
	HashLength = 32
)

// IndexMax is the exclusive end of the logical address space of each object.
const IndexMax uint64 = math.MaxUint64

// Values stored in the extent map at or above ValueMin are reserved. Physical offsets are always below it.
const (
	// ValueMin is the first reserved value.
	ValueMin uint64 = math.MaxUint64 - 1<<32

	// ValueNone marks a region beyond the current object size.
	ValueNone = ValueMin + 1

	// ValueHole marks an allocated logical region without physical backing.
	ValueHole = ValueMin + 2
)

// IsReal returns true if value is a physical offset and not a sentinel.
func IsReal(value uint64) bool {
	return value < ValueMin
}

type (
	// DomainID is the type for AD domain ID.
	DomainID uint64

	// TxID is the type for transaction ID.
	TxID uint64

	// Hash represents digest of a stored record.
	Hash [HashLength]byte
)

// Prefix identifies the owner of the extent map segments.
type Prefix struct {
	Domain DomainID
	Key    uint64
}

// Extent is the half-open range [Start, End).
type Extent struct {
	Start uint64
	End   uint64
}

// Length returns length of the extent.
func (e Extent) Length() uint64 {
	return e.End - e.Start
}

// IsEmpty returns true if extent contains nothing.
func (e Extent) IsEmpty() bool {
	return e.End <= e.Start
}

// Contains returns true if offset belongs to the extent.
func (e Extent) Contains(offset uint64) bool {
	return e.Start <= offset && offset < e.End
}

// Intersection returns the common part of two extents. Result is empty if they don't overlap.
func (e Extent) Intersection(other Extent) Extent {
	r := Extent{Start: max(e.Start, other.Start), End: min(e.End, other.End)}
	if r.End < r.Start {
		r.End = r.Start
	}
	return r
}

// Overlaps returns true if extents share at least one offset.
func (e Extent) Overlaps(other Extent) bool {
	return !e.Intersection(other).IsEmpty()
}
