package test

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/outofforest/colibri/balloc"
	"github.com/outofforest/colibri/be"
	"github.com/outofforest/colibri/types"
)

// ErrFreeFailed is returned by Free when failure is injected.
var ErrFreeFailed = errors.New("injected free failure")

// AllocatorConfig stores configuration of the faulty allocator.
type AllocatorConfig struct {
	// MaxBlocks limits the length of each returned extent. Zero means no limit.
	MaxBlocks uint64
	// FailAfter is the number of successful allocations after which allocator reports exhaustion. Zero means never.
	FailAfter uint64
	// FailFree makes every Free call fail.
	FailFree bool
}

// NewAllocator wraps allocator to fragment allocations and inject failures.
func NewAllocator(allocator balloc.Allocator, config AllocatorConfig) *Allocator {
	return &Allocator{
		Allocator: allocator,
		config:    config,
	}
}

// Allocator is the allocator used in tests.
type Allocator struct {
	balloc.Allocator

	config AllocatorConfig

	mu     sync.Mutex
	allocs uint64
}

// Alloc allocates blocks using the wrapped allocator.
func (a *Allocator) Alloc(tx *be.Tx, count uint64) (types.Extent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.config.FailAfter > 0 && a.allocs == a.config.FailAfter {
		return types.Extent{}, errors.Wrapf(balloc.ErrExhausted, "injected failure after %d allocations", a.allocs)
	}
	if a.config.MaxBlocks > 0 {
		count = min(count, a.config.MaxBlocks)
	}

	ext, err := a.Allocator.Alloc(tx, count)
	if err != nil {
		return types.Extent{}, err
	}
	a.allocs++
	return ext, nil
}

// Free frees blocks using the wrapped allocator.
func (a *Allocator) Free(tx *be.Tx, ext types.Extent) error {
	if a.config.FailFree {
		return errors.Wrapf(ErrFreeFailed, "extent [%d, %d)", ext.Start, ext.End)
	}
	return a.Allocator.Free(tx, ext)
}

// Allocations returns the number of successful allocations.
func (a *Allocator) Allocations() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.allocs
}
