package stob

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/outofforest/colibri/be"
)

var (
	// ErrIO is returned when device operation fails.
	ErrIO = errors.New("I/O failure")

	// ErrInvalidIO is returned when request is malformed.
	ErrInvalidIO = errors.New("invalid I/O request")
)

// Opcode defines operation requested by IO.
type Opcode int

// Opcodes.
const (
	OpRead Opcode = iota
	OpWrite
)

// State enumerates IO states.
type State int

// IO states.
const (
	StateIdle State = iota
	StateLaunched
	StateDone
)

// Range is the range of object addresses.
type Range struct {
	Offset uint64
	Count  uint64
}

// End returns the exclusive end of the range.
func (r Range) End() uint64 {
	return r.Offset + r.Count
}

// Stob is the storage object accepting IO requests.
type Stob interface {
	// Launch starts the request. Completion is reported asynchronously.
	Launch(ctx context.Context, io *IO) error
}

// NewIO creates new IO request. Bytes of Data buffers are mapped, in order, to the addresses in Index.
func NewIO(op Opcode, data [][]byte, index []Range) *IO {
	return &IO{
		Opcode: op,
		Data:   data,
		Index:  index,
		doneCh: make(chan struct{}),
	}
}

// IO is the storage object read or write request.
type IO struct {
	Opcode Opcode
	Data   [][]byte
	Index  []Range
	// Tx is the transaction in which mapping changes are made. Required by writes to objects with persistent mapping.
	Tx *be.Tx
	// OnComplete, if set, is called once request is done, before waiters are released.
	OnComplete func(io *IO)

	mu     sync.Mutex
	state  State
	count  uint64
	err    error
	doneCh chan struct{}
}

// DataSize returns the number of bytes in data buffers.
func (io *IO) DataSize() uint64 {
	return lo.SumBy(io.Data, func(b []byte) uint64 {
		return uint64(len(b))
	})
}

// IndexSize returns the number of bytes addressed by index.
func (io *IO) IndexSize() uint64 {
	return lo.SumBy(io.Index, func(r Range) uint64 {
		return r.Count
	})
}

// Validate checks that request is well-formed.
func (io *IO) Validate() error {
	if len(io.Data) == 0 || len(io.Index) == 0 {
		return errors.Wrap(ErrInvalidIO, "empty request")
	}
	if dataSize, indexSize := io.DataSize(), io.IndexSize(); dataSize != indexSize {
		return errors.Wrapf(ErrInvalidIO, "data size %d doesn't match index size %d", dataSize, indexSize)
	}
	for _, r := range io.Index {
		if r.Count == 0 || r.End() < r.Offset {
			return errors.Wrapf(ErrInvalidIO, "invalid range %v", r)
		}
	}
	return nil
}

// State returns state of the request.
func (io *IO) State() State {
	io.mu.Lock()
	defer io.mu.Unlock()

	return io.state
}

// Result returns number of bytes transferred and error.
func (io *IO) Result() (uint64, error) {
	io.mu.Lock()
	defer io.mu.Unlock()

	return io.count, io.err
}

// Done returns channel closed when request completes.
func (io *IO) Done() <-chan struct{} {
	return io.doneCh
}

// Wait waits for completion of the request and returns its error.
func (io *IO) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	case <-io.doneCh:
		_, err := io.Result()
		return err
	}
}

// MarkLaunched moves request from idle to launched state.
func (io *IO) MarkLaunched() error {
	io.mu.Lock()
	defer io.mu.Unlock()

	if io.state != StateIdle {
		return errors.Wrapf(ErrInvalidIO, "request launched in state %d", io.state)
	}
	io.state = StateLaunched
	return nil
}

// Complete finalizes the request.
func (io *IO) Complete(count uint64, err error) {
	io.mu.Lock()
	if io.state != StateLaunched {
		io.mu.Unlock()
		panic("completing request which is not launched")
	}
	io.state = StateDone
	io.count = count
	io.err = err
	io.mu.Unlock()

	if io.OnComplete != nil {
		io.OnComplete(io)
	}
	close(io.doneCh)
}
