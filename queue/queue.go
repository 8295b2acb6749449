package queue

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/outofforest/mass"
)

// RequestType defines types of device requests.
type RequestType uint64

// Request type constants.
const (
	Read RequestType = iota
	Write
	Sync
	Close
)

// NewRequest returns new request.
func NewRequest(massR *mass.Mass[Request], t RequestType) *Request {
	r := massR.New()
	r.Type = t
	return r
}

// Request is used to request device operation.
type Request struct {
	Type    RequestType
	Offsets []uint64
	Data    [][]byte
	Done    func(count uint64, err error)
	Next    *Request
}

// Release drops references held by processed request.
func (r *Request) Release() {
	r.Offsets = nil
	r.Data = nil
	r.Done = nil
}

// New creates new queue. Requests are published to the reader in batches of given size.
func New(batchSize uint64) *Queue {
	head := &Request{}
	return &Queue{
		tail:           &head,
		availableCount: lo.ToPtr[uint64](0),
		batchSize:      batchSize,
	}
}

// Queue is the polling queue of device requests. It supports one producer and one reader.
type Queue struct {
	tail           **Request
	availableCount *uint64
	batchSize      uint64
	count          uint64
}

// Push pushes new request into the queue.
func (q *Queue) Push(item *Request) {
	*q.tail = item
	q.tail = &item.Next

	q.count++

	if q.count >= q.batchSize || item.Type == Sync || item.Type == Close {
		atomic.AddUint64(q.availableCount, q.count)
		q.count = 0
	}
}

// NewReader creates new queue reader.
func (q *Queue) NewReader() *Reader {
	return &Reader{
		head:           q.tail,
		availableCount: q.availableCount,
		processedCount: lo.ToPtr[uint64](0),
	}
}

// Reader reads requests from the queue.
type Reader struct {
	head           **Request
	availableCount *uint64
	processedCount *uint64
}

const maxProcessChunkSize = 5

// Count returns the number of available requests to process. It blocks until there is at least one.
func (qr *Reader) Count(ctx context.Context, processedCount uint64) (uint64, error) {
	processed := atomic.AddUint64(qr.processedCount, processedCount)
	for {
		available := atomic.LoadUint64(qr.availableCount)
		if toProcess := available - processed; toProcess > 0 {
			if toProcess > maxProcessChunkSize {
				return maxProcessChunkSize, nil
			}
			return toProcess, nil
		}

		if err := ctx.Err(); err != nil {
			return 0, errors.WithStack(err)
		}
		time.Sleep(10 * time.Microsecond)
	}
}

// Pending returns the number of published requests not processed yet.
func (qr *Reader) Pending(processedCount uint64) uint64 {
	processed := atomic.AddUint64(qr.processedCount, processedCount)
	return atomic.LoadUint64(qr.availableCount) - processed
}

// Read reads next request from the queue.
func (qr *Reader) Read() *Request {
	h := *qr.head
	qr.head = &h.Next
	return h
}
