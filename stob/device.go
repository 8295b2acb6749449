package stob

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/colibri/persistent"
	"github.com/outofforest/colibri/queue"
	"github.com/outofforest/logger"
	"github.com/outofforest/mass"
	"github.com/outofforest/parallel"
)

// ErrClosed is returned when device does not accept requests anymore.
var ErrClosed = errors.New("device closed")

// DeviceConfig stores configuration of the device.
type DeviceConfig struct {
	// BlockShift is log2 of the write alignment.
	BlockShift uint32
}

// NewDevice creates device serving requests from the store.
func NewDevice(store persistent.Store, config DeviceConfig) *Device {
	q := queue.New(1)
	return &Device{
		store:       store,
		config:      config,
		queue:       q,
		reader:      q.NewReader(),
		massRequest: mass.New[queue.Request](1000),
	}
}

// Device is the backing storage object executing requests on the physical store.
type Device struct {
	store  persistent.Store
	config DeviceConfig
	reader *queue.Reader

	mu          sync.Mutex
	queue       *queue.Queue
	massRequest *mass.Mass[queue.Request]
	closed      bool
}

// BlockShift returns log2 of the write alignment.
func (d *Device) BlockShift() uint32 {
	return d.config.BlockShift
}

// Size returns the size of the device.
func (d *Device) Size() uint64 {
	return d.store.Size()
}

// Launch validates and enqueues the request. Data buffers must correspond to index ranges one to one.
func (d *Device) Launch(ctx context.Context, io *IO) error {
	if err := d.validate(io); err != nil {
		return err
	}
	if err := io.MarkLaunched(); err != nil {
		return err
	}

	t := queue.Read
	if io.Opcode == OpWrite {
		t = queue.Write
	}
	offsets := make([]uint64, 0, len(io.Index))
	for _, r := range io.Index {
		offsets = append(offsets, r.Offset)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		io.Complete(0, errors.WithStack(ErrClosed))
		return nil
	}

	req := queue.NewRequest(d.massRequest, t)
	req.Offsets = offsets
	req.Data = io.Data
	req.Done = io.Complete
	d.queue.Push(req)

	logger.Get(ctx).Debug("Device request enqueued",
		zap.Int("opcode", int(io.Opcode)),
		zap.Int("vectors", len(offsets)))
	return nil
}

// Sync waits until all the previously enqueued requests are executed and the store is synced.
func (d *Device) Sync(ctx context.Context) error {
	doneCh := make(chan error, 1)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return errors.WithStack(ErrClosed)
	}
	req := queue.NewRequest(d.massRequest, queue.Sync)
	req.Done = func(_ uint64, err error) {
		doneCh <- err
	}
	d.queue.Push(req)
	d.mu.Unlock()

	select {
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	case err := <-doneCh:
		return err
	}
}

// Close tells executor to stop after all the previously enqueued requests are processed.
func (d *Device) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}
	d.queue.Push(queue.NewRequest(d.massRequest, queue.Close))
	d.closed = true
}

// Run runs the executor.
func (d *Device) Run(ctx context.Context) error {
	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("executor", parallel.Exit, func(ctx context.Context) error {
			log := logger.Get(ctx)

			var processed uint64
			for {
				count, err := d.reader.Count(ctx, processed)
				if err != nil {
					d.shutdown(0)
					return err
				}
				processed = count

				for i := range count {
					req := d.reader.Read()
					if req.Type == queue.Close {
						req.Release()
						// Requests following close in this batch are failed by shutdown.
						d.shutdown(i + 1)
						return nil
					}

					n, err := d.execute(req)
					if err != nil {
						log.Error("Device request failed", zap.Error(err))
					}
					req.Done(n, err)
					req.Release()
				}
			}
		})
		return nil
	})
}

func (d *Device) execute(req *queue.Request) (uint64, error) {
	var count uint64
	for i, data := range req.Data {
		var err error
		switch req.Type {
		case queue.Read:
			err = d.store.Read(req.Offsets[i], data)
		case queue.Write:
			err = d.store.Write(req.Offsets[i], data)
		}
		if err != nil {
			return count, errors.Wrapf(ErrIO, "offset %d: %s", req.Offsets[i], err)
		}
		count += uint64(len(data))
	}

	if req.Type == queue.Sync {
		if err := d.store.Sync(); err != nil {
			return 0, errors.Wrap(ErrIO, err.Error())
		}
	}
	return count, nil
}

// shutdown rejects new requests and fails the ones still waiting in the queue. Count passed in is the number of
// requests consumed from the current batch, not reported to the reader yet.
func (d *Device) shutdown(processed uint64) {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	pending := d.reader.Pending(processed)
	for range pending {
		req := d.reader.Read()
		if req.Done != nil {
			req.Done(0, errors.WithStack(ErrClosed))
		}
		req.Release()
	}
}

func (d *Device) validate(io *IO) error {
	if err := io.Validate(); err != nil {
		return err
	}
	if len(io.Data) != len(io.Index) {
		return errors.Wrap(ErrInvalidIO, "device requires one buffer per range")
	}

	alignMask := uint64(1)<<d.config.BlockShift - 1
	for i, r := range io.Index {
		if uint64(len(io.Data[i])) != r.Count {
			return errors.Wrapf(ErrInvalidIO, "buffer %d doesn't match range %v", i, r)
		}
		if r.End() > d.store.Size() {
			return errors.Wrapf(ErrInvalidIO, "range %v exceeds device size %d", r, d.store.Size())
		}
		if io.Opcode == OpWrite && (r.Offset|r.Count)&alignMask != 0 {
			return errors.Wrapf(ErrInvalidIO, "range %v is not aligned to %d bytes", r, alignMask+1)
		}
	}
	return nil
}
