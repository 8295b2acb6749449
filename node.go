package colibri

import (
	"context"
	"os"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/outofforest/colibri/balloc"
	"github.com/outofforest/colibri/be"
	"github.com/outofforest/colibri/config"
	"github.com/outofforest/colibri/persistent"
	"github.com/outofforest/colibri/rpc"
	"github.com/outofforest/colibri/stob"
	"github.com/outofforest/colibri/stob/ad"
	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
)

// New opens the node described by the configuration.
func New(ctx context.Context, cfg config.Config) (*Node, func(), error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	var segID uuid.UUID
	if cfg.Segment.ID != "" {
		var err error
		segID, err = uuid.Parse(cfg.Segment.ID)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "invalid segment ID %q", cfg.Segment.ID)
		}
	}

	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	seg, segClose, err := be.OpenSeg(ctx, be.SegConfig{Path: cfg.Segment.Path, ID: segID})
	if err != nil {
		return nil, nil, err
	}
	closers = append(closers, segClose)

	registry := be.NewRegistry()
	if err := registry.Add(seg); err != nil {
		closeAll()
		return nil, nil, err
	}

	store, storeClose, err := openStore(cfg.Device)
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	closers = append(closers, storeClose)

	device := stob.NewDevice(store, stob.DeviceConfig{BlockShift: cfg.Device.BlockShift})

	alloc, err := balloc.NewGroup(ctx, seg, balloc.GroupConfig{
		Name:        cfg.AD.Key,
		Blocks:      cfg.Device.Size >> cfg.Allocator.BlockShift,
		GroupBlocks: cfg.Allocator.GroupBlocks,
		BlockShift:  cfg.Allocator.BlockShift,
	})
	if err != nil {
		closeAll()
		return nil, nil, err
	}

	location := ad.Location{Seg: seg.ID(), Key: cfg.AD.Key}
	domain, err := ad.Locate(ctx, registry, location.String(), ad.Config{
		Allocator: alloc,
		Backing:   device,
	})
	if err != nil {
		closeAll()
		return nil, nil, err
	}

	log := logger.Get(ctx)
	log.Info("Node opened",
		zap.Stringer("location", location),
		zap.Uint64("domain", uint64(domain.ID())),
		zap.Uint64("deviceSize", store.Size()))

	return &Node{
		config:   cfg,
		seg:      seg,
		registry: registry,
		device:   device,
		alloc:    alloc,
		domain:   domain,
	}, closeAll, nil
}

func openStore(cfg config.DeviceConfig) (persistent.Store, func(), error) {
	switch cfg.Kind {
	case config.DeviceDummy:
		return persistent.NewDummyStore(cfg.Size), func() {}, nil
	case config.DeviceMemory:
		store, storeClose, err := persistent.NewMemoryStore(cfg.Size, false)
		if err != nil {
			return nil, nil, err
		}
		return store, storeClose, nil
	}

	file, err := os.OpenFile(cfg.Path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "opening device %q failed", cfg.Path)
	}
	store, storeClose, err := persistent.NewFileStore(file, cfg.Size)
	if err != nil {
		_ = file.Close()
		return nil, nil, err
	}
	return store, storeClose, nil
}

// Node combines the segment, the device, the allocator and the AD domain stored on them.
type Node struct {
	config   config.Config
	seg      *be.Seg
	registry *be.Registry
	device   *stob.Device
	alloc    *balloc.Group
	domain   *ad.Domain

	senders atomic.Uint64
}

// Run runs the device executor until context is canceled or Close is called.
func (n *Node) Run(ctx context.Context) error {
	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("device", parallel.Exit, n.device.Run)
		return nil
	})
}

// Close stops the device executor after all the enqueued requests are processed.
func (n *Node) Close() {
	n.device.Close()
}

// Seg returns the segment.
func (n *Node) Seg() *be.Seg {
	return n.seg
}

// Registry returns registry of the segments.
func (n *Node) Registry() *be.Registry {
	return n.registry
}

// Device returns the block device.
func (n *Node) Device() *stob.Device {
	return n.device
}

// Allocator returns the block allocator.
func (n *Node) Allocator() *balloc.Group {
	return n.alloc
}

// Domain returns the AD domain.
func (n *Node) Domain() *ad.Domain {
	return n.domain
}

// NewSession creates RPC session with the slot table defined by the configuration.
func (n *Node) NewSession(ctx context.Context, ops rpc.Ops) *rpc.Session {
	return rpc.NewSession(ctx, rpc.SessionConfig{
		SenderUUID:  n.seg.ID(),
		SenderID:    n.senders.Add(1),
		Slots:       n.config.RPC.Slots,
		MaxInFlight: n.config.RPC.MaxInFlight,
	}, ops)
}

// Gatherers returns metric gatherers of all the layers.
func Gatherers() prometheus.Gatherers {
	return prometheus.Gatherers{ad.Registry, rpc.Registry}
}
