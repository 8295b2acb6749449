package ad

import (
	"context"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/colibri/balloc"
	"github.com/outofforest/colibri/be"
	"github.com/outofforest/colibri/be/emap"
	"github.com/outofforest/colibri/stob"
	"github.com/outofforest/colibri/types"
	"github.com/outofforest/logger"
	"github.com/outofforest/photon"
)

var domainsBucket = []byte("ad")

// Backing is the storage object keeping the data of the domain.
type Backing interface {
	stob.Stob
	// BlockShift returns log2 of the write alignment.
	BlockShift() uint32
}

// Config stores configuration of the domain.
type Config struct {
	Allocator balloc.Allocator
	Backing   Backing
}

// descriptor is the persistent state of the domain kept in the segment dictionary.
type descriptor struct {
	ID         uint64
	BlockShift uint64
}

const descriptorSize = uint64(unsafe.Sizeof(descriptor{}))

// Locate opens the domain stored at the location, creating it if it does not exist.
func Locate(ctx context.Context, registry *be.Registry, location string, config Config) (*Domain, error) {
	loc, seg, err := resolve(registry, location)
	if err != nil {
		return nil, err
	}

	var desc descriptor
	err = seg.View(ctx, func(tx *be.Tx) error {
		var err error
		desc, err = lookupDescriptor(seg, tx, loc)
		return err
	})
	switch {
	case err == nil:
	case errors.Is(err, be.ErrNotFound):
		return create(ctx, seg, loc, config)
	default:
		return nil, err
	}

	return open(ctx, seg, loc, desc, config)
}

// Create creates new domain at the location.
func Create(ctx context.Context, registry *be.Registry, location string, config Config) (*Domain, error) {
	loc, seg, err := resolve(registry, location)
	if err != nil {
		return nil, err
	}
	return create(ctx, seg, loc, config)
}

// DomainDestroy removes the domain stored at the location. All the objects must be destroyed first.
func DomainDestroy(ctx context.Context, registry *be.Registry, location string) error {
	loc, seg, err := resolve(registry, location)
	if err != nil {
		return err
	}

	m := emap.Open(loc.dictName())
	if err := seg.Update(ctx, be.DictDeleteCredit(loc.dictName()), func(tx *be.Tx) error {
		if _, err := lookupDescriptor(seg, tx, loc); err != nil {
			return err
		}
		empty, err := m.IsEmpty(tx)
		if err != nil {
			return err
		}
		if !empty {
			return errors.Errorf("domain %s still contains objects", loc)
		}
		return seg.DictDelete(tx, loc.dictName())
	}); err != nil {
		return err
	}

	logger.Get(ctx).Info("AD domain destroyed", zap.Stringer("location", loc))
	return nil
}

func resolve(registry *be.Registry, location string) (Location, *be.Seg, error) {
	loc, err := ParseLocation(location)
	if err != nil {
		return Location{}, nil, err
	}
	seg, err := registry.Lookup(loc.Seg)
	if err != nil {
		return Location{}, nil, err
	}
	return loc, seg, nil
}

func lookupDescriptor(seg *be.Seg, tx *be.Tx, loc Location) (descriptor, error) {
	v, err := seg.DictLookup(tx, loc.dictName())
	if err != nil {
		return descriptor{}, err
	}
	if uint64(len(v)) != descriptorSize {
		return descriptor{}, errors.Wrapf(be.ErrCorruptedRecord, "descriptor of domain %s", loc)
	}
	return *photon.FromBytes[descriptor](v), nil
}

func create(ctx context.Context, seg *be.Seg, loc Location, config Config) (*Domain, error) {
	if err := checkShift(config); err != nil {
		return nil, err
	}
	if err := seg.EnsureBucket(domainsBucket); err != nil {
		return nil, err
	}

	var desc descriptor
	if err := seg.Update(ctx, be.DictInsertCredit(loc.dictName(), descriptorSize), func(tx *be.Tx) error {
		id, err := tx.Bolt().Bucket(domainsBucket).NextSequence()
		if err != nil {
			return errors.WithStack(err)
		}
		desc = descriptor{
			ID:         id,
			BlockShift: uint64(config.Allocator.BlockShift()),
		}
		return seg.DictInsert(tx, loc.dictName(), photon.NewFromValue(&desc).B)
	}); err != nil {
		return nil, err
	}

	logger.Get(ctx).Info("AD domain created", zap.Stringer("location", loc), zap.Uint64("domainID", desc.ID))
	return open(ctx, seg, loc, desc, config)
}

func open(ctx context.Context, seg *be.Seg, loc Location, desc descriptor, config Config) (*Domain, error) {
	if err := checkShift(config); err != nil {
		return nil, err
	}
	if desc.BlockShift != uint64(config.Allocator.BlockShift()) {
		return nil, errors.Errorf("domain %s uses block shift %d, allocator provides %d", loc, desc.BlockShift,
			config.Allocator.BlockShift())
	}

	m, err := emap.New(seg, loc.dictName())
	if err != nil {
		return nil, err
	}
	seg.RegisterFragment(FragmentAD, decodeFragment)

	d := &Domain{
		id:       types.DomainID(desc.ID),
		location: loc,
		seg:      seg,
		emap:     m,
		alloc:    config.Allocator,
		backing:  config.Backing,
		log: logger.Get(ctx).With(
			zap.Stringer("location", loc),
			zap.Uint64("domainID", desc.ID)),
		objects: map[uint64]*Stob{},
	}
	d.log.Info("AD domain located")
	return d, nil
}

// checkShift verifies that allocator blocks are not smaller than write alignment of the backing object.
func checkShift(config Config) error {
	if config.Allocator.BlockShift() < config.Backing.BlockShift() {
		return errors.Errorf("allocator block shift %d is smaller than backing block shift %d",
			config.Allocator.BlockShift(), config.Backing.BlockShift())
	}
	return nil
}

// Domain maps objects onto the backing storage object through the extent map.
type Domain struct {
	id       types.DomainID
	location Location
	seg      *be.Seg
	emap     *emap.Map
	alloc    balloc.Allocator
	backing  Backing
	log      *zap.Logger

	// mu serializes extent map mutation and allocator calls.
	mu sync.Mutex

	objMu   sync.RWMutex
	objects map[uint64]*Stob
}

// ID returns ID of the domain.
func (d *Domain) ID() types.DomainID {
	return d.id
}

// Location returns location of the domain.
func (d *Domain) Location() Location {
	return d.location
}

// Seg returns segment storing the state of the domain.
func (d *Domain) Seg() *be.Seg {
	return d.seg
}

// Map returns extent map of the domain.
func (d *Domain) Map() *emap.Map {
	return d.emap
}

// Allocator returns block allocator of the domain.
func (d *Domain) Allocator() balloc.Allocator {
	return d.alloc
}

// StobFind returns in-memory descriptor of the object. Existence of the object is not verified.
func (d *Domain) StobFind(key uint64) *Stob {
	d.objMu.RLock()
	s, exists := d.objects[key]
	d.objMu.RUnlock()
	if exists {
		return s
	}

	d.objMu.Lock()
	defer d.objMu.Unlock()

	if s, exists := d.objects[key]; exists {
		return s
	}
	s = &Stob{
		domain: d,
		prefix: types.Prefix{Domain: d.id, Key: key},
	}
	d.objects[key] = s
	return s
}

func (d *Domain) forget(key uint64) {
	d.objMu.Lock()
	defer d.objMu.Unlock()

	delete(d.objects, key)
}

// blockShift returns log2 of the allocator block size.
func (d *Domain) blockShift() uint32 {
	return d.alloc.BlockShift()
}

// reclaim frees physical space of segments overwritten by the paste of ext. It returns the number of freed blocks.
func (d *Domain) reclaim(tx *be.Tx, ext types.Extent, out emap.Outcome) (uint64, error) {
	var freed uint64
	free := func(phys, length uint64) error {
		blocks := types.Extent{Start: phys >> d.blockShift(), End: (phys + length) >> d.blockShift()}
		if err := d.alloc.Free(tx, blocks); err != nil {
			return err
		}
		freed += blocks.Length()
		return nil
	}

	for _, seg := range out.Deleted {
		if types.IsReal(seg.Value) {
			if err := free(seg.Value, seg.Extent.Length()); err != nil {
				return freed, err
			}
		}
	}
	for _, cut := range out.CutLeft {
		if !types.IsReal(cut.Segment.Value) {
			continue
		}
		clip := cut.Segment.Extent.Intersection(ext)
		if err := free(cut.Segment.Value+clip.Start-cut.Segment.Extent.Start, clip.Length()); err != nil {
			return freed, err
		}
	}
	for _, cut := range out.CutRight {
		if !types.IsReal(cut.Segment.Value) {
			continue
		}
		// Segment cut on both sides has been already reclaimed as the left cut.
		if clip := cut.Segment.Extent.Intersection(ext); clip.Start == cut.Segment.Extent.Start {
			if err := free(cut.Segment.Value, clip.Length()); err != nil {
				return freed, err
			}
		}
	}
	return freed, nil
}
