package ad

import (
	"testing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/colibri/balloc"
	"github.com/outofforest/colibri/be"
	"github.com/outofforest/colibri/be/emap"
	"github.com/outofforest/colibri/types"
)

func TestParseLocation(t *testing.T) {
	requireT := require.New(t)

	id := uuid.New()
	loc, err := ParseLocation("adstob:seg=" + id.String() + ",domain,with,commas")
	requireT.NoError(err)
	requireT.Equal(Location{Seg: id, Key: "domain,with,commas"}, loc)
	requireT.Equal("adstob:seg="+id.String()+",domain,with,commas", loc.String())

	for _, location := range []string{
		"",
		"linuxstob:seg=" + id.String() + ",key",
		"adstob:" + id.String() + ",key",
		"adstob:seg=" + id.String(),
		"adstob:seg=" + id.String() + ",",
		"adstob:seg=0x7f001234,key",
	} {
		_, err := ParseLocation(location)
		requireT.True(errors.Is(err, ErrLocation), location)
	}
}

func TestLocateReopensDomain(t *testing.T) {
	requireT := require.New(t)
	e := newEnv(t)

	alloc := balloc.NewMock(e.seg, devSize>>12, 12)
	d := e.domain(t, alloc)
	requireT.EqualValues(1, d.ID())
	s := createStob(t, e.ctx, d, 1)
	_, err := write(e.ctx, s, 0, pattern(4096, 1))
	requireT.NoError(err)

	d2 := e.domain(t, alloc)
	requireT.Equal(d.ID(), d2.ID())
	requireT.Equal(pattern(4096, 1), read(t, e.ctx, d2.StobFind(1), 0, 4096))

	_, err = Create(e.ctx, e.registry, e.location, Config{Allocator: alloc, Backing: e.dev})
	requireT.True(errors.Is(err, be.ErrExists))

	_, err = Locate(e.ctx, e.registry, e.location, Config{Allocator: balloc.NewMock(e.seg, 100, 13), Backing: e.dev})
	requireT.Error(err)

	_, err = Locate(e.ctx, e.registry, Location{Seg: uuid.New(), Key: "test"}.String(),
		Config{Allocator: alloc, Backing: e.dev})
	requireT.True(errors.Is(err, be.ErrSegmentUnknown))
}

func TestAllocatorBlocksMustCoverBackingBlocks(t *testing.T) {
	requireT := require.New(t)
	e := newEnv(t)

	_, err := Locate(e.ctx, e.registry, e.location, Config{Allocator: balloc.NewMock(e.seg, 100, 8), Backing: e.dev})
	requireT.Error(err)
}

func TestDomainDestroy(t *testing.T) {
	requireT := require.New(t)
	e := newEnv(t)

	alloc := balloc.NewMock(e.seg, devSize>>12, 12)
	d := e.domain(t, alloc)
	s := createStob(t, e.ctx, d, 1)

	requireT.Error(DomainDestroy(e.ctx, e.registry, e.location))

	credit, err := s.DestroyCredit(e.ctx)
	requireT.NoError(err)
	requireT.NoError(d.Seg().Update(e.ctx, credit, func(tx *be.Tx) error {
		return s.Destroy(e.ctx, tx)
	}))
	requireT.NoError(DomainDestroy(e.ctx, e.registry, e.location))
	requireT.True(errors.Is(DomainDestroy(e.ctx, e.registry, e.location), be.ErrNotFound))

	d2 := e.domain(t, alloc)
	requireT.EqualValues(2, d2.ID())
	requireT.True(errors.Is(d2.StobFind(1).Locate(e.ctx), emap.ErrNotFound))
}

func TestStobFindReturnsSharedDescriptor(t *testing.T) {
	requireT := require.New(t)
	e := newEnv(t)

	d := e.domain(t, balloc.NewMock(e.seg, devSize>>12, 12))
	s := d.StobFind(5)
	requireT.Same(s, d.StobFind(5))
	requireT.NotSame(s, d.StobFind(6))
	requireT.Equal(types.Prefix{Domain: d.ID(), Key: 5}, s.Prefix())
	requireT.EqualValues(5, s.Key())
}

func TestFragmentEncoding(t *testing.T) {
	requireT := require.New(t)

	prefix := types.Prefix{Domain: 3, Key: 7}
	f := newFragment(emap.Open("ad/test"))
	f.add(opInsert, nil, []emap.Segment{{Prefix: prefix, Extent: types.Extent{End: types.IndexMax}, Value: types.ValueNone}})
	f.add(opPaste, []emap.Segment{
		{Prefix: prefix, Extent: types.Extent{End: types.IndexMax}, Value: types.ValueNone},
	}, []emap.Segment{
		{Prefix: prefix, Extent: types.Extent{Start: 4096, End: types.IndexMax}, Value: types.ValueNone},
		{Prefix: prefix, Extent: types.Extent{Start: 0, End: 4096}, Value: 8192},
	})

	data := f.Encode()
	requireT.EqualValues(f.Credit().Bytes, be.FragmentHeaderSize+len(data))

	decoded, err := decodeFragment(data)
	requireT.NoError(err)
	requireT.Equal(f, decoded)

	_, err = decodeFragment(data[:len(data)-1])
	requireT.True(errors.Is(err, be.ErrCorruptedRecord))
}
