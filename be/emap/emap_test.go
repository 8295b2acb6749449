package emap

import (
	"context"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/colibri/be"
	"github.com/outofforest/colibri/types"
	"github.com/outofforest/logger"
)

var (
	prefix     = types.Prefix{Domain: 1, Key: 10}
	bigCredit  = be.Credit{Ops: 100000, Bytes: 100000000}
	otherOwner = types.Prefix{Domain: 1, Key: 11}
)

func newEnv(t *testing.T) (context.Context, *be.Seg, *Map) {
	ctx := logger.WithLogger(context.Background(), logger.New(logger.DefaultConfig))
	seg, closeFunc, err := be.OpenSeg(ctx, be.SegConfig{Path: filepath.Join(t.TempDir(), "seg.db")})
	require.NoError(t, err)
	t.Cleanup(closeFunc)

	m, err := New(seg, "test")
	require.NoError(t, err)
	return ctx, seg, m
}

func update(t *testing.T, ctx context.Context, seg *be.Seg, fn func(tx *be.Tx)) {
	require.NoError(t, seg.Update(ctx, bigCredit, func(tx *be.Tx) error {
		fn(tx)
		return nil
	}))
}

func paste(t *testing.T, m *Map, tx *be.Tx, p types.Prefix, ext types.Extent, value uint64) Outcome {
	c, err := m.Lookup(tx, p, ext.Start)
	require.NoError(t, err)
	out, err := m.Paste(c, ext, value)
	require.NoError(t, err)
	require.Equal(t, Segment{Prefix: p, Extent: ext, Value: value}, c.Segment())
	return out
}

func segments(t *testing.T, ctx context.Context, seg *be.Seg, m *Map, p types.Prefix) []Segment {
	var segs []Segment
	require.NoError(t, seg.View(ctx, func(tx *be.Tx) error {
		var err error
		segs, err = m.Segments(tx, p)
		return err
	}))
	return segs
}

func requireCoverage(t *testing.T, segs []Segment) {
	requireT := require.New(t)

	requireT.NotEmpty(segs)
	requireT.Zero(segs[0].Extent.Start)
	for i := 1; i < len(segs); i++ {
		requireT.Equal(segs[i-1].Extent.End, segs[i].Extent.Start)
		requireT.False(segs[i].Extent.IsEmpty())
	}
	requireT.Equal(types.IndexMax, segs[len(segs)-1].Extent.End)
}

func TestLookupMissingPrefix(t *testing.T) {
	ctx, seg, m := newEnv(t)

	require.NoError(t, seg.View(ctx, func(tx *be.Tx) error {
		_, err := m.Lookup(tx, prefix, 0)
		require.True(t, errors.Is(err, ErrNotFound))
		return nil
	}))
}

func TestObjInsert(t *testing.T) {
	requireT := require.New(t)
	ctx, seg, m := newEnv(t)

	update(t, ctx, seg, func(tx *be.Tx) {
		requireT.NoError(m.ObjInsert(tx, prefix, types.ValueNone))
		requireT.True(errors.Is(m.ObjInsert(tx, prefix, types.ValueNone), be.ErrExists))
		requireT.NoError(m.ObjInsert(tx, otherOwner, types.ValueHole))
	})

	requireT.Equal([]Segment{{
		Prefix: prefix,
		Extent: types.Extent{Start: 0, End: types.IndexMax},
		Value:  types.ValueNone,
	}}, segments(t, ctx, seg, m, prefix))

	requireT.NoError(seg.View(ctx, func(tx *be.Tx) error {
		c, err := m.Lookup(tx, otherOwner, 12345)
		requireT.NoError(err)
		requireT.Equal(types.ValueHole, c.Segment().Value)
		requireT.True(c.IsLast())
		requireT.Error(c.Next())
		return nil
	}))
}

func TestPasteSplitsSegmentInTheMiddle(t *testing.T) {
	requireT := require.New(t)
	ctx, seg, m := newEnv(t)

	update(t, ctx, seg, func(tx *be.Tx) {
		requireT.NoError(m.ObjInsert(tx, prefix, types.ValueNone))
		out := paste(t, m, tx, prefix, types.Extent{Start: 0, End: 8192}, 100000)
		requireT.Len(out.CutRight, 1)
		requireT.Equal(types.ValueNone, out.CutRight[0].Value)

		out = paste(t, m, tx, prefix, types.Extent{Start: 2048, End: 6144}, 500000)
		requireT.Empty(out.Deleted)
		requireT.Equal([]Cut{{
			Segment:   Segment{Prefix: prefix, Extent: types.Extent{Start: 0, End: 8192}, Value: 100000},
			Remainder: types.Extent{Start: 0, End: 2048},
			Value:     100000,
		}}, out.CutLeft)
		requireT.Equal([]Cut{{
			Segment:   Segment{Prefix: prefix, Extent: types.Extent{Start: 0, End: 8192}, Value: 100000},
			Remainder: types.Extent{Start: 6144, End: 8192},
			Value:     100000 + 6144,
		}}, out.CutRight)
		requireT.Len(out.Before, 1)
		requireT.Len(out.After, 3)
	})

	requireT.Equal([]Segment{
		{Prefix: prefix, Extent: types.Extent{Start: 0, End: 2048}, Value: 100000},
		{Prefix: prefix, Extent: types.Extent{Start: 2048, End: 6144}, Value: 500000},
		{Prefix: prefix, Extent: types.Extent{Start: 6144, End: 8192}, Value: 106144},
		{Prefix: prefix, Extent: types.Extent{Start: 8192, End: types.IndexMax}, Value: types.ValueNone},
	}, segments(t, ctx, seg, m, prefix))
}

func TestPasteDeletesCoveredSegments(t *testing.T) {
	requireT := require.New(t)
	ctx, seg, m := newEnv(t)

	update(t, ctx, seg, func(tx *be.Tx) {
		requireT.NoError(m.ObjInsert(tx, prefix, types.ValueNone))
		paste(t, m, tx, prefix, types.Extent{Start: 0, End: 100}, 1000)
		paste(t, m, tx, prefix, types.Extent{Start: 100, End: 200}, types.ValueHole)
		paste(t, m, tx, prefix, types.Extent{Start: 200, End: 300}, 5000)

		out := paste(t, m, tx, prefix, types.Extent{Start: 50, End: 250}, 9000)
		requireT.Equal([]Segment{
			{Prefix: prefix, Extent: types.Extent{Start: 100, End: 200}, Value: types.ValueHole},
		}, out.Deleted)
		requireT.Len(out.CutLeft, 1)
		requireT.Equal(types.Extent{Start: 0, End: 50}, out.CutLeft[0].Remainder)
		requireT.Len(out.CutRight, 1)
		requireT.Equal(types.Extent{Start: 250, End: 300}, out.CutRight[0].Remainder)
		requireT.Equal(uint64(5050), out.CutRight[0].Value)
		requireT.Len(out.Before, 3)
	})

	requireT.Equal([]Segment{
		{Prefix: prefix, Extent: types.Extent{Start: 0, End: 50}, Value: 1000},
		{Prefix: prefix, Extent: types.Extent{Start: 50, End: 250}, Value: 9000},
		{Prefix: prefix, Extent: types.Extent{Start: 250, End: 300}, Value: 5050},
		{Prefix: prefix, Extent: types.Extent{Start: 300, End: types.IndexMax}, Value: types.ValueNone},
	}, segments(t, ctx, seg, m, prefix))
}

func TestSentinelValuesAreNotShiftedByCut(t *testing.T) {
	requireT := require.New(t)
	ctx, seg, m := newEnv(t)

	update(t, ctx, seg, func(tx *be.Tx) {
		requireT.NoError(m.ObjInsert(tx, prefix, types.ValueNone))
		paste(t, m, tx, prefix, types.Extent{Start: 0, End: 1000}, types.ValueHole)
		out := paste(t, m, tx, prefix, types.Extent{Start: 10, End: 20}, 7)
		requireT.Equal(types.ValueHole, out.CutLeft[0].Value)
		requireT.Equal(types.ValueHole, out.CutRight[0].Value)
	})
}

func TestPrefixesAreIsolated(t *testing.T) {
	requireT := require.New(t)
	ctx, seg, m := newEnv(t)

	update(t, ctx, seg, func(tx *be.Tx) {
		requireT.NoError(m.ObjInsert(tx, prefix, types.ValueNone))
		requireT.NoError(m.ObjInsert(tx, otherOwner, types.ValueNone))
		paste(t, m, tx, prefix, types.Extent{Start: 0, End: 100}, 1)
	})

	requireT.Len(segments(t, ctx, seg, m, prefix), 2)
	requireT.Len(segments(t, ctx, seg, m, otherOwner), 1)
}

func TestRandomPastesKeepCoverage(t *testing.T) {
	requireT := require.New(t)
	ctx, seg, m := newEnv(t)

	const space = 1024
	model := make([]uint64, space)
	for i := range model {
		model[i] = types.ValueNone
	}

	rnd := rand.New(rand.NewSource(1))
	update(t, ctx, seg, func(tx *be.Tx) {
		requireT.NoError(m.ObjInsert(tx, prefix, types.ValueNone))
		for range 300 {
			start := uint64(rnd.Intn(space - 1))
			end := start + 1 + uint64(rnd.Intn(space-int(start)))
			value := types.ValueHole
			if rnd.Intn(3) > 0 {
				value = uint64(rnd.Intn(1 << 30))
			}
			paste(t, m, tx, prefix, types.Extent{Start: start, End: end}, value)
			for x := start; x < end; x++ {
				if types.IsReal(value) {
					model[x] = value + x - start
				} else {
					model[x] = value
				}
			}
		}
	})

	segs := segments(t, ctx, seg, m, prefix)
	requireCoverage(t, segs)
	for _, s := range segs {
		for x := s.Extent.Start; x < s.Extent.End && x < space; x++ {
			expected := s.Value
			if types.IsReal(s.Value) {
				expected += x - s.Extent.Start
			}
			requireT.Equal(model[x], expected, "offset %d", x)
		}
	}
}

func TestCountAndCaret(t *testing.T) {
	requireT := require.New(t)
	ctx, seg, m := newEnv(t)

	update(t, ctx, seg, func(tx *be.Tx) {
		requireT.NoError(m.ObjInsert(tx, prefix, types.ValueNone))
		paste(t, m, tx, prefix, types.Extent{Start: 0, End: 10}, 100)
		paste(t, m, tx, prefix, types.Extent{Start: 10, End: 30}, types.ValueHole)
	})

	requireT.NoError(seg.View(ctx, func(tx *be.Tx) error {
		c, err := m.Lookup(tx, prefix, 0)
		requireT.NoError(err)
		count, err := m.Count(c)
		requireT.NoError(err)
		requireT.EqualValues(3, count)

		requireT.NoError(c.Next())
		count, err = m.Count(c)
		requireT.NoError(err)
		requireT.EqualValues(2, count)

		c, err = m.Lookup(tx, prefix, 0)
		requireT.NoError(err)
		caret, err := NewCaret(c, 5)
		requireT.NoError(err)
		requireT.EqualValues(5, caret.Remaining())

		end, err := caret.Move(10)
		requireT.NoError(err)
		requireT.False(end)
		requireT.EqualValues(15, caret.Offset())
		requireT.Equal(types.ValueHole, caret.Segment().Value)
		requireT.EqualValues(15, caret.Remaining())

		end, err = caret.Move(15)
		requireT.NoError(err)
		requireT.False(end)
		requireT.Equal(types.ValueNone, caret.Segment().Value)

		end, err = caret.Move(types.IndexMax - 30)
		requireT.NoError(err)
		requireT.True(end)
		return nil
	}))
}

func TestObjDelete(t *testing.T) {
	requireT := require.New(t)
	ctx, seg, m := newEnv(t)

	update(t, ctx, seg, func(tx *be.Tx) {
		requireT.NoError(m.ObjInsert(tx, prefix, types.ValueNone))
		paste(t, m, tx, prefix, types.Extent{Start: 0, End: 10}, 100)

		_, err := m.ObjDelete(tx, prefix)
		requireT.True(errors.Is(err, be.ErrInconsistent))

		paste(t, m, tx, prefix, types.Extent{Start: 0, End: 10}, types.ValueHole)
		removed, err := m.ObjDelete(tx, prefix)
		requireT.NoError(err)
		requireT.Len(removed, 2)

		_, err = m.Lookup(tx, prefix, 0)
		requireT.True(errors.Is(err, ErrNotFound))
		empty, err := m.IsEmpty(tx)
		requireT.NoError(err)
		requireT.True(empty)

		requireT.NoError(m.Restore(tx, removed))
		empty, err = m.IsEmpty(tx)
		requireT.NoError(err)
		requireT.False(empty)
		c, err := m.Lookup(tx, prefix, 5)
		requireT.NoError(err)
		requireT.Equal(types.ValueHole, c.Segment().Value)
	})
}

func TestResetRestoresPreImage(t *testing.T) {
	requireT := require.New(t)
	ctx, seg, m := newEnv(t)

	var out Outcome
	update(t, ctx, seg, func(tx *be.Tx) {
		requireT.NoError(m.ObjInsert(tx, prefix, types.ValueNone))
		paste(t, m, tx, prefix, types.Extent{Start: 0, End: 100}, 1000)
	})
	before := segments(t, ctx, seg, m, prefix)

	update(t, ctx, seg, func(tx *be.Tx) {
		out = paste(t, m, tx, prefix, types.Extent{Start: 50, End: 150}, 3000)
	})
	after := segments(t, ctx, seg, m, prefix)

	update(t, ctx, seg, func(tx *be.Tx) {
		requireT.NoError(m.Reset(tx, out.Before))
	})
	requireT.Equal(before, segments(t, ctx, seg, m, prefix))

	update(t, ctx, seg, func(tx *be.Tx) {
		requireT.NoError(m.Reset(tx, out.After))
	})
	requireT.Equal(after, segments(t, ctx, seg, m, prefix))

	requireT.NoError(seg.Update(ctx, bigCredit, func(tx *be.Tx) error {
		err := m.Reset(tx, []Segment{{Prefix: otherOwner, Extent: types.Extent{Start: 0, End: 1}, Value: 1}})
		requireT.True(errors.Is(err, be.ErrInconsistent))
		return nil
	}))
}

func TestPasteChargesCredit(t *testing.T) {
	requireT := require.New(t)
	ctx, seg, m := newEnv(t)

	update(t, ctx, seg, func(tx *be.Tx) {
		requireT.NoError(m.ObjInsert(tx, prefix, types.ValueNone))
	})

	tx := seg.NewTx(ctx)
	tx.Prep(PasteCredit(1, 1))
	requireT.NoError(tx.Open())
	paste(t, m, tx, prefix, types.Extent{Start: 10, End: 20}, 1)
	requireT.True(PasteCredit(1, 1).Covers(tx.Used()))
	requireT.NoError(tx.Close())
}
