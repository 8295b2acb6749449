package colibri

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/colibri/be"
	"github.com/outofforest/colibri/config"
	"github.com/outofforest/colibri/rpc"
	"github.com/outofforest/colibri/stob"
	"github.com/outofforest/colibri/stob/ad"
	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
)

func testConfig(t *testing.T) config.Config {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Segment.Path = filepath.Join(dir, "seg.db")
	cfg.Device.Kind = config.DeviceFile
	cfg.Device.Path = filepath.Join(dir, "device")
	cfg.Device.Size = 1 << 20
	cfg.Allocator.GroupBlocks = 64
	cfg.RPC.Slots = 2
	return cfg
}

func runNode(t *testing.T, ctx context.Context, cfg config.Config) *Node {
	node, closeFunc, err := New(ctx, cfg)
	require.NoError(t, err)

	group := parallel.NewGroup(ctx)
	group.Spawn("node", parallel.Continue, node.Run)

	t.Cleanup(func() {
		node.Close()
		group.Exit(nil)
		if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			t.Fatal(err)
		}
		closeFunc()
	})
	return node
}

func writeObject(ctx context.Context, s *ad.Stob, offset uint64, data []byte) error {
	io := stob.NewIO(stob.OpWrite, [][]byte{data}, []stob.Range{{Offset: offset, Count: uint64(len(data))}})
	return s.Launch(ctx, io)
}

func TestNodeWritesAndReadsObjects(t *testing.T) {
	requireT := require.New(t)
	ctx := logger.WithLogger(context.Background(), logger.New(logger.DefaultConfig))
	cfg := testConfig(t)

	node := runNode(t, ctx, cfg)
	d := node.Domain()
	requireT.EqualValues(1, d.ID())
	requireT.Equal(node.Seg().ID(), d.Location().Seg)

	s := d.StobFind(1)
	requireT.NoError(node.Seg().Update(ctx, s.CreateCredit(), func(tx *be.Tx) error {
		return s.Create(ctx, tx)
	}))

	data := make([]byte, 8192)
	for i := range data {
		data[i] = byte(i)
	}
	io := stob.NewIO(stob.OpWrite, [][]byte{data}, []stob.Range{{Offset: 4096, Count: uint64(len(data))}})
	requireT.NoError(node.Seg().Update(ctx, s.WriteCredit(io), func(tx *be.Tx) error {
		io.Tx = tx
		if err := s.Launch(ctx, io); err != nil {
			return err
		}
		return io.Wait(ctx)
	}))
	requireT.NoError(node.Device().Sync(ctx))

	// Write without transaction is rejected.
	requireT.True(errors.Is(writeObject(ctx, s, 0, data), stob.ErrInvalidIO))

	buf := make([]byte, 4096+len(data))
	rio := stob.NewIO(stob.OpRead, [][]byte{buf}, []stob.Range{{Offset: 0, Count: uint64(len(buf))}})
	requireT.NoError(s.Launch(ctx, rio))
	requireT.NoError(rio.Wait(ctx))
	requireT.Equal(make([]byte, 4096), buf[:4096])
	requireT.Equal(data, buf[4096:])

	var free uint64
	requireT.NoError(node.Seg().View(ctx, func(tx *be.Tx) error {
		var err error
		free, err = node.Allocator().FreeBlocks(tx)
		return err
	}))
	requireT.EqualValues(cfg.Device.Size>>cfg.Allocator.BlockShift-2, free)

	families, err := Gatherers().Gather()
	requireT.NoError(err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	requireT.True(names["colibri_ad_bytes_written_total"])
	requireT.True(names["colibri_rpc_items_applied_total"])
}

func TestNodeReopensDomain(t *testing.T) {
	requireT := require.New(t)
	ctx := logger.WithLogger(context.Background(), logger.New(logger.DefaultConfig))
	cfg := testConfig(t)

	node, closeFunc, err := New(ctx, cfg)
	requireT.NoError(err)
	segID := node.Seg().ID()
	s := node.Domain().StobFind(7)
	requireT.NoError(node.Seg().Update(ctx, s.CreateCredit(), func(tx *be.Tx) error {
		return s.Create(ctx, tx)
	}))
	closeFunc()

	cfg.Segment.ID = segID.String()
	node = runNode(t, ctx, cfg)
	requireT.EqualValues(1, node.Domain().ID())
	requireT.NoError(node.Domain().StobFind(7).Locate(ctx))

	cfg.Segment.ID = "not-a-uuid"
	_, _, err = New(ctx, cfg)
	requireT.Error(err)
}

func TestNodeWithDummyDevice(t *testing.T) {
	requireT := require.New(t)
	ctx := logger.WithLogger(context.Background(), logger.New(logger.DefaultConfig))

	cfg := testConfig(t)
	cfg.Device.Kind = config.DeviceDummy
	node := runNode(t, ctx, cfg)

	s := node.Domain().StobFind(1)
	requireT.NoError(node.Seg().Update(ctx, s.CreateCredit(), func(tx *be.Tx) error {
		return s.Create(ctx, tx)
	}))

	data := []byte{0x01}
	data = append(data, make([]byte, 4095)...)
	io := stob.NewIO(stob.OpWrite, [][]byte{data}, []stob.Range{{Offset: 0, Count: 4096}})
	requireT.NoError(node.Seg().Update(ctx, s.WriteCredit(io), func(tx *be.Tx) error {
		io.Tx = tx
		if err := s.Launch(ctx, io); err != nil {
			return err
		}
		return io.Wait(ctx)
	}))

	// Mapping is stored but the data is discarded.
	buf := make([]byte, 4096)
	rio := stob.NewIO(stob.OpRead, [][]byte{buf}, []stob.Range{{Offset: 0, Count: 4096}})
	requireT.NoError(s.Launch(ctx, rio))
	requireT.NoError(rio.Wait(ctx))
	count, err := rio.Result()
	requireT.NoError(err)
	requireT.EqualValues(4096, count)
	requireT.Equal(make([]byte, 4096), buf)
}

type sessionOps struct {
	consumed []*rpc.Item
}

func (o *sessionOps) ItemConsume(item *rpc.Item) {
	o.consumed = append(o.consumed, item)
}

func (o *sessionOps) ReplyConsume(_, _ *rpc.Item) {}

func TestNodeCreatesSessions(t *testing.T) {
	requireT := require.New(t)
	ctx := logger.WithLogger(context.Background(), logger.New(logger.DefaultConfig))

	node := runNode(t, ctx, testConfig(t))

	ops := &sessionOps{}
	s1 := node.NewSession(ctx, ops)
	requireT.NoError(s1.Establish())
	requireT.NoError(s1.EstablishReplyReceived(1, nil))

	for range 2 {
		_, err := s1.BindUnboundItem(rpc.NewItem(true, nil))
		requireT.NoError(err)
	}
	_, err := s1.BindUnboundItem(rpc.NewItem(true, nil))
	requireT.True(errors.Is(err, rpc.ErrNoSlotAvailable))
	requireT.Len(ops.consumed, 2)
	requireT.Equal(node.Seg().ID(), ops.consumed[0].Ref.SenderUUID)
	requireT.EqualValues(1, ops.consumed[0].Ref.SenderID)

	s2 := node.NewSession(ctx, ops)
	requireT.NoError(s2.Establish())
	requireT.NoError(s2.EstablishReplyReceived(2, nil))
	requireT.NoError(s2.ItemAdd(0, rpc.NewItem(false, nil)))
	requireT.EqualValues(2, ops.consumed[2].Ref.SenderID)
}
