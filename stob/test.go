package stob

import (
	"context"
	"testing"

	"github.com/pkg/errors"

	"github.com/outofforest/colibri/persistent"
	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
)

// RunInTest creates device backed by memory store and runs it for unit tests.
func RunInTest(t *testing.T, size uint64, blockShift uint32) (context.Context, *Device) {
	store, storeCloseFunc, err := persistent.NewMemoryStore(size, false)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(storeCloseFunc)

	ctx, cancel := context.WithCancel(logger.WithLogger(context.Background(), logger.New(logger.DefaultConfig)))
	t.Cleanup(cancel)

	dev := NewDevice(store, DeviceConfig{BlockShift: blockShift})

	group := parallel.NewGroup(ctx)
	group.Spawn("device", parallel.Continue, dev.Run)

	t.Cleanup(func() {
		dev.Close()
		group.Exit(nil)
		if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			t.Fatal(err)
		}
	})

	return ctx, dev
}
