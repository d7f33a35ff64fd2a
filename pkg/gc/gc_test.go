package gc_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/agenthands/dagstore/pkg/archive"
	"github.com/agenthands/dagstore/pkg/block"
	"github.com/agenthands/dagstore/pkg/core"
	"github.com/agenthands/dagstore/pkg/gc"
	"github.com/agenthands/dagstore/pkg/ipld"
	"github.com/agenthands/dagstore/pkg/store"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

var errMock = errors.New("mock error")

type mockCompactor struct {
	mu       sync.Mutex
	getErr   error
	compacts int
	lastLive map[cid.Cid]struct{}
}

func (m *mockCompactor) BeginMark() {}

func (m *mockCompactor) Get(ctx context.Context, c cid.Cid) (*block.Block, bool, error) {
	if m.getErr != nil {
		return nil, false, m.getErr
	}
	return nil, false, nil
}

func (m *mockCompactor) Compact(ctx context.Context, live map[cid.Cid]struct{}) (archive.CompactResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.compacts++
	m.lastLive = live
	return archive.CompactResult{}, nil
}

func (m *mockCompactor) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.compacts
}

func cborBlock(v ipld.Ipld) *block.Block {
	return block.NewEncoder(v, block.DagCbor, multihash.SHA2_256)
}

func cidOf(t testing.TB, b *block.Block) cid.Cid {
	t.Helper()
	c, err := b.Cid()
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestRunOnceEvictsOnly(t *testing.T) {
	ctx := context.Background()
	local := store.NewLocalStore(core.StoreConfig{Capacity: 2}, nil)

	var blocks []*block.Block
	for i := 0; i < 4; i++ {
		b := cborBlock(ipld.Int(int64(i)))
		if err := local.Insert(b); err != nil {
			t.Fatal(err)
		}
		blocks = append(blocks, b)
	}
	local.Alias([]byte("keep"), cidOf(t, blocks[0]))

	res, err := gc.NewRunner(core.GCConfig{}, local, nil, nil).RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if res.Evicted != 2 || res.Resident != 2 {
		t.Errorf("unexpected result %+v", res)
	}
	if !local.Contains(cidOf(t, blocks[0])) || !local.Contains(cidOf(t, blocks[3])) {
		t.Error("expected the aliased block and the most recent block to survive")
	}
}

func TestRunOnceCompactsArchive(t *testing.T) {
	ctx := context.Background()
	arc, err := archive.Open(core.Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	defer arc.Close()

	writer := store.NewSharedStore(store.NewLocalStore(core.StoreConfig{}, nil), arc, nil)

	leaf := cborBlock(ipld.String("leaf"))
	root := cborBlock(ipld.Map{"leaf": ipld.Link{Cid: cidOf(t, leaf)}})
	var garbage []*block.Block
	for i := 0; i < 3; i++ {
		garbage = append(garbage, cborBlock(ipld.String(fmt.Sprintf("garbage-%d", i))))
	}
	for _, b := range append([]*block.Block{leaf, root}, garbage...) {
		if err := writer.Insert(ctx, b); err != nil {
			t.Fatal(err)
		}
	}
	// Seal everything so it becomes eligible for compaction.
	if err := arc.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	// A store that only knows the root by alias has to mark through the archive.
	local := store.NewLocalStore(core.StoreConfig{}, nil)
	local.Alias([]byte("root"), cidOf(t, root))

	res, err := gc.NewRunner(core.GCConfig{}, local, arc, nil).RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if res.Live != 2 {
		t.Errorf("expected 2 live blocks, got %d", res.Live)
	}
	if res.PacksSwept != 1 || res.BlocksMoved != 2 || res.BlocksDropped != 3 {
		t.Errorf("unexpected compaction result %+v", res.CompactResult)
	}

	for _, b := range []*block.Block{leaf, root} {
		if _, ok, err := arc.Get(ctx, cidOf(t, b)); err != nil || !ok {
			t.Errorf("live block lost: ok=%v err=%v", ok, err)
		}
	}
	for _, b := range garbage {
		if ok, _ := arc.Has(ctx, cidOf(t, b)); ok {
			t.Errorf("garbage block %s survived", cidOf(t, b))
		}
	}
}

func TestRunOnceMarkFailure(t *testing.T) {
	local := store.NewLocalStore(core.StoreConfig{}, nil)
	missing := cidOf(t, cborBlock(ipld.String("not resident")))
	local.Alias([]byte("dangling"), missing)

	arc := &mockCompactor{getErr: errMock}
	_, err := gc.NewRunner(core.GCConfig{}, local, arc, nil).RunOnce(context.Background())
	if !errors.Is(err, errMock) {
		t.Fatalf("expected mark error, got %v", err)
	}
	if arc.count() != 0 {
		t.Error("Compact must not run on a partial live set")
	}
}

func TestRunOnceDanglingRoot(t *testing.T) {
	local := store.NewLocalStore(core.StoreConfig{}, nil)
	missing := cidOf(t, cborBlock(ipld.String("nowhere")))
	local.Alias([]byte("dangling"), missing)

	arc := &mockCompactor{}
	res, err := gc.NewRunner(core.GCConfig{}, local, arc, nil).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if res.Live != 1 {
		t.Errorf("the root itself is live even when absent, got %d", res.Live)
	}
	if _, ok := arc.lastLive[missing]; !ok {
		t.Error("expected the dangling root in the live set")
	}
}

func TestStartStop(t *testing.T) {
	local := store.NewLocalStore(core.StoreConfig{}, nil)

	t.Run("Disabled", func(t *testing.T) {
		arc := &mockCompactor{}
		r := gc.NewRunner(core.GCConfig{Enabled: false, RunEvery: time.Millisecond}, local, arc, nil)
		r.Start(context.Background())
		time.Sleep(20 * time.Millisecond)
		r.Stop()
		if arc.count() != 0 {
			t.Errorf("disabled runner ran %d times", arc.count())
		}
	})

	t.Run("Ticker", func(t *testing.T) {
		arc := &mockCompactor{}
		r := gc.NewRunner(core.GCConfig{Enabled: true, RunEvery: 5 * time.Millisecond}, local, arc, nil)
		r.Start(context.Background())
		r.Start(context.Background()) // second start is a no-op

		deadline := time.Now().Add(2 * time.Second)
		for arc.count() < 2 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		r.Stop()
		r.Stop()

		n := arc.count()
		if n < 2 {
			t.Fatalf("expected at least 2 runs, got %d", n)
		}
		time.Sleep(20 * time.Millisecond)
		if arc.count() != n {
			t.Error("runner kept running after Stop")
		}
	})

	t.Run("ContextCancel", func(t *testing.T) {
		arc := &mockCompactor{}
		r := gc.NewRunner(core.GCConfig{Enabled: true, RunEvery: time.Hour}, local, arc, nil)
		ctx, cancel := context.WithCancel(context.Background())
		r.Start(ctx)
		cancel()
		r.Stop()
	})
}
