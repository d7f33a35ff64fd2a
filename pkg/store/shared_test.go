package store

import (
	"context"
	"errors"
	"testing"

	"github.com/agenthands/dagstore/internal/testkit"
	"github.com/agenthands/dagstore/pkg/block"
	"github.com/agenthands/dagstore/pkg/cidutil"
	"github.com/agenthands/dagstore/pkg/core"
	"github.com/agenthands/dagstore/pkg/ipld"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// faultyGlobal wraps a MemGlobal and fails once its countdown runs out.
type faultyGlobal struct {
	*MemGlobal
	gets    *testkit.Countdown
	inserts int
	flushes int
}

func (f *faultyGlobal) Get(ctx context.Context, c cid.Cid) (*block.Block, bool, error) {
	if err := f.gets.Tick(); err != nil {
		return nil, false, err
	}
	return f.MemGlobal.Get(ctx, c)
}

func (f *faultyGlobal) Insert(ctx context.Context, b *block.Block) error {
	f.inserts++
	return f.MemGlobal.Insert(ctx, b)
}

func (f *faultyGlobal) Flush(ctx context.Context) error {
	f.flushes++
	return nil
}

func newShared(t testing.TB, capacity int) (*SharedStore, *MemGlobal) {
	t.Helper()
	net := NewMemGlobal()
	return NewSharedStore(NewLocalStore(core.StoreConfig{Capacity: capacity}, nil), net, nil), net
}

func publish(t testing.TB, net GlobalStore, blocks ...*block.Block) {
	t.Helper()
	for _, b := range blocks {
		if err := net.Insert(context.Background(), b); err != nil {
			t.Fatal(err)
		}
	}
}

func TestSharedGetIsLocalOnly(t *testing.T) {
	s, net := newShared(t, 0)
	b := newBlock(t, ipld.String("remote only"))
	publish(t, net, b)

	if _, err := s.Get(mustCid(t, b)); !errors.Is(err, core.ErrBlockNotFound) {
		t.Errorf("expected ErrBlockNotFound, got %v", err)
	}
}

func TestSharedFetch(t *testing.T) {
	ctx := context.Background()
	s, net := newShared(t, 0)
	a, b, _ := chain(t)
	publish(t, net, a)

	got, err := s.Fetch(ctx, mustCid(t, a))
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if c, _ := got.Cid(); !c.Equals(mustCid(t, a)) {
		t.Errorf("fetched wrong block %s", c)
	}
	if !s.Contains(mustCid(t, a)) {
		t.Error("fetched block should be inserted locally")
	}
	if refs, ok := s.Local().Refs(mustCid(t, a)); !ok || len(refs) != 1 || !refs[0].Equals(mustCid(t, b)) {
		t.Errorf("fetch should register references, got %v", refs)
	}

	if _, err := s.Fetch(ctx, mustCid(t, b)); !errors.Is(err, core.ErrBlockNotFound) {
		t.Errorf("expected ErrBlockNotFound for network miss, got %v", err)
	}
}

func TestSharedFetchRejectsInvalidHash(t *testing.T) {
	s, net := newShared(t, 0)
	honest := newBlock(t, ipld.String("honest"))
	net.Put(mustCid(t, honest), []byte{0x65, 'e', 'v', 'i', 'l', '!'})

	_, err := s.Fetch(context.Background(), mustCid(t, honest))
	if !errors.Is(err, core.ErrInvalidHash) {
		t.Fatalf("expected ErrInvalidHash, got %v", err)
	}
	if s.Contains(mustCid(t, honest)) {
		t.Error("a block with an invalid hash must not be stored")
	}
}

func TestSharedFetchValidatesCodec(t *testing.T) {
	s, net := newShared(t, 0)
	// Hashes correctly, but a dag-cbor block may only hold one item.
	raw := []byte{0x01, 0x02}
	c, err := cidutil.Sum(uint64(block.DagCbor), multihash.SHA2_256, raw)
	if err != nil {
		t.Fatal(err)
	}
	net.Put(c, raw)

	if _, err := s.Fetch(context.Background(), c); !errors.Is(err, core.ErrTrailingBytes) {
		t.Fatalf("expected ErrTrailingBytes, got %v", err)
	}
	if s.Contains(c) {
		t.Error("a malformed block must not be stored")
	}
}

func TestSharedSync(t *testing.T) {
	ctx := context.Background()
	s, net := newShared(t, 0)
	a, b, c := chain(t)

	// A is local, B and C only exist on the network.
	if err := s.Local().Insert(a); err != nil {
		t.Fatal(err)
	}
	publish(t, net, b, c)

	if _, ok := s.Local().Get(mustCid(t, b)); ok {
		t.Fatal("B should not be local yet")
	}

	if err := s.Sync(ctx, mustCid(t, a)); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	for _, blk := range []*block.Block{a, b, c} {
		if !s.Contains(mustCid(t, blk)) {
			t.Errorf("%s should be resident after sync", mustCid(t, blk))
		}
	}
	if st := s.Local().Stats(); st.TempPins != 0 {
		t.Errorf("sync leaked its temp pin: %+v", st)
	}

	// Syncing again is a no-op.
	if err := s.Sync(ctx, mustCid(t, a)); err != nil {
		t.Fatalf("second Sync failed: %v", err)
	}
}

func TestSharedSyncFailureAndRetry(t *testing.T) {
	ctx := context.Background()
	a, b, c := chain(t)

	mem := NewMemGlobal()
	publish(t, mem, a, b, c)
	net := &faultyGlobal{MemGlobal: mem, gets: testkit.NewCountdown(2, nil)}
	s := NewSharedStore(NewLocalStore(core.StoreConfig{}, nil), net, nil)

	err := s.Sync(ctx, mustCid(t, a))
	if !errors.Is(err, testkit.ErrInjectedFault) {
		t.Fatalf("expected injected fault, got %v", err)
	}
	// Blocks fetched before the failure are committed and consistent.
	if !s.Contains(mustCid(t, a)) || !s.Contains(mustCid(t, b)) || s.Contains(mustCid(t, c)) {
		t.Error("unexpected partial sync state")
	}

	net.gets = testkit.NewCountdown(10, nil)
	if err := s.Sync(ctx, mustCid(t, a)); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if !s.Contains(mustCid(t, c)) {
		t.Error("retry should complete the closure")
	}
}

func TestSharedSyncCancelled(t *testing.T) {
	s, net := newShared(t, 0)
	a, b, c := chain(t)
	publish(t, net, a, b, c)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Sync(ctx, mustCid(t, a)); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if st := s.Local().Stats(); st.Resident != 0 || st.TempPins != 0 {
		t.Errorf("cancelled sync should leave nothing behind: %+v", st)
	}
}

func TestSharedInsertAndFlush(t *testing.T) {
	ctx := context.Background()
	net := &faultyGlobal{MemGlobal: NewMemGlobal(), gets: testkit.NewCountdown(0, nil)}
	s := NewSharedStore(NewLocalStore(core.StoreConfig{Capacity: 1}, nil), net, nil)

	b1 := newBlock(t, ipld.String("one"))
	b2 := newBlock(t, ipld.String("two"))
	for _, b := range []*block.Block{b1, b2} {
		if err := s.Insert(ctx, b); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}
	if net.inserts != 2 || net.Len() != 2 {
		t.Errorf("expected both blocks published, got %d", net.Len())
	}

	bad := block.NewDecoder([]byte{0xff}, block.DagCbor, 0x12)
	if err := s.Insert(ctx, bad); !errors.Is(err, core.ErrUnexpectedCode) {
		t.Errorf("expected ErrUnexpectedCode, got %v", err)
	}
	if net.inserts != 2 {
		t.Error("a failed local insert must not reach the network")
	}

	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if net.flushes != 1 {
		t.Errorf("expected collaborator flush, got %d", net.flushes)
	}
	if st := s.Local().Stats(); st.Resident != 1 {
		t.Errorf("Flush should evict down to capacity, got %+v", st)
	}
}

func TestSharedAliasDelegation(t *testing.T) {
	s, _ := newShared(t, 0)
	b := newBlock(t, ipld.String("aliased"))
	if err := s.Insert(context.Background(), b); err != nil {
		t.Fatal(err)
	}

	s.Alias([]byte("head"), mustCid(t, b))
	if got, ok := s.Resolve([]byte("head")); !ok || !got.Equals(mustCid(t, b)) {
		t.Errorf("Resolve mismatch: %s", got)
	}
	if pinned, ok := s.Pinned(mustCid(t, b)); !ok || !pinned {
		t.Error("expected pinned")
	}
	names, ok := s.ReverseAlias(mustCid(t, b))
	if !ok || len(names) != 1 || string(names[0]) != "head" {
		t.Errorf("unexpected reverse alias %q", names)
	}

	tmp := s.CreateTempPin()
	defer tmp.Close()
	s.TempPin(tmp, mustCid(t, b))
	if !s.Local().Protected(mustCid(t, b)) {
		t.Error("expected protected")
	}
}
