package importer_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/agenthands/dagstore/internal/testkit"
	"github.com/agenthands/dagstore/pkg/block"
	"github.com/agenthands/dagstore/pkg/core"
	"github.com/agenthands/dagstore/pkg/importer"
	"github.com/agenthands/dagstore/pkg/ipld"
	"github.com/agenthands/dagstore/pkg/manifest"
	"github.com/agenthands/dagstore/pkg/store"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

func testConfig() core.Config {
	return core.Config{
		Chunking: core.ChunkingConfig{Min: 64, Avg: 128, Max: 256},
	}
}

func newStore(capacity int) (*store.SharedStore, *store.MemGlobal) {
	net := store.NewMemGlobal()
	return store.NewSharedStore(store.NewLocalStore(core.StoreConfig{Capacity: capacity}, nil), net, nil), net
}

func put(t *testing.T, im *importer.Importer, st *store.SharedStore, data []byte, meta importer.PutMeta) importer.Ref {
	t.Helper()
	tmp := st.CreateTempPin()
	defer tmp.Close()
	ref, err := im.Put(context.Background(), tmp, bytes.NewReader(data), meta)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	st.Alias([]byte("file"), ref.Root)
	return ref
}

func TestPutOpen(t *testing.T) {
	ctx := context.Background()
	st, net := newStore(0)
	im := importer.New(st, testConfig())
	data := testkit.RandomBytes(testkit.RNG(1), 10*1024)

	ref := put(t, im, st, data, importer.PutMeta{
		MediaType: "application/octet-stream",
		Tags:      map[string]string{"name": "random"},
	})
	if ref.Length != uint64(len(data)) {
		t.Errorf("expected length %d, got %d", len(data), ref.Length)
	}
	if ref.Chunks < 10 {
		t.Errorf("expected many chunks, got %d", ref.Chunks)
	}
	if net.Len() != ref.Chunks+1 {
		t.Errorf("expected %d published blocks, got %d", ref.Chunks+1, net.Len())
	}

	t.Run("Stat", func(t *testing.T) {
		m, err := im.Stat(ctx, ref.Root)
		if err != nil {
			t.Fatalf("Stat failed: %v", err)
		}
		if m.Length != ref.Length || len(m.Chunks) != ref.Chunks || m.MediaType != "application/octet-stream" || m.Tags["name"] != "random" {
			t.Errorf("unexpected manifest %+v", m)
		}
	})

	t.Run("Read", func(t *testing.T) {
		r, err := im.Open(ctx, ref.Root)
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		defer r.Close()
		got, err := io.ReadAll(r)
		if err != nil {
			t.Fatalf("ReadAll failed: %v", err)
		}
		if !bytes.Equal(got, data) {
			t.Error("read data does not match original")
		}
	})

	t.Run("ReadThroughNetwork", func(t *testing.T) {
		// A second node only has the root Cid and pulls chunks on demand.
		other := store.NewSharedStore(store.NewLocalStore(core.StoreConfig{}, nil), net, nil)
		r, err := importer.New(other, testConfig()).Open(ctx, ref.Root)
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		got, err := io.ReadAll(r)
		if err != nil || !bytes.Equal(got, data) {
			t.Errorf("remote read mismatch: %v", err)
		}
		if !other.Contains(ref.Root) {
			t.Error("fetched root should be resident")
		}
	})

	t.Run("Pinned", func(t *testing.T) {
		m, _ := im.Stat(ctx, ref.Root)
		for _, c := range chunkCids(t, m) {
			if pinned, ok := st.Pinned(c); !ok || !pinned {
				t.Fatalf("chunk %s should be pinned through the alias", c)
			}
		}
	})
}

func TestPutEmpty(t *testing.T) {
	st, _ := newStore(0)
	im := importer.New(st, testConfig())

	ref := put(t, im, st, nil, importer.PutMeta{})
	if ref.Length != 0 || ref.Chunks != 0 {
		t.Errorf("unexpected ref for empty input %+v", ref)
	}
	r, err := im.Open(context.Background(), ref.Root)
	if err != nil {
		t.Fatal(err)
	}
	if got, err := io.ReadAll(r); err != nil || len(got) != 0 {
		t.Errorf("expected empty read, got %d bytes, %v", len(got), err)
	}
}

func TestPutDedupe(t *testing.T) {
	st, net := newStore(0)
	im := importer.New(st, testConfig())
	data := testkit.RandomBytes(testkit.RNG(2), 4096)

	first := put(t, im, st, data, importer.PutMeta{})
	published := net.Len()

	second := put(t, im, st, data, importer.PutMeta{})
	if !second.Root.Equals(first.Root) {
		t.Error("identical content must produce the same root")
	}
	if second.Deduped != second.Chunks {
		t.Errorf("expected every chunk deduped, got %d of %d", second.Deduped, second.Chunks)
	}
	if net.Len() != published {
		t.Errorf("dedupe published new blocks: %d -> %d", published, net.Len())
	}

	// Different metadata only adds a new root.
	third := put(t, im, st, data, importer.PutMeta{MediaType: "text/plain"})
	if third.Root.Equals(first.Root) || net.Len() != published+1 {
		t.Errorf("expected a single new manifest block, have %d blocks", net.Len())
	}
}

func TestPutPinsUntilRooted(t *testing.T) {
	ctx := context.Background()
	st, _ := newStore(1)
	im := importer.New(st, testConfig())
	data := testkit.RandomBytes(testkit.RNG(3), 2048)

	tmp := st.CreateTempPin()
	ref, err := im.Put(ctx, tmp, bytes.NewReader(data), importer.PutMeta{})
	if err != nil {
		t.Fatal(err)
	}

	if n := st.Local().Evict(); n != 0 {
		t.Errorf("evicted %d blocks of a pinned import", n)
	}
	if got := st.Local().Stats().Resident; got != ref.Chunks+1 {
		t.Errorf("expected %d resident blocks, got %d", ref.Chunks+1, got)
	}

	tmp.Close()
	st.Local().Evict()
	if got := st.Local().Stats().Resident; got != 1 {
		t.Errorf("expected eviction down to capacity once unpinned, got %d", got)
	}
}

func TestPutFailures(t *testing.T) {
	data := testkit.RandomBytes(testkit.RNG(4), 10*1024)

	t.Run("TooManyChunks", func(t *testing.T) {
		st, _ := newStore(0)
		cfg := testConfig()
		cfg.Limits.MaxChunksPerObject = 2
		tmp := st.CreateTempPin()
		defer tmp.Close()

		_, err := importer.New(st, cfg).Put(context.Background(), tmp, bytes.NewReader(data), importer.PutMeta{})
		if !errors.Is(err, core.ErrTooLarge) {
			t.Errorf("expected ErrTooLarge, got %v", err)
		}
	})

	t.Run("TagLimits", func(t *testing.T) {
		st, _ := newStore(0)
		cfg := testConfig()
		cfg.Limits.MaxTags = 1
		tmp := st.CreateTempPin()
		defer tmp.Close()

		meta := importer.PutMeta{Tags: map[string]string{"a": "1", "b": "2"}}
		_, err := importer.New(st, cfg).Put(context.Background(), tmp, bytes.NewReader(data), meta)
		if !errors.Is(err, core.ErrTooLarge) {
			t.Errorf("expected ErrTooLarge, got %v", err)
		}
	})

	t.Run("ReaderError", func(t *testing.T) {
		st, _ := newStore(0)
		tmp := st.CreateTempPin()
		defer tmp.Close()

		r := testkit.NewErrorReader(bytes.NewReader(data), 1000, nil)
		_, err := importer.New(st, testConfig()).Put(context.Background(), tmp, r, importer.PutMeta{})
		if err == nil {
			t.Error("expected error from error reader")
		}
	})

	t.Run("Cancelled", func(t *testing.T) {
		st, _ := newStore(0)
		tmp := st.CreateTempPin()
		defer tmp.Close()

		r, unpause := testkit.NewPauseReader(bytes.NewReader(data))
		ctx, cancel := context.WithCancel(context.Background())

		done := make(chan error, 1)
		go func() {
			_, err := importer.New(st, testConfig()).Put(ctx, tmp, r, importer.PutMeta{})
			done <- err
		}()

		cancel()
		unpause()

		select {
		case err := <-done:
			if !errors.Is(err, context.Canceled) {
				t.Errorf("expected context.Canceled, got %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("Put did not return after cancellation")
		}
	})
}

func TestOpenFailures(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()

	t.Run("MissingChunk", func(t *testing.T) {
		writer, _ := newStore(0)
		ref := put(t, importer.New(writer, cfg), writer, testkit.RandomBytes(testkit.RNG(5), 2048), importer.PutMeta{})

		// The reader's network only has the manifest.
		net := store.NewMemGlobal()
		root, _ := writer.Get(ref.Root)
		if err := net.Insert(ctx, root); err != nil {
			t.Fatal(err)
		}
		reader := store.NewSharedStore(store.NewLocalStore(core.StoreConfig{}, nil), net, nil)

		r, err := importer.New(reader, cfg).Open(ctx, ref.Root)
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		if _, err := io.ReadAll(r); !errors.Is(err, core.ErrBlockNotFound) {
			t.Errorf("expected ErrBlockNotFound, got %v", err)
		}
	})

	t.Run("ChunkLengthMismatch", func(t *testing.T) {
		st, _ := newStore(0)
		leaf := block.NewEncoder(ipld.Bytes("abc"), block.Raw, multihash.SHA2_256)
		lc, _ := leaf.Cid()

		v, err := manifest.NewCodec(core.LimitsConfig{}).Encode(&manifest.Manifest{
			Version: manifest.Version,
			Length:  5,
			Chunks:  []manifest.ChunkRef{{Cid: lc, Len: 5}},
		})
		if err != nil {
			t.Fatal(err)
		}
		root := block.NewEncoder(v, block.DagCbor, multihash.SHA2_256)
		for _, b := range []*block.Block{leaf, root} {
			if err := st.Insert(ctx, b); err != nil {
				t.Fatal(err)
			}
		}
		rc, _ := root.Cid()

		r, err := importer.New(st, cfg).Open(ctx, rc)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := io.ReadAll(r); !errors.Is(err, core.ErrCorrupt) {
			t.Errorf("expected ErrCorrupt, got %v", err)
		}
	})

	t.Run("NotAManifest", func(t *testing.T) {
		st, _ := newStore(0)
		leaf := block.NewEncoder(ipld.Bytes("abc"), block.Raw, multihash.SHA2_256)
		if err := st.Insert(ctx, leaf); err != nil {
			t.Fatal(err)
		}
		lc, _ := leaf.Cid()
		if _, err := importer.New(st, cfg).Stat(ctx, lc); !errors.Is(err, core.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}

		notManifest := block.NewEncoder(ipld.String("hello"), block.DagCbor, multihash.SHA2_256)
		if err := st.Insert(ctx, notManifest); err != nil {
			t.Fatal(err)
		}
		nc, _ := notManifest.Cid()
		if _, err := importer.New(st, cfg).Stat(ctx, nc); !errors.Is(err, core.ErrCorrupt) {
			t.Errorf("expected ErrCorrupt, got %v", err)
		}
	})

	t.Run("UnknownRoot", func(t *testing.T) {
		st, _ := newStore(0)
		_, err := importer.New(st, cfg).Open(ctx, testkit.RandomCid(testkit.RNG(6)))
		if !errors.Is(err, core.ErrBlockNotFound) {
			t.Errorf("expected ErrBlockNotFound, got %v", err)
		}
	})
}

var _ importer.Store = (*store.SharedStore)(nil)

func BenchmarkPut(b *testing.B) {
	data := testkit.RandomBytes(testkit.RNG(7), 1<<20)
	st, _ := newStore(0)
	im := importer.New(st, core.Config{})

	b.SetBytes(int64(len(data)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		tmp := st.CreateTempPin()
		if _, err := im.Put(context.Background(), tmp, bytes.NewReader(data), importer.PutMeta{}); err != nil {
			b.Fatal(err)
		}
		tmp.Close()
	}
}

func chunkCids(t *testing.T, m *manifest.Manifest) []cid.Cid {
	t.Helper()
	out := make([]cid.Cid, len(m.Chunks))
	for i, ch := range m.Chunks {
		out[i] = ch.Cid
	}
	return out
}
