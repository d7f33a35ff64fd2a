package core

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/multiformats/go-multihash"
)

func TestWithDefaults(t *testing.T) {
	cfg := Config{Dir: "/data"}.WithDefaults()

	if cfg.Store.HashCode != multihash.SHA2_256 {
		t.Errorf("unexpected hash code %x", cfg.Store.HashCode)
	}
	if cfg.Pack.Dir != filepath.Join("/data", "packs") || cfg.Catalog.Dir != filepath.Join("/data", "catalog") {
		t.Errorf("unexpected derived dirs %q, %q", cfg.Pack.Dir, cfg.Catalog.Dir)
	}
	if cfg.Chunking != (ChunkingConfig{Algorithm: "fastcdc", Min: 16 << 10, Avg: 64 << 10, Max: 256 << 10}) {
		t.Errorf("unexpected chunking %+v", cfg.Chunking)
	}
	if cfg.GC.RunEvery != time.Minute || cfg.Logger == nil {
		t.Error("expected GC interval and logger defaults")
	}

	// An algorithm alone keeps the default sizes.
	cfg = Config{Chunking: ChunkingConfig{Algorithm: "rabin"}}.WithDefaults()
	if cfg.Chunking.Algorithm != "rabin" || cfg.Chunking.Avg != 64<<10 {
		t.Errorf("unexpected chunking %+v", cfg.Chunking)
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()

	t.Run("Valid", func(t *testing.T) {
		path := filepath.Join(dir, "ok.yaml")
		raw := `
dir: /srv/dagstore
store:
  capacity: 100
transform:
  name: lz4
chunking:
  algorithm: buzhash
gc:
  enabled: true
  run_every: 30s
limits:
  max_chunks_per_object: 5
`
		if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
			t.Fatal(err)
		}
		cfg, err := LoadConfig(path)
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if cfg.Dir != "/srv/dagstore" || cfg.Store.Capacity != 100 || cfg.Transform.Name != "lz4" {
			t.Errorf("unexpected config %+v", cfg)
		}
		if cfg.Chunking.Algorithm != "buzhash" || !cfg.GC.Enabled || cfg.GC.RunEvery != 30*time.Second {
			t.Errorf("unexpected chunking or gc %+v %+v", cfg.Chunking, cfg.GC)
		}
		if cfg.Limits.MaxChunksPerObject != 5 {
			t.Errorf("unexpected limits %+v", cfg.Limits)
		}
	})

	t.Run("Malformed", func(t *testing.T) {
		path := filepath.Join(dir, "bad.yaml")
		if err := os.WriteFile(path, []byte("store: [1, 2"), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadConfig(path); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("Missing", func(t *testing.T) {
		if _, err := LoadConfig(filepath.Join(dir, "nope.yaml")); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("expected a not-exist error, got %v", err)
		}
	})
}
