package core

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/multiformats/go-multihash"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Dir string `yaml:"dir"` // repo root

	Store     StoreConfig     `yaml:"store"`
	Chunking  ChunkingConfig  `yaml:"chunking"`
	Pack      PackConfig      `yaml:"pack"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Limits    LimitsConfig    `yaml:"limits"`
	Transform TransformConfig `yaml:"transform"`
	GC        GCConfig        `yaml:"gc"`

	Logger *logrus.Logger `yaml:"-"`
}

type StoreConfig struct {
	// Capacity is the soft budget of resident blocks. Zero disables eviction.
	Capacity int    `yaml:"capacity"`
	HashCode uint64 `yaml:"hash_code"`
}

// ChunkingConfig selects how files are cut into chunks. Algorithm is one of
// fastcdc, rabin, buzhash or fixed. Buzhash uses its own fixed bounds and
// fixed cuts every Avg bytes.
type ChunkingConfig struct {
	Algorithm string `yaml:"algorithm"`
	Min       int    `yaml:"min"`
	Avg       int    `yaml:"avg"`
	Max       int    `yaml:"max"`
}

type PackConfig struct {
	Dir             string `yaml:"dir"`
	TargetPackBytes uint64 `yaml:"target_pack_bytes"`
}

type CatalogConfig struct {
	Dir string `yaml:"dir"`
}

type TransformConfig struct {
	Name      string `yaml:"name"`
	ZstdLevel int    `yaml:"zstd_level"`
}

// LimitsConfig bounds untrusted input. Zero means unlimited.
type LimitsConfig struct {
	MaxChunksPerObject uint32 `yaml:"max_chunks_per_object"`
	MaxBlockBytes      uint64 `yaml:"max_block_bytes"`
	MaxTags            int    `yaml:"max_tags"`
	MaxTagKeyLen       int    `yaml:"max_tag_key_len"`
	MaxTagValLen       int    `yaml:"max_tag_val_len"`
	MaxMediaTypeLen    int    `yaml:"max_media_type_len"`
}

type GCConfig struct {
	Enabled  bool          `yaml:"enabled"`
	RunEvery time.Duration `yaml:"run_every"`
}

// WithDefaults fills every unset field with its default value.
func (c Config) WithDefaults() Config {
	if c.Store.HashCode == 0 {
		c.Store.HashCode = multihash.SHA2_256
	}
	if c.Pack.Dir == "" && c.Dir != "" {
		c.Pack.Dir = filepath.Join(c.Dir, "packs")
	}
	if c.Catalog.Dir == "" && c.Dir != "" {
		c.Catalog.Dir = filepath.Join(c.Dir, "catalog")
	}
	if c.Pack.TargetPackBytes == 0 {
		c.Pack.TargetPackBytes = 64 << 20
	}
	if c.Chunking.Min == 0 && c.Chunking.Avg == 0 && c.Chunking.Max == 0 {
		c.Chunking.Min, c.Chunking.Avg, c.Chunking.Max = 16<<10, 64<<10, 256<<10
	}
	if c.Chunking.Algorithm == "" {
		c.Chunking.Algorithm = "fastcdc"
	}
	if c.GC.RunEvery == 0 {
		c.GC.RunEvery = time.Minute
	}
	if c.Logger == nil {
		c.Logger = logrus.New()
		c.Logger.SetLevel(logrus.WarnLevel)
	}
	return c
}

// LoadConfig reads a YAML config file and applies defaults.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: failed to parse config: %v", ErrInvalidInput, err)
	}
	return cfg.WithDefaults(), nil
}
