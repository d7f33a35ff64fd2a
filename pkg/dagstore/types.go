package dagstore

import (
	"github.com/agenthands/dagstore/pkg/core"
	"github.com/agenthands/dagstore/pkg/gc"
	"github.com/agenthands/dagstore/pkg/importer"
	"github.com/agenthands/dagstore/pkg/pack"
	"github.com/agenthands/dagstore/pkg/store"
)

type Config = core.Config
type StoreConfig = core.StoreConfig
type ChunkingConfig = core.ChunkingConfig
type PackConfig = core.PackConfig
type CatalogConfig = core.CatalogConfig
type TransformConfig = core.TransformConfig
type LimitsConfig = core.LimitsConfig
type GCConfig = core.GCConfig

type TempPin = store.TempPin
type PutMeta = importer.PutMeta
type FileRef = importer.Ref
type GCResult = gc.Result

// Stats describes the local tables. Durable is set when blocks are backed
// by an on-disk archive, and Packs is then filled in.
type Stats struct {
	store.Stats
	Durable bool
	Packs   pack.Stats
}
