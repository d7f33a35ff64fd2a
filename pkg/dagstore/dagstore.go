// Package dagstore is the public entry point: a content-addressed block
// store with alias and temp-pin rooting, eviction, network fallback and,
// when given a directory, a durable pack archive behind it.
package dagstore

import (
	"context"
	"io"
	"sync"

	"github.com/agenthands/dagstore/pkg/archive"
	"github.com/agenthands/dagstore/pkg/block"
	"github.com/agenthands/dagstore/pkg/core"
	"github.com/agenthands/dagstore/pkg/gc"
	"github.com/agenthands/dagstore/pkg/importer"
	"github.com/agenthands/dagstore/pkg/ipld"
	"github.com/agenthands/dagstore/pkg/manifest"
	"github.com/agenthands/dagstore/pkg/store"
	"github.com/ipfs/go-cid"
	"github.com/sirupsen/logrus"
)

// DB ties a LocalStore to its network collaborator, the file importer and
// the GC runner.
type DB struct {
	cfg    core.Config
	local  *store.LocalStore
	shared *store.SharedStore
	arc    *archive.Archive
	files  *importer.Importer
	gc     gc.Runner
	log    *logrus.Logger

	closeOnce sync.Once
	closeErr  error
}

// Open opens a DB. With cfg.Dir set, blocks and aliases persist in an
// archive under it and aliases are restored on open; otherwise the network
// is an in-memory MemGlobal.
func Open(ctx context.Context, cfg core.Config) (*DB, error) {
	cfg = cfg.WithDefaults()
	if cfg.Dir == "" {
		return New(cfg, store.NewMemGlobal()), nil
	}

	arc, err := archive.Open(cfg)
	if err != nil {
		return nil, err
	}
	aliases, err := arc.Aliases(ctx)
	if err != nil {
		arc.Close()
		return nil, err
	}

	db := newDB(cfg, arc, arc)
	for name, c := range aliases {
		db.local.Alias([]byte(name), c)
	}
	db.log.WithFields(logrus.Fields{"dir": cfg.Dir, "aliases": len(aliases)}).Info("opened dagstore")
	db.gc.Start(context.Background())
	return db, nil
}

// New returns a DB in front of an arbitrary network collaborator. Aliases
// live only in memory.
func New(cfg core.Config, net store.GlobalStore) *DB {
	db := newDB(cfg.WithDefaults(), net, nil)
	db.gc.Start(context.Background())
	return db
}

func newDB(cfg core.Config, net store.GlobalStore, arc *archive.Archive) *DB {
	local := store.NewLocalStore(cfg.Store, cfg.Logger)
	shared := store.NewSharedStore(local, net, cfg.Logger)

	// A nil *Archive must not become a non-nil Compactor.
	var compactor gc.Compactor
	if arc != nil {
		compactor = arc
	}

	return &DB{
		cfg:    cfg,
		local:  local,
		shared: shared,
		arc:    arc,
		files:  importer.New(shared, cfg),
		gc:     gc.NewRunner(cfg.GC, local, compactor, cfg.Logger),
		log:    cfg.Logger,
	}
}

// Get returns a locally resident block.
func (db *DB) Get(c cid.Cid) (*block.Block, error) {
	return db.shared.Get(c)
}

// Fetch returns a block, reading through to the network on a local miss.
func (db *DB) Fetch(ctx context.Context, c cid.Cid) (*block.Block, error) {
	return db.shared.Fetch(ctx, c)
}

// Put encodes v as dag-cbor, inserts it and returns its Cid.
func (db *DB) Put(ctx context.Context, v ipld.Ipld) (cid.Cid, error) {
	b := block.NewEncoder(v, block.DagCbor, db.cfg.Store.HashCode)
	c, err := b.Cid()
	if err != nil {
		return cid.Undef, err
	}
	if err := db.shared.Insert(ctx, b); err != nil {
		return cid.Undef, err
	}
	return c, nil
}

func (db *DB) Insert(ctx context.Context, b *block.Block) error {
	return db.shared.Insert(ctx, b)
}

// Sync makes the whole reference closure of c resident.
func (db *DB) Sync(ctx context.Context, c cid.Cid) error {
	return db.shared.Sync(ctx, c)
}

func (db *DB) Contains(c cid.Cid) bool {
	return db.shared.Contains(c)
}

// Alias sets or, with cid.Undef, clears a named root. With an archive the
// change is persisted before it becomes visible locally.
func (db *DB) Alias(name []byte, c cid.Cid) error {
	if db.arc != nil {
		if err := db.arc.SaveAlias(name, c); err != nil {
			return err
		}
	}
	db.shared.Alias(name, c)
	return nil
}

func (db *DB) Resolve(name []byte) (cid.Cid, bool) {
	return db.shared.Resolve(name)
}

func (db *DB) ReverseAlias(c cid.Cid) ([]core.AliasName, bool) {
	return db.shared.ReverseAlias(c)
}

func (db *DB) Pinned(c cid.Cid) (bool, bool) {
	return db.shared.Pinned(c)
}

// CreateTempPin returns a new ephemeral root. Close it when done.
func (db *DB) CreateTempPin() *TempPin {
	return db.shared.CreateTempPin()
}

func (db *DB) TempPin(tmp *TempPin, c cid.Cid) {
	db.shared.TempPin(tmp, c)
}

// Flush evicts down to capacity and seals the archive's active pack.
func (db *DB) Flush(ctx context.Context) error {
	return db.shared.Flush(ctx)
}

// GC runs one collection: local eviction, then archive compaction.
func (db *DB) GC(ctx context.Context) (GCResult, error) {
	return db.gc.RunOnce(ctx)
}

// Stats reports the local tables and, with an archive, its packs. Pack
// stats are left zero when the directory cannot be read.
func (db *DB) Stats() Stats {
	st := Stats{Stats: db.local.Stats(), Durable: db.arc != nil}
	if db.arc != nil {
		packs, err := db.arc.Stats()
		if err != nil {
			db.log.WithError(err).Warn("failed to read pack stats")
		}
		st.Packs = packs
	}
	return st
}

// PutFile imports r as a chunked file and, when name is non-empty, aliases
// its root. The import is temp-pinned until the alias is in place.
func (db *DB) PutFile(ctx context.Context, name []byte, r io.Reader, meta PutMeta) (FileRef, error) {
	tmp := db.CreateTempPin()
	defer tmp.Close()

	ref, err := db.files.Put(ctx, tmp, r, meta)
	if err != nil {
		return FileRef{}, err
	}
	if len(name) > 0 {
		if err := db.Alias(name, ref.Root); err != nil {
			return FileRef{}, err
		}
	}
	return ref, nil
}

// OpenFile returns a reader over the file whose manifest is root.
func (db *DB) OpenFile(ctx context.Context, root cid.Cid) (*importer.Reader, error) {
	return db.files.Open(ctx, root)
}

// StatFile returns the manifest of the file at root.
func (db *DB) StatFile(ctx context.Context, root cid.Cid) (*manifest.Manifest, error) {
	return db.files.Stat(ctx, root)
}

// Close stops background GC and closes the archive. It is safe to call
// more than once.
func (db *DB) Close() error {
	db.closeOnce.Do(func() {
		db.gc.Stop()
		if db.arc != nil {
			db.closeErr = db.arc.Close()
		}
	})
	return db.closeErr
}
