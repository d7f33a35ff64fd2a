// Package archive is a durable GlobalStore backed by CARv2 pack files and
// a pebble catalog.
package archive

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/agenthands/dagstore/pkg/block"
	"github.com/agenthands/dagstore/pkg/catalog"
	"github.com/agenthands/dagstore/pkg/core"
	"github.com/agenthands/dagstore/pkg/pack"
	"github.com/agenthands/dagstore/pkg/transform"
	"github.com/cockroachdb/pebble"
	"github.com/ipfs/go-cid"
	"github.com/sirupsen/logrus"
)

// Archive stores each block once: the payload goes through the transform
// into the active pack, and the catalog records which pack holds it. Reads
// reverse the path and verify the bytes against the Cid.
type Archive struct {
	cat    catalog.Catalog
	packs  pack.Manager
	tr     transform.Transform
	limits core.LimitsConfig
	log    *logrus.Logger

	// mu serializes writers: Insert, Flush, Compact and Close. Readers
	// only need it to observe closed.
	mu     sync.RWMutex
	closed bool

	// marking holds every Cid inserted since BeginMark. Nil outside a GC
	// run.
	marking map[cid.Cid]struct{}
}

// Open opens the catalog and pack directories named in cfg.
func Open(cfg core.Config) (*Archive, error) {
	cfg = cfg.WithDefaults()
	if cfg.Catalog.Dir == "" || cfg.Pack.Dir == "" {
		return nil, fmt.Errorf("%w: archive needs a catalog and a pack directory", core.ErrInvalidInput)
	}

	tr, err := transform.New(cfg.Transform)
	if err != nil {
		return nil, err
	}
	cat, err := catalog.Open(cfg.Catalog.Dir)
	if err != nil {
		return nil, err
	}
	packs, err := pack.NewManager(cfg.Pack)
	if err != nil {
		cat.Close()
		return nil, err
	}
	return New(cat, packs, tr, cfg.Limits, cfg.Logger), nil
}

// New assembles an Archive from already opened parts. The Archive owns
// them from now on and closes them in Close.
func New(cat catalog.Catalog, packs pack.Manager, tr transform.Transform, limits core.LimitsConfig, logger *logrus.Logger) *Archive {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	return &Archive{cat: cat, packs: packs, tr: tr, limits: limits, log: logger}
}

// Get implements store.GlobalStore. A Cid the catalog does not know, or
// whose pack has since been removed, is a clean miss.
func (a *Archive) Get(ctx context.Context, c cid.Cid) (*block.Block, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return nil, false, core.ErrClosed
	}
	raw, ok, err := a.load(ctx, c)
	if err != nil || !ok {
		return nil, false, err
	}
	b, err := block.NewVerified(c, raw)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %w", core.ErrCorrupt, err)
	}
	return b, true, nil
}

func (a *Archive) load(ctx context.Context, c cid.Cid) ([]byte, bool, error) {
	pid, ok, err := a.cat.GetPackForCID(ctx, c)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	stored, err := a.packs.GetBlock(ctx, pid, c)
	if err != nil {
		if errors.Is(err, core.ErrBlockNotFound) {
			a.log.WithFields(logrus.Fields{"cid": c, "pack": pid}).Warn("catalog points at a missing block")
			return nil, false, nil
		}
		return nil, false, err
	}

	raw, err := a.tr.Decode(stored)
	if err != nil {
		return nil, false, fmt.Errorf("decode %s from pack %d: %w", c, pid, err)
	}
	return raw, true, nil
}

// Has reports whether the catalog knows c.
func (a *Archive) Has(ctx context.Context, c cid.Cid) (bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return false, core.ErrClosed
	}
	_, ok, err := a.cat.GetPackForCID(ctx, c)
	return ok, err
}

// Insert implements store.GlobalStore. Blocks already in the catalog are
// not written again.
func (a *Archive) Insert(ctx context.Context, b *block.Block) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	blk, err := b.BlockFormat()
	if err != nil {
		return err
	}
	c, raw := blk.Cid(), blk.RawData()
	if limit := a.limits.MaxBlockBytes; limit > 0 && uint64(len(raw)) > limit {
		return fmt.Errorf("%w: block %s is %d bytes, limit %d", core.ErrTooLarge, c, len(raw), limit)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return core.ErrClosed
	}
	if a.marking != nil {
		a.marking[c] = struct{}{}
	}

	if _, ok, err := a.cat.GetPackForCID(ctx, c); err != nil {
		return err
	} else if ok {
		return nil
	}

	stored, err := a.tr.Encode(raw)
	if err != nil {
		return err
	}
	pid, err := a.packs.PutBlock(ctx, c, stored)
	if err != nil {
		return fmt.Errorf("pack put %s: %w", c, err)
	}
	if err := a.cat.PutPackForCID(nil, c, pid); err != nil {
		return err
	}
	return a.packs.SealAndRotateIfNeeded(ctx)
}

// Flush seals the active pack so everything written so far is durable.
func (a *Archive) Flush(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return core.ErrClosed
	}
	return a.packs.SealActivePack(ctx)
}

// Stats reports the pack directory's footprint.
func (a *Archive) Stats() (pack.Stats, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return pack.Stats{}, core.ErrClosed
	}
	return a.packs.Stats()
}

// SaveAlias persists an alias. cid.Undef removes it.
func (a *Archive) SaveAlias(name []byte, c cid.Cid) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return core.ErrClosed
	}
	return a.cat.PutAlias(nil, name, c)
}

// Aliases returns every persisted alias.
func (a *Archive) Aliases(ctx context.Context) (map[string]cid.Cid, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return nil, core.ErrClosed
	}
	out := make(map[string]cid.Cid)
	err := a.cat.IterateAliases(ctx, func(name []byte, c cid.Cid) error {
		out[string(name)] = c
		return nil
	})
	return out, err
}

// BeginMark starts recording inserted Cids. The next Compact treats them
// as live, which covers blocks written while the caller computes its live
// set, dedupe hits on packs about to be swept included.
func (a *Archive) BeginMark() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.marking = make(map[cid.Cid]struct{})
}

// CompactResult reports what a compaction pass reclaimed.
type CompactResult struct {
	PacksSwept     int
	BlocksMoved    int
	BlocksDropped  int
	BytesReclaimed uint64
}

// Compact rewrites sealed packs against the live set. Packs without live
// blocks are removed; packs less than half live have their live blocks
// moved to the active pack first. Cids inserted since BeginMark count as
// live.
func (a *Archive) Compact(ctx context.Context, live map[cid.Cid]struct{}) (CompactResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var res CompactResult
	if a.closed {
		return res, core.ErrClosed
	}
	marked := a.marking
	a.marking = nil
	isLive := func(c cid.Cid) bool {
		if _, ok := live[c]; ok {
			return true
		}
		_, ok := marked[c]
		return ok
	}

	type packScan struct {
		id   uint64
		live []cid.Cid
		dead []cid.Cid
	}
	var toCompact, toSweep []packScan

	for _, pid := range a.packs.ListSealedPacks() {
		scan := packScan{id: pid}
		err := a.packs.IteratePackBlocks(ctx, pid, func(c cid.Cid) error {
			if isLive(c) {
				scan.live = append(scan.live, c)
			} else {
				scan.dead = append(scan.dead, c)
			}
			return nil
		})
		if err != nil {
			return res, fmt.Errorf("scan pack %d: %w", pid, err)
		}

		total := len(scan.live) + len(scan.dead)
		switch {
		case len(scan.live) == 0:
			toSweep = append(toSweep, scan)
		case float64(len(scan.live))/float64(total) < 0.5:
			toCompact = append(toCompact, scan)
		}
	}

	for _, scan := range toCompact {
		moved, err := a.compactPack(ctx, scan.id, scan.live)
		if err != nil {
			return res, fmt.Errorf("compaction failed for pack %d: %w", scan.id, err)
		}
		res.BlocksMoved += moved
		toSweep = append(toSweep, scan)
	}

	// Moved blocks must be in a sealed pack before their old pack goes.
	if res.BlocksMoved > 0 {
		if err := a.packs.SealActivePack(ctx); err != nil {
			return res, err
		}
	}

	for _, scan := range toSweep {
		dropped, err := a.dropCatalogEntries(ctx, scan.id, scan.dead)
		if err != nil {
			return res, err
		}
		n, err := a.packs.RemovePack(scan.id)
		if err != nil {
			a.log.WithError(err).WithField("pack", scan.id).Warn("failed to remove pack")
			continue
		}
		res.PacksSwept++
		res.BlocksDropped += dropped
		res.BytesReclaimed += n
	}

	a.log.WithFields(logrus.Fields{
		"swept":     res.PacksSwept,
		"moved":     res.BlocksMoved,
		"dropped":   res.BlocksDropped,
		"reclaimed": res.BytesReclaimed,
	}).Info("compacted archive")
	return res, nil
}

func (a *Archive) compactPack(ctx context.Context, packID uint64, toMove []cid.Cid) (int, error) {
	var moved int
	batch := a.cat.NewBatch()
	defer batch.Close()

	for _, c := range toMove {
		stored, err := a.packs.GetBlock(ctx, packID, c)
		if err != nil {
			a.log.WithError(err).WithFields(logrus.Fields{"cid": c, "pack": packID}).Warn("skipping unreadable block")
			continue
		}

		newPackID, err := a.packs.PutBlock(ctx, c, stored)
		if err != nil {
			return moved, err
		}
		if err := a.cat.PutPackForCID(batch, c, newPackID); err != nil {
			return moved, err
		}
		moved++
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return moved, err
	}
	return moved, nil
}

// dropCatalogEntries removes catalog entries that still point at packID.
func (a *Archive) dropCatalogEntries(ctx context.Context, packID uint64, dead []cid.Cid) (int, error) {
	batch := a.cat.NewBatch()
	defer batch.Close()

	dropped := 0
	for _, c := range dead {
		pid, ok, err := a.cat.GetPackForCID(ctx, c)
		if err != nil {
			return dropped, err
		}
		if !ok || pid != packID {
			continue
		}
		if err := a.cat.DeletePackForCID(batch, c); err != nil {
			return dropped, err
		}
		dropped++
	}
	return dropped, batch.Commit(pebble.Sync)
}

// Close finalizes the active pack and closes the catalog. Later calls are
// no-ops; every other method then returns core.ErrClosed.
func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	return errors.Join(a.packs.Close(), a.cat.Close())
}
