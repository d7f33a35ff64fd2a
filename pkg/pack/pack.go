package pack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/agenthands/dagstore/pkg/core"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	carv2 "github.com/ipld/go-car/v2"
	"github.com/ipld/go-car/v2/blockstore"
)

// Manager stores archived blocks in CARv2 pack files. Writes go to a single
// active pack; sealed packs are read-only until they are removed.
type Manager interface {
	PutBlock(ctx context.Context, c cid.Cid, stored []byte) (uint64, error)
	GetBlock(ctx context.Context, packID uint64, c cid.Cid) ([]byte, error)
	SealAndRotateIfNeeded(ctx context.Context) error
	CurrentPackID() uint64
	IteratePackBlocks(ctx context.Context, packID uint64, fn func(c cid.Cid) error) error

	ListSealedPacks() []uint64
	// RemovePack deletes a sealed pack and returns the bytes reclaimed.
	RemovePack(packID uint64) (uint64, error)
	SealActivePack(ctx context.Context) error
	Stats() (Stats, error)

	Close() error
}

// Stats is the on-disk footprint of a pack directory.
type Stats struct {
	SealedPacks int
	SealedBytes uint64
	ActiveBytes uint64
}

type packManager struct {
	cfg core.PackConfig

	mu sync.RWMutex

	currentID uint64
	active    *blockstore.ReadWrite
	// dirty is set once the active pack holds at least one block.
	dirty bool

	sealed map[uint64]*blockstore.ReadOnly
}

// NewManager opens the pack directory, treating every existing pack as
// sealed, and starts a fresh active pack.
func NewManager(cfg core.PackConfig) (Manager, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("%w: pack directory not specified", core.ErrInvalidInput)
	}

	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create pack directory: %w", err)
	}

	m := &packManager{
		cfg:    cfg,
		sealed: make(map[uint64]*blockstore.ReadOnly),
	}

	if err := m.discoverPacks(); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *packManager) discoverPacks() error {
	entries, err := os.ReadDir(m.cfg.Dir)
	if err != nil {
		return err
	}

	var packIDs []uint64
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), "pack-") || !strings.HasSuffix(entry.Name(), ".car") {
			continue
		}

		idStr := strings.TrimSuffix(strings.TrimPrefix(entry.Name(), "pack-"), ".car")
		id, err := strconv.ParseUint(idStr, 16, 64)
		if err != nil {
			continue
		}
		packIDs = append(packIDs, id)
	}

	sort.Slice(packIDs, func(i, j int) bool { return packIDs[i] < packIDs[j] })

	for _, id := range packIDs {
		bs, err := blockstore.OpenReadOnly(m.packPath(id))
		if err != nil {
			return fmt.Errorf("%w: failed to open sealed pack %d: %v", core.ErrCorrupt, id, err)
		}
		m.sealed[id] = bs
		m.currentID = id
	}

	// Resuming a half-written CARv2 file is not supported, so every open
	// starts a new active pack.
	m.currentID++
	return m.openActive(m.currentID)
}

func (m *packManager) openActive(id uint64) error {
	bs, err := blockstore.OpenReadWrite(m.packPath(id), []cid.Cid{})
	if err != nil {
		return fmt.Errorf("failed to create active pack %d: %w", id, err)
	}

	m.active = bs
	m.dirty = false
	return nil
}

func (m *packManager) packPath(id uint64) string {
	return filepath.Join(m.cfg.Dir, fmt.Sprintf("pack-%016x.car", id))
}

func (m *packManager) CurrentPackID() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentID
}

func (m *packManager) PutBlock(ctx context.Context, c cid.Cid, stored []byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	has, err := m.active.Has(ctx, c)
	if err != nil {
		return 0, err
	}
	if has {
		return m.currentID, nil
	}

	// The stored form is the transformed payload, so it does not hash to c.
	blk, err := blocks.NewBlockWithCid(stored, c)
	if err != nil {
		return 0, err
	}

	if err := m.active.Put(ctx, blk); err != nil {
		return 0, err
	}
	m.dirty = true

	return m.currentID, nil
}

func (m *packManager) GetBlock(ctx context.Context, packID uint64, c cid.Cid) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var bs interface {
		Get(context.Context, cid.Cid) (blocks.Block, error)
	}

	if packID == m.currentID {
		bs = m.active
	} else {
		rbs, ok := m.sealed[packID]
		if !ok {
			return nil, fmt.Errorf("%w: pack %d not found", core.ErrBlockNotFound, packID)
		}
		bs = rbs
	}

	blk, err := bs.Get(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("%w: %s in pack %d: %v", core.ErrBlockNotFound, c, packID, err)
	}

	return blk.RawData(), nil
}

func (m *packManager) SealAndRotateIfNeeded(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	fi, err := os.Stat(m.packPath(m.currentID))
	if err != nil {
		return err
	}

	if uint64(fi.Size()) < m.cfg.TargetPackBytes {
		return nil
	}
	return m.sealLocked()
}

// SealActivePack seals the active pack regardless of size. An empty active
// pack is left alone.
func (m *packManager) SealActivePack(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.dirty {
		return nil
	}
	return m.sealLocked()
}

func (m *packManager) sealLocked() error {
	if err := m.active.Finalize(); err != nil {
		return fmt.Errorf("failed to finalize active pack: %w", err)
	}

	bs, err := blockstore.OpenReadOnly(m.packPath(m.currentID))
	if err != nil {
		return fmt.Errorf("failed to open sealed pack: %w", err)
	}
	m.sealed[m.currentID] = bs

	m.currentID++
	return m.openActive(m.currentID)
}

func (m *packManager) ListSealedPacks() []uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]uint64, 0, len(m.sealed))
	for id := range m.sealed {
		res = append(res, id)
	}
	sort.Slice(res, func(i, j int) bool { return res[i] < res[j] })
	return res
}

// IteratePackBlocks reads the CAR blocks linearly instead of going through
// the go-car/v2 index, because the index reports every Cid with the raw
// codec and loses the dag-cbor ones.
func (m *packManager) IteratePackBlocks(ctx context.Context, packID uint64, fn func(c cid.Cid) error) error {
	m.mu.RLock()
	_, ok := m.sealed[packID]
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: pack %d is not sealed or doesn't exist", core.ErrBlockNotFound, packID)
	}

	f, err := os.Open(m.packPath(packID))
	if err != nil {
		return fmt.Errorf("failed to open pack %d: %w", packID, err)
	}
	defer f.Close()

	br, err := carv2.NewBlockReader(f, carv2.WithTrustedCAR(true))
	if err != nil {
		return fmt.Errorf("%w: block reader for pack %d: %v", core.ErrCorrupt, packID, err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		blk, err := br.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("%w: reading pack %d: %v", core.ErrCorrupt, packID, err)
		}

		if err := fn(blk.Cid()); err != nil {
			return err
		}
	}
}

func (m *packManager) Stats() (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := Stats{SealedPacks: len(m.sealed)}
	for id := range m.sealed {
		fi, err := os.Stat(m.packPath(id))
		if err != nil {
			return Stats{}, err
		}
		st.SealedBytes += uint64(fi.Size())
	}
	if m.active != nil {
		fi, err := os.Stat(m.packPath(m.currentID))
		switch {
		case err == nil:
			st.ActiveBytes = uint64(fi.Size())
		case !errors.Is(err, os.ErrNotExist):
			return Stats{}, err
		}
	}
	return st, nil
}

func (m *packManager) RemovePack(packID uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if packID == m.currentID {
		return 0, fmt.Errorf("%w: cannot remove active pack", core.ErrInvalidInput)
	}
	if bs, ok := m.sealed[packID]; ok {
		delete(m.sealed, packID)
		bs.Close()
	}

	path := m.packPath(packID)
	var size uint64
	if fi, err := os.Stat(path); err == nil {
		size = uint64(fi.Size())
	}
	if err := os.Remove(path); err != nil {
		return 0, err
	}
	return size, nil
}

func (m *packManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	if m.active != nil {
		if m.dirty {
			if err := m.active.Finalize(); err != nil {
				errs = append(errs, fmt.Errorf("active pack %d: %w", m.currentID, err))
			}
		} else {
			// An empty active pack is not worth keeping.
			m.active.Discard()
			_ = os.Remove(m.packPath(m.currentID))
		}
		m.active = nil
	}

	for id, bs := range m.sealed {
		if err := bs.Close(); err != nil {
			errs = append(errs, fmt.Errorf("pack %d: %w", id, err))
		}
	}
	m.sealed = make(map[uint64]*blockstore.ReadOnly)

	if len(errs) > 0 {
		return fmt.Errorf("errors closing pack manager: %w", errors.Join(errs...))
	}
	return nil
}
