package catalog

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/agenthands/dagstore/pkg/core"
	"github.com/cockroachdb/pebble"
	"github.com/ipfs/go-cid"
)

var (
	PrefixC2P   = []byte("c2p:")
	PrefixAlias = []byte("al:")
)

// Catalog is the embedded index of the archive: which pack holds each
// block, and the persisted alias roots.
type Catalog interface {
	GetPackForCID(ctx context.Context, c cid.Cid) (uint64, bool, error)
	PutPackForCID(batch *pebble.Batch, c cid.Cid, packID uint64) error
	DeletePackForCID(batch *pebble.Batch, c cid.Cid) error

	GetAlias(ctx context.Context, name []byte) (cid.Cid, bool, error)
	// PutAlias records name -> c. cid.Undef deletes the alias.
	PutAlias(batch *pebble.Batch, name []byte, c cid.Cid) error
	IterateAliases(ctx context.Context, fn func(name []byte, c cid.Cid) error) error

	NewBatch() *pebble.Batch
	Close() error
}

type pebbleCatalog struct {
	db *pebble.DB
}

// Open opens a Pebble-based catalog in the specified directory.
func Open(dir string) (Catalog, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db: %w", err)
	}
	return &pebbleCatalog{db: db}, nil
}

func (c *pebbleCatalog) Close() error {
	return c.db.Close()
}

func (c *pebbleCatalog) NewBatch() *pebble.Batch {
	return c.db.NewBatch()
}

func prefixed(prefix, suffix []byte) []byte {
	key := make([]byte, 0, len(prefix)+len(suffix))
	key = append(key, prefix...)
	return append(key, suffix...)
}

func (c *pebbleCatalog) set(batch *pebble.Batch, key, val []byte) error {
	if batch != nil {
		return batch.Set(key, val, nil)
	}
	return c.db.Set(key, val, pebble.Sync)
}

func (c *pebbleCatalog) delete(batch *pebble.Batch, key []byte) error {
	if batch != nil {
		return batch.Delete(key, nil)
	}
	return c.db.Delete(key, pebble.Sync)
}

func (c *pebbleCatalog) GetPackForCID(ctx context.Context, id cid.Cid) (uint64, bool, error) {
	val, closer, err := c.db.Get(prefixed(PrefixC2P, id.Bytes()))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return 0, false, nil
		}
		return 0, false, err
	}
	defer closer.Close()

	if len(val) != 8 {
		return 0, false, fmt.Errorf("%w: invalid pack ID length", core.ErrCorrupt)
	}
	return binary.BigEndian.Uint64(val), true, nil
}

func (c *pebbleCatalog) PutPackForCID(batch *pebble.Batch, id cid.Cid, packID uint64) error {
	val := make([]byte, 8)
	binary.BigEndian.PutUint64(val, packID)
	return c.set(batch, prefixed(PrefixC2P, id.Bytes()), val)
}

func (c *pebbleCatalog) DeletePackForCID(batch *pebble.Batch, id cid.Cid) error {
	return c.delete(batch, prefixed(PrefixC2P, id.Bytes()))
}

func (c *pebbleCatalog) GetAlias(ctx context.Context, name []byte) (cid.Cid, bool, error) {
	val, closer, err := c.db.Get(prefixed(PrefixAlias, name))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return cid.Undef, false, nil
		}
		return cid.Undef, false, err
	}
	defer closer.Close()

	id, err := cid.Cast(val)
	if err != nil {
		return cid.Undef, false, fmt.Errorf("%w: alias %q: %v", core.ErrCorrupt, name, err)
	}
	return id, true, nil
}

func (c *pebbleCatalog) PutAlias(batch *pebble.Batch, name []byte, id cid.Cid) error {
	if !id.Defined() {
		return c.delete(batch, prefixed(PrefixAlias, name))
	}
	return c.set(batch, prefixed(PrefixAlias, name), id.Bytes())
}

func (c *pebbleCatalog) IterateAliases(ctx context.Context, fn func(name []byte, c cid.Cid) error) error {
	iter, err := c.db.NewIter(&pebble.IterOptions{
		LowerBound: PrefixAlias,
		UpperBound: incrementByte(PrefixAlias),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := append([]byte(nil), iter.Key()[len(PrefixAlias):]...)
		id, err := cid.Cast(iter.Value())
		if err != nil {
			return fmt.Errorf("%w: alias %q: %v", core.ErrCorrupt, name, err)
		}
		if err := fn(name, id); err != nil {
			return err
		}
	}
	return iter.Error()
}

func incrementByte(b []byte) []byte {
	res := make([]byte, len(b))
	copy(res, b)
	for i := len(res) - 1; i >= 0; i-- {
		res[i]++
		if res[i] != 0 {
			return res
		}
	}
	return nil
}
