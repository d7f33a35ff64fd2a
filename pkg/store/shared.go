package store

import (
	"context"
	"fmt"

	"github.com/agenthands/dagstore/pkg/block"
	"github.com/agenthands/dagstore/pkg/core"
	"github.com/ipfs/go-cid"
	"github.com/sirupsen/logrus"
)

// SharedStore layers network fallback over a LocalStore. Only Fetch, Sync,
// Insert and Flush talk to the network, and none of them hold the local
// lock while doing so.
type SharedStore struct {
	local *LocalStore
	net   GlobalStore
	log   *logrus.Logger
}

// NewSharedStore composes local with the network collaborator net.
func NewSharedStore(local *LocalStore, net GlobalStore, logger *logrus.Logger) *SharedStore {
	if logger == nil {
		logger = local.log
	}
	return &SharedStore{local: local, net: net, log: logger}
}

// Local returns the underlying LocalStore.
func (s *SharedStore) Local() *LocalStore {
	return s.local
}

func notFound(c cid.Cid) error {
	return fmt.Errorf("%w: %s", core.ErrBlockNotFound, c)
}

// Get returns the block from the local store only.
func (s *SharedStore) Get(c cid.Cid) (*block.Block, error) {
	b, ok := s.local.Get(c)
	if !ok {
		return nil, notFound(c)
	}
	return b, nil
}

// Fetch returns the block, asking the network on a local miss. A network hit
// is verified against c and inserted locally before it is returned.
func (s *SharedStore) Fetch(ctx context.Context, c cid.Cid) (*block.Block, error) {
	if b, ok := s.local.Get(c); ok {
		return b, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	remote, ok, err := s.net.Get(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("network get %s: %w", c, err)
	}
	if !ok {
		s.log.WithField("cid", c).Debug("block missing locally and on the network")
		return nil, notFound(c)
	}

	raw, err := remote.Encode()
	if err != nil {
		return nil, err
	}
	b, err := block.NewVerified(c, raw)
	if err != nil {
		return nil, err
	}
	// Reject malformed bytes before Insert builds a value to find links.
	if err := b.Codec().Validate(raw); err != nil {
		return nil, fmt.Errorf("network block %s: %w", c, err)
	}
	if err := s.local.Insert(b); err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{"cid": c, "bytes": len(raw)}).Debug("fetched block from network")
	return b, nil
}

// Sync makes the full reference closure of c resident. Each block is
// committed locally before its references are expanded, so an interrupted
// Sync leaves a consistent store and can simply be retried.
func (s *SharedStore) Sync(ctx context.Context, c cid.Cid) error {
	// The pin keeps the partially synced graph from being evicted underneath us.
	tmp := s.local.CreateTempPin()
	defer tmp.Close()
	s.local.TempPin(tmp, c)

	seen := map[cid.Cid]struct{}{c: {}}
	frontier := []cid.Cid{c}
	fetched := 0

	for len(frontier) > 0 {
		next := frontier[0]
		frontier = frontier[1:]

		if !s.local.Contains(next) {
			if _, err := s.Fetch(ctx, next); err != nil {
				return err
			}
			fetched++
		}

		refs, _ := s.local.Refs(next)
		for _, r := range refs {
			if _, ok := seen[r]; ok {
				continue
			}
			seen[r] = struct{}{}
			frontier = append(frontier, r)
		}
	}

	s.log.WithFields(logrus.Fields{"cid": c, "fetched": fetched, "closure": len(seen)}).Debug("synced")
	return nil
}

// Insert writes b locally and then publishes it. A local failure aborts
// before the network is touched.
func (s *SharedStore) Insert(ctx context.Context, b *block.Block) error {
	if err := s.local.Insert(b); err != nil {
		return err
	}
	if err := s.net.Insert(ctx, b); err != nil {
		c, _ := b.Cid()
		return fmt.Errorf("network insert %s: %w", c, err)
	}
	return nil
}

// Flush runs an eviction pass and flushes the collaborator when it buffers
// writes.
func (s *SharedStore) Flush(ctx context.Context) error {
	s.local.Evict()
	if f, ok := s.net.(Flusher); ok {
		return f.Flush(ctx)
	}
	return nil
}

func (s *SharedStore) Contains(c cid.Cid) bool {
	return s.local.Contains(c)
}

func (s *SharedStore) CreateTempPin() *TempPin {
	return s.local.CreateTempPin()
}

func (s *SharedStore) TempPin(tmp *TempPin, c cid.Cid) {
	s.local.TempPin(tmp, c)
}

func (s *SharedStore) Alias(name []byte, c cid.Cid) {
	s.local.Alias(name, c)
}

func (s *SharedStore) Resolve(name []byte) (cid.Cid, bool) {
	return s.local.Resolve(name)
}

func (s *SharedStore) ReverseAlias(c cid.Cid) ([]core.AliasName, bool) {
	return s.local.ReverseAlias(c)
}

func (s *SharedStore) Pinned(c cid.Cid) (bool, bool) {
	return s.local.Pinned(c)
}
