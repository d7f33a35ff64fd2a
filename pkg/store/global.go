package store

import (
	"context"
	"sync"

	"github.com/agenthands/dagstore/pkg/block"
	"github.com/ipfs/go-cid"
)

// GlobalStore is the network collaborator. It is best effort: Get may miss
// blocks that were inserted, and operations carry no ordering guarantee.
// Retry policy, if any, belongs to the implementation.
type GlobalStore interface {
	Get(ctx context.Context, c cid.Cid) (*block.Block, bool, error)
	Insert(ctx context.Context, b *block.Block) error
}

// Flusher is implemented by collaborators that buffer writes.
type Flusher interface {
	Flush(ctx context.Context) error
}

// MemGlobal is an in-process GlobalStore keyed by Cid.
type MemGlobal struct {
	mu     sync.RWMutex
	blocks map[cid.Cid][]byte
}

// NewMemGlobal returns an empty MemGlobal.
func NewMemGlobal() *MemGlobal {
	return &MemGlobal{blocks: make(map[cid.Cid][]byte)}
}

func (m *MemGlobal) Get(ctx context.Context, c cid.Cid) (*block.Block, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	m.mu.RLock()
	raw, ok := m.blocks[c]
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	b, err := block.NewTrusted(c, raw)
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (m *MemGlobal) Insert(ctx context.Context, b *block.Block) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c, err := b.Cid()
	if err != nil {
		return err
	}
	raw, err := b.Encode()
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.blocks[c] = raw
	m.mu.Unlock()
	return nil
}

// Put stores raw under c without checking that it hashes to c, which lets
// tests stand in for a dishonest peer.
func (m *MemGlobal) Put(c cid.Cid, raw []byte) {
	m.mu.Lock()
	m.blocks[c] = raw
	m.mu.Unlock()
}

// Len returns the number of blocks held.
func (m *MemGlobal) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blocks)
}
