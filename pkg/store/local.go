package store

import (
	"bytes"
	"container/list"
	"sync"

	"github.com/agenthands/dagstore/pkg/block"
	"github.com/agenthands/dagstore/pkg/core"
	"github.com/ipfs/go-cid"
	"github.com/sirupsen/logrus"
)

// Stats summarizes the LocalStore tables.
type Stats struct {
	Known    int // ids with a Cid mapping
	Resident int // ids with data
	Aliases  int
	TempPins int
	Clock    uint64
	Capacity int
}

type atimeEntry struct {
	id    core.Id
	clock uint64
}

// LocalStore tracks which blocks are resident, their reference graph,
// recency and roots. All tables are keyed by dense ids; a single mutex
// guards every operation and is never held across I/O.
type LocalStore struct {
	mu       sync.Mutex
	log      *logrus.Logger
	capacity int

	ids  map[cid.Cid]core.Id
	cids []cid.Cid // indexed by id

	data map[core.Id][]byte
	refs map[core.Id][]core.Id

	// atime holds each resident id's position in recency; recency is
	// ordered oldest first so the front is the least recently used id.
	clock    uint64
	atime    map[core.Id]*list.Element
	recency  *list.List
	aliases  map[string]core.Id
	tempPins map[uint64][]core.Id
	nextPin  uint64
}

// NewLocalStore returns an empty store. A capacity of zero disables eviction.
func NewLocalStore(cfg core.StoreConfig, logger *logrus.Logger) *LocalStore {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	return &LocalStore{
		log:      logger,
		capacity: cfg.Capacity,
		ids:      make(map[cid.Cid]core.Id),
		data:     make(map[core.Id][]byte),
		refs:     make(map[core.Id][]core.Id),
		atime:    make(map[core.Id]*list.Element),
		recency:  list.New(),
		aliases:  make(map[string]core.Id),
		tempPins: make(map[uint64][]core.Id),
	}
}

// Lookup returns the id for c, allocating one on first use.
func (s *LocalStore) Lookup(c cid.Cid) core.Id {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookup(c)
}

func (s *LocalStore) lookup(c cid.Cid) core.Id {
	if id, ok := s.ids[c]; ok {
		return id
	}
	id := core.Id(len(s.cids))
	s.cids = append(s.cids, c)
	s.ids[c] = id
	return id
}

// touch records a recency hit for a resident id.
func (s *LocalStore) touch(id core.Id) {
	s.clock++
	if e, ok := s.atime[id]; ok {
		e.Value = atimeEntry{id: id, clock: s.clock}
		s.recency.MoveToBack(e)
		return
	}
	s.atime[id] = s.recency.PushBack(atimeEntry{id: id, clock: s.clock})
}

// Contains reports whether the block's data is resident.
func (s *LocalStore) Contains(c cid.Cid) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.ids[c]
	if !ok {
		return false
	}
	_, ok = s.data[id]
	return ok
}

// Get returns the resident block for c and records a recency hit. A local
// miss returns false.
func (s *LocalStore) Get(c cid.Cid) (*block.Block, bool) {
	s.mu.Lock()
	id, ok := s.ids[c]
	var raw []byte
	if ok {
		raw, ok = s.data[id]
	}
	if ok {
		s.touch(id)
	}
	s.mu.Unlock()

	if !ok {
		return nil, false
	}
	b, err := block.NewTrusted(c, raw)
	if err != nil {
		return nil, false
	}
	return b, true
}

// Insert stores a copy of b's bytes and records its outgoing links. The
// block is decoded before any table is touched, so a codec error leaves the
// store unchanged.
func (s *LocalStore) Insert(b *block.Block) error {
	c, err := b.Cid()
	if err != nil {
		return err
	}
	raw, err := b.Encode()
	if err != nil {
		return err
	}
	links, err := b.Links()
	if err != nil {
		return err
	}
	raw = bytes.Clone(raw)

	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.lookup(c)
	refs := make([]core.Id, 0, len(links))
	for _, l := range links {
		refs = append(refs, s.lookup(l))
	}
	s.data[id] = raw
	s.refs[id] = refs
	s.touch(id)
	return nil
}

// Refs returns the Cids recorded for c at insert time, or false when c is
// not resident.
func (s *LocalStore) Refs(c cid.Cid) ([]cid.Cid, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.ids[c]
	if !ok {
		return nil, false
	}
	if _, ok := s.data[id]; !ok {
		return nil, false
	}
	out := make([]cid.Cid, 0, len(s.refs[id]))
	for _, r := range s.refs[id] {
		out = append(out, s.cids[r])
	}
	return out, true
}

// Alias sets the named root to c. Passing cid.Undef removes it.
func (s *LocalStore) Alias(name []byte, c cid.Cid) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !c.Defined() {
		delete(s.aliases, string(name))
		return
	}
	s.aliases[string(name)] = s.lookup(c)
}

// Resolve returns the Cid a named root points at.
func (s *LocalStore) Resolve(name []byte) (cid.Cid, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.aliases[string(name)]
	if !ok {
		return cid.Undef, false
	}
	return s.cids[id], true
}

// ReverseAlias returns the aliases whose closure contains c. It returns
// false when c is not resident; an empty result means resident but unpinned.
func (s *LocalStore) ReverseAlias(c cid.Cid) ([]core.AliasName, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reverseAlias(c)
}

func (s *LocalStore) reverseAlias(c cid.Cid) ([]core.AliasName, bool) {
	id, ok := s.ids[c]
	if !ok {
		return nil, false
	}
	if _, ok := s.data[id]; !ok {
		return nil, false
	}

	names := []core.AliasName{}
	for name, root := range s.aliases {
		if _, ok := s.closure([]core.Id{root})[id]; ok {
			names = append(names, core.AliasName(name))
		}
	}
	return names, true
}

// Pinned reports whether any alias keeps c alive. The second result is
// false when c is not resident.
func (s *LocalStore) Pinned(c cid.Cid) (bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	names, ok := s.reverseAlias(c)
	if !ok {
		return false, false
	}
	return len(names) > 0, true
}

// Protected reports whether c is in the closure of the current roots,
// temporary pins included, and so cannot be evicted.
func (s *LocalStore) Protected(c cid.Cid) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.ids[c]
	if !ok {
		return false
	}
	_, live := s.closure(s.rootIds())[id]
	return live
}

// Roots returns every alias target and every id held by a live temp pin.
func (s *LocalStore) Roots() map[core.Id]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[core.Id]struct{})
	for _, id := range s.rootIds() {
		out[id] = struct{}{}
	}
	return out
}

// RootCids returns the Cids of every alias target and temp-pinned block.
func (s *LocalStore) RootCids() []cid.Cid {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[core.Id]struct{})
	out := []cid.Cid{}
	for _, id := range s.rootIds() {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, s.cids[id])
	}
	return out
}

func (s *LocalStore) rootIds() []core.Id {
	roots := make([]core.Id, 0, len(s.aliases))
	for _, id := range s.aliases {
		roots = append(roots, id)
	}
	for _, ids := range s.tempPins {
		roots = append(roots, ids...)
	}
	return roots
}

// Closure returns every id reachable from roots over recorded references.
func (s *LocalStore) Closure(roots map[core.Id]struct{}) map[core.Id]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]core.Id, 0, len(roots))
	for id := range roots {
		ids = append(ids, id)
	}
	return s.closure(ids)
}

// closure is the mark phase. The visited set also guards against cycles,
// which honest content hashing cannot produce but corrupt input can.
func (s *LocalStore) closure(roots []core.Id) map[core.Id]struct{} {
	live := make(map[core.Id]struct{}, len(roots))
	stack := append([]core.Id(nil), roots...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, seen := live[id]; seen {
			continue
		}
		live[id] = struct{}{}
		for _, r := range s.refs[id] {
			if _, seen := live[r]; !seen {
				stack = append(stack, r)
			}
		}
	}
	return live
}

// Evict is the sweep phase. While more blocks are resident than the
// capacity allows it removes the least recently used block outside the
// live closure. It stops early when every remaining block is live, and
// returns how many blocks it removed.
func (s *LocalStore) Evict() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.capacity <= 0 || len(s.data) <= s.capacity {
		return 0
	}

	live := s.closure(s.rootIds())
	evicted := 0
	for e := s.recency.Front(); e != nil && len(s.data) > s.capacity; {
		next := e.Next()
		id := e.Value.(atimeEntry).id
		if _, ok := live[id]; !ok {
			s.purge(id)
			evicted++
		}
		e = next
	}

	s.log.WithFields(logrus.Fields{
		"evicted":  evicted,
		"live":     len(live),
		"resident": len(s.data),
		"capacity": s.capacity,
	}).Info("evicted blocks")
	return evicted
}

func (s *LocalStore) purge(id core.Id) {
	delete(s.data, id)
	delete(s.refs, id)
	if e, ok := s.atime[id]; ok {
		s.recency.Remove(e)
		delete(s.atime, id)
	}
}

// Stats returns table sizes.
func (s *LocalStore) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Known:    len(s.cids),
		Resident: len(s.data),
		Aliases:  len(s.aliases),
		TempPins: len(s.tempPins),
		Clock:    s.clock,
		Capacity: s.capacity,
	}
}
