package store

import (
	"runtime"
	"sync/atomic"

	"github.com/ipfs/go-cid"
)

// pinEntry is shared by every handle cloned from one CreateTempPin call.
type pinEntry struct {
	store   *LocalStore
	id      uint64
	handles atomic.Int32
}

func (e *pinEntry) release() {
	if e.handles.Add(-1) == 0 {
		e.store.dropTempPin(e.id)
	}
}

// pinHandle is the per-handle state a runtime cleanup can reach without
// keeping the TempPin itself alive.
type pinHandle struct {
	entry  *pinEntry
	closed atomic.Bool
}

func (h *pinHandle) close() {
	if h.closed.CompareAndSwap(false, true) {
		h.entry.release()
	}
}

// TempPin is an ephemeral root. Blocks pinned through it survive eviction
// until the last handle sharing its entry is closed. Handles that are
// dropped without Close are released when the garbage collector reclaims
// them, but callers should always defer Close.
type TempPin struct {
	h *pinHandle
}

func newTempPin(entry *pinEntry) *TempPin {
	entry.handles.Add(1)
	h := &pinHandle{entry: entry}
	tp := &TempPin{h: h}
	runtime.AddCleanup(tp, func(h *pinHandle) { h.close() }, h)
	return tp
}

// Clone returns another handle on the same pin.
func (t *TempPin) Clone() *TempPin {
	return newTempPin(t.h.entry)
}

// Close releases this handle. It is safe to call more than once.
func (t *TempPin) Close() error {
	t.h.close()
	return nil
}

// CreateTempPin allocates a new, empty temporary pin.
func (s *LocalStore) CreateTempPin() *TempPin {
	s.mu.Lock()
	s.nextPin++
	id := s.nextPin
	s.tempPins[id] = nil
	s.mu.Unlock()

	return newTempPin(&pinEntry{store: s, id: id})
}

// TempPin adds c to the set protected by tmp. Pinning through a closed
// handle is a no-op.
func (s *LocalStore) TempPin(tmp *TempPin, c cid.Cid) {
	if tmp.h.closed.Load() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ids, ok := s.tempPins[tmp.h.entry.id]
	if !ok {
		return
	}
	s.tempPins[tmp.h.entry.id] = append(ids, s.lookup(c))
}

func (s *LocalStore) dropTempPin(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tempPins, id)
}
