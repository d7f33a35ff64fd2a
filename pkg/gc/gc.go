package gc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agenthands/dagstore/pkg/archive"
	"github.com/agenthands/dagstore/pkg/block"
	"github.com/agenthands/dagstore/pkg/core"
	"github.com/agenthands/dagstore/pkg/store"
	"github.com/ipfs/go-cid"
	"github.com/sirupsen/logrus"
)

// Result contains statistics from a GC run.
type Result struct {
	Evicted  int // blocks evicted from the local store
	Resident int // blocks resident afterwards
	Live     int // blocks reachable from the roots, archived ones included

	archive.CompactResult
}

// Runner drives eviction, and archive compaction when an archive is
// attached, either on demand or on a ticker.
type Runner interface {
	RunOnce(ctx context.Context) (Result, error)
	Start(ctx context.Context)
	Stop()
}

// Compactor is the durable tier a Runner compacts. Blocks evicted locally
// are read back through Get during the mark phase. Blocks inserted between
// BeginMark and Compact must survive the Compact.
type Compactor interface {
	BeginMark()
	Get(ctx context.Context, c cid.Cid) (*block.Block, bool, error)
	Compact(ctx context.Context, live map[cid.Cid]struct{}) (archive.CompactResult, error)
}

type runner struct {
	cfg   core.GCConfig
	local *store.LocalStore
	arc   Compactor
	log   *logrus.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

// NewRunner creates a GC runner over local. arc may be nil, in which case
// runs only evict.
func NewRunner(cfg core.GCConfig, local *store.LocalStore, arc Compactor, logger *logrus.Logger) Runner {
	if cfg.RunEvery == 0 {
		cfg.RunEvery = time.Minute
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	return &runner{cfg: cfg, local: local, arc: arc, log: logger}
}

func (r *runner) RunOnce(ctx context.Context) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runLocked(ctx)
}

func (r *runner) runLocked(ctx context.Context) (Result, error) {
	var res Result

	res.Evicted = r.local.Evict()
	res.Resident = r.local.Stats().Resident

	if r.arc == nil {
		return res, nil
	}

	r.arc.BeginMark()
	live, err := r.mark(ctx)
	if err != nil {
		return res, fmt.Errorf("mark phase failed: %w", err)
	}
	res.Live = len(live)

	compacted, err := r.arc.Compact(ctx, live)
	if err != nil {
		return res, fmt.Errorf("compaction failed: %w", err)
	}
	res.CompactResult = compacted

	r.log.WithFields(logrus.Fields{
		"evicted":  res.Evicted,
		"resident": res.Resident,
		"live":     res.Live,
		"swept":    res.PacksSwept,
	}).Info("gc run complete")
	return res, nil
}

// mark walks the closure of the current roots. References of resident
// blocks come from the local store; evicted blocks are read back from the
// archive. A block found in neither place has nothing to keep. Any read
// error aborts the run so that a partial live set never reaches Compact.
func (r *runner) mark(ctx context.Context) (map[cid.Cid]struct{}, error) {
	live := make(map[cid.Cid]struct{})
	stack := r.local.RootCids()

	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := live[c]; ok {
			continue
		}
		live[c] = struct{}{}

		refs, ok := r.local.Refs(c)
		if !ok {
			b, found, err := r.arc.Get(ctx, c)
			if err != nil {
				return nil, err
			}
			if !found {
				continue
			}
			if refs, err = b.Links(); err != nil {
				return nil, fmt.Errorf("links of %s: %w", c, err)
			}
		}
		for _, ref := range refs {
			if _, ok := live[ref]; !ok {
				stack = append(stack, ref)
			}
		}
	}
	return live, nil
}

func (r *runner) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running || !r.cfg.Enabled {
		r.mu.Unlock()
		return
	}
	r.running = true
	stopCh, done := make(chan struct{}), make(chan struct{})
	r.stopCh, r.done = stopCh, done
	r.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(r.cfg.RunEvery)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				if _, err := r.RunOnce(ctx); err != nil {
					r.log.WithError(err).Warn("gc run failed")
				}
			}
		}
	}()
}

// Stop halts the ticker and waits for an in-flight run to finish.
func (r *runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	done := r.done
	r.mu.Unlock()

	<-done
}
