package importer

import (
	"context"
	"fmt"
	"io"
	"math/bits"
	"sync"

	"github.com/agenthands/dagstore/pkg/core"
	boxochunker "github.com/ipfs/boxo/chunker"
	"github.com/jotfs/fastcdc-go"
	"github.com/restic/chunker"
)

// rabinPol is fixed so that the same bytes always cut the same way and
// dedupe across imports.
const rabinPol = chunker.Pol(0x3DA3358B4DC173)

// chunk is one piece of the input. buf belongs to the splitter's pool and
// must be handed back through release.
type chunk struct {
	buf []byte
	n   int
}

func (c chunk) data() []byte {
	return c.buf[:c.n]
}

// cutter yields successive pieces of a stream. The returned slice is only
// valid until the next call.
type cutter interface {
	next() ([]byte, error)
}

type fastcdcCutter struct {
	c *fastcdc.Chunker
}

func (f fastcdcCutter) next() ([]byte, error) {
	ch, err := f.c.Next()
	return ch.Data, err
}

type rabinCutter struct {
	c   *chunker.Chunker
	buf []byte
}

func (r *rabinCutter) next() ([]byte, error) {
	ch, err := r.c.Next(r.buf)
	if err != nil {
		return nil, err
	}
	r.buf = ch.Data
	return ch.Data, nil
}

type boxoCutter struct {
	s boxochunker.Splitter
}

func (b boxoCutter) next() ([]byte, error) {
	return b.s.NextBytes()
}

func newCutter(cfg core.ChunkingConfig, r io.Reader) (cutter, error) {
	switch cfg.Algorithm {
	case "", "fastcdc":
		c, err := fastcdc.NewChunker(r, fastcdc.Options{
			MinSize:     cfg.Min,
			AverageSize: cfg.Avg,
			MaxSize:     cfg.Max,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", core.ErrInvalidInput, err)
		}
		return fastcdcCutter{c: c}, nil
	case "rabin":
		if cfg.Min <= 0 || cfg.Min > cfg.Avg || cfg.Avg > cfg.Max {
			return nil, fmt.Errorf("%w: rabin needs 0 < min <= avg <= max, got %d/%d/%d", core.ErrInvalidInput, cfg.Min, cfg.Avg, cfg.Max)
		}
		c := chunker.NewWithBoundaries(r, rabinPol, uint(cfg.Min), uint(cfg.Max))
		c.SetAverageBits(bits.Len(uint(cfg.Avg)) - 1)
		return &rabinCutter{c: c, buf: make([]byte, cfg.Max)}, nil
	case "buzhash":
		return boxoCutter{s: boxochunker.NewBuzhash(r)}, nil
	case "fixed":
		if cfg.Avg <= 0 {
			return nil, fmt.Errorf("%w: fixed chunking needs avg > 0", core.ErrInvalidInput)
		}
		return boxoCutter{s: boxochunker.NewSizeSplitter(r, int64(cfg.Avg))}, nil
	default:
		return nil, fmt.Errorf("%w: unknown chunking algorithm %q", core.ErrInvalidInput, cfg.Algorithm)
	}
}

// splitter cuts a stream into chunks. Content-defined algorithms make an
// edit change only the chunks around it.
type splitter struct {
	cfg  core.ChunkingConfig
	pool sync.Pool
}

func newSplitter(cfg core.ChunkingConfig) *splitter {
	return &splitter{
		cfg: cfg,
		pool: sync.Pool{
			New: func() any {
				return make([]byte, 0, cfg.Max)
			},
		},
	}
}

// split streams chunks of r until EOF. The error channel yields at most one
// error and is closed after the chunk channel. Cancelling ctx stops the
// producer even when nobody drains the chunks.
func (s *splitter) split(ctx context.Context, r io.Reader) (<-chan chunk, <-chan error) {
	chunks := make(chan chunk, 1)
	errs := make(chan error, 1)

	go func() {
		defer close(errs)
		defer close(chunks)

		cut, err := newCutter(s.cfg, r)
		if err != nil {
			errs <- err
			return
		}

		for {
			if err := ctx.Err(); err != nil {
				errs <- err
				return
			}
			next, err := cut.next()
			if err != nil {
				if err != io.EOF {
					errs <- err
				}
				return
			}
			if len(next) == 0 {
				continue
			}

			// Cutters reuse their buffer on the next call. Buzhash may
			// exceed cfg.Max, in which case append grows the buffer.
			buf := append(s.pool.Get().([]byte)[:0], next...)

			select {
			case <-ctx.Done():
				s.release(buf)
				errs <- ctx.Err()
				return
			case chunks <- chunk{buf: buf, n: len(buf)}:
			}
		}
	}()

	return chunks, errs
}

func (s *splitter) release(buf []byte) {
	s.pool.Put(buf[:0])
}
