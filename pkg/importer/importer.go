// Package importer turns byte streams into DAGs: raw leaf blocks cut by
// FastCDC under a dag-cbor manifest root, and reads them back.
package importer

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/agenthands/dagstore/pkg/block"
	"github.com/agenthands/dagstore/pkg/core"
	"github.com/agenthands/dagstore/pkg/ipld"
	"github.com/agenthands/dagstore/pkg/manifest"
	"github.com/agenthands/dagstore/pkg/store"
	"github.com/ipfs/go-cid"
	"github.com/sirupsen/logrus"
)

// Store is the block surface an import writes through and reads from.
// store.SharedStore satisfies it.
type Store interface {
	Contains(c cid.Cid) bool
	Fetch(ctx context.Context, c cid.Cid) (*block.Block, error)
	Insert(ctx context.Context, b *block.Block) error
	TempPin(tmp *store.TempPin, c cid.Cid)
}

// PutMeta is the optional metadata recorded in the manifest.
type PutMeta struct {
	MediaType string
	Tags      map[string]string
}

// Ref describes an imported file.
type Ref struct {
	Root   cid.Cid
	Length uint64
	Chunks int
	// Deduped counts chunks that were already resident.
	Deduped int
}

type Importer struct {
	st       Store
	split    *splitter
	codec    manifest.Codec
	hashCode uint64
	limits   core.LimitsConfig
	log      *logrus.Logger
}

// New returns an Importer writing through st with the chunking, hashing and
// limits of cfg.
func New(st Store, cfg core.Config) *Importer {
	cfg = cfg.WithDefaults()
	return &Importer{
		st:       st,
		split:    newSplitter(cfg.Chunking),
		codec:    manifest.NewCodec(cfg.Limits),
		hashCode: cfg.Store.HashCode,
		limits:   cfg.Limits,
		log:      cfg.Logger,
	}
}

// Put imports r. Every block is pinned to tmp before it is inserted, so the
// whole DAG stays protected until the caller roots it and closes tmp.
func (im *Importer) Put(ctx context.Context, tmp *store.TempPin, r io.Reader, meta PutMeta) (Ref, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	chunks, errs := im.split.split(ctx, r)

	var ref Ref
	var refs []manifest.ChunkRef
	var failed error

	// Drain every chunk even after a failure so no pooled buffer is lost.
	for ch := range chunks {
		if failed != nil {
			im.split.release(ch.buf)
			continue
		}
		if limit := im.limits.MaxChunksPerObject; limit > 0 && uint32(len(refs)) >= limit {
			failed = fmt.Errorf("%w: more than %d chunks", core.ErrTooLarge, limit)
			im.split.release(ch.buf)
			cancel()
			continue
		}

		c, dup, err := im.putChunk(ctx, tmp, ch.data())
		n := ch.n
		im.split.release(ch.buf)
		if err != nil {
			failed = err
			cancel()
			continue
		}

		refs = append(refs, manifest.ChunkRef{Cid: c, Len: uint32(n)})
		ref.Length += uint64(n)
		if dup {
			ref.Deduped++
		}
	}
	if failed != nil {
		return Ref{}, failed
	}
	if err := <-errs; err != nil {
		return Ref{}, fmt.Errorf("split: %w", err)
	}

	m := &manifest.Manifest{
		Version:   manifest.Version,
		MediaType: meta.MediaType,
		Length:    ref.Length,
		Chunks:    refs,
		Tags:      meta.Tags,
	}
	v, err := im.codec.Encode(m)
	if err != nil {
		return Ref{}, err
	}
	root := block.NewEncoder(v, block.DagCbor, im.hashCode)
	rc, err := root.Cid()
	if err != nil {
		return Ref{}, err
	}
	im.st.TempPin(tmp, rc)
	if err := im.st.Insert(ctx, root); err != nil {
		return Ref{}, fmt.Errorf("insert manifest: %w", err)
	}

	ref.Root = rc
	ref.Chunks = len(refs)
	im.log.WithFields(logrus.Fields{
		"root":    rc,
		"length":  ref.Length,
		"chunks":  ref.Chunks,
		"deduped": ref.Deduped,
	}).Debug("imported")
	return ref, nil
}

func (im *Importer) putChunk(ctx context.Context, tmp *store.TempPin, data []byte) (cid.Cid, bool, error) {
	leaf := block.NewEncoder(ipld.Bytes(bytes.Clone(data)), block.Raw, im.hashCode)
	c, err := leaf.Cid()
	if err != nil {
		return cid.Undef, false, err
	}
	im.st.TempPin(tmp, c)
	// A resident chunk may have lost its archive copy to compaction, so it
	// is inserted again. The network side skips what it already holds.
	dup := im.st.Contains(c)
	if err := im.st.Insert(ctx, leaf); err != nil {
		return cid.Undef, false, fmt.Errorf("insert chunk %s: %w", c, err)
	}
	return c, dup, nil
}

// Stat loads and validates the manifest at root.
func (im *Importer) Stat(ctx context.Context, root cid.Cid) (*manifest.Manifest, error) {
	b, err := im.st.Fetch(ctx, root)
	if err != nil {
		return nil, err
	}
	if b.Codec() != block.DagCbor {
		return nil, fmt.Errorf("%w: %s is %s, not a manifest", core.ErrInvalidInput, root, b.Codec())
	}
	v, err := b.Decode()
	if err != nil {
		return nil, err
	}
	return im.codec.Decode(v)
}

// Open returns a reader over the file at root. Chunks are fetched lazily,
// so a missing chunk surfaces from Read.
func (im *Importer) Open(ctx context.Context, root cid.Cid) (*Reader, error) {
	m, err := im.Stat(ctx, root)
	if err != nil {
		return nil, err
	}
	return &Reader{ctx: ctx, st: im.st, m: m}, nil
}
