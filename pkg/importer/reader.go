package importer

import (
	"context"
	"fmt"
	"io"

	"github.com/agenthands/dagstore/pkg/block"
	"github.com/agenthands/dagstore/pkg/core"
	"github.com/agenthands/dagstore/pkg/ipld"
	"github.com/agenthands/dagstore/pkg/manifest"
)

// Reader streams an imported file chunk by chunk.
type Reader struct {
	ctx context.Context
	st  Store
	m   *manifest.Manifest

	idx int
	cur []byte
}

// Manifest returns the manifest the reader follows.
func (r *Reader) Manifest() *manifest.Manifest {
	return r.m
}

func (r *Reader) Read(p []byte) (int, error) {
	for len(r.cur) == 0 {
		if r.idx >= len(r.m.Chunks) {
			return 0, io.EOF
		}
		data, err := r.load(r.m.Chunks[r.idx])
		if err != nil {
			return 0, err
		}
		r.cur = data
		r.idx++
	}

	n := copy(p, r.cur)
	r.cur = r.cur[n:]
	return n, nil
}

func (r *Reader) load(ref manifest.ChunkRef) ([]byte, error) {
	b, err := r.st.Fetch(r.ctx, ref.Cid)
	if err != nil {
		return nil, fmt.Errorf("chunk %d: %w", r.idx, err)
	}
	if b.Codec() != block.Raw {
		return nil, fmt.Errorf("%w: chunk %s is %s", core.ErrCorrupt, ref.Cid, b.Codec())
	}
	v, err := b.Decode()
	if err != nil {
		return nil, err
	}
	data := v.(ipld.Bytes)
	if len(data) != int(ref.Len) {
		return nil, fmt.Errorf("%w: chunk %s is %d bytes, manifest says %d", core.ErrCorrupt, ref.Cid, len(data), ref.Len)
	}
	return data, nil
}

func (r *Reader) Close() error {
	r.cur = nil
	r.idx = len(r.m.Chunks)
	return nil
}
