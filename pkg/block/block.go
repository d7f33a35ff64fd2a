package block

import (
	"fmt"

	"github.com/agenthands/dagstore/pkg/cidutil"
	"github.com/agenthands/dagstore/pkg/core"
	"github.com/agenthands/dagstore/pkg/dagcbor"
	"github.com/agenthands/dagstore/pkg/ipld"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
)

// Codec is the closed set of block codecs. Values are multicodec codes.
type Codec uint64

const (
	DagCbor Codec = cid.DagCBOR
	Raw     Codec = cid.Raw
)

// CodecOf maps a multicodec code to a supported Codec.
func CodecOf(code uint64) (Codec, error) {
	switch Codec(code) {
	case DagCbor, Raw:
		return Codec(code), nil
	}
	return 0, fmt.Errorf("%w: 0x%x", core.ErrUnsupportedCodec, code)
}

func (c Codec) String() string {
	switch c {
	case DagCbor:
		return "dag-cbor"
	case Raw:
		return "raw"
	}
	return fmt.Sprintf("codec(0x%x)", uint64(c))
}

// Encode serializes v. The raw codec only carries Bytes.
func (c Codec) Encode(v ipld.Ipld) ([]byte, error) {
	switch c {
	case DagCbor:
		return dagcbor.Encode(v), nil
	case Raw:
		b, ok := v.(ipld.Bytes)
		if !ok {
			return nil, fmt.Errorf("%w: raw codec cannot encode %T", core.ErrInvalidInput, v)
		}
		return []byte(b), nil
	}
	return nil, fmt.Errorf("%w: 0x%x", core.ErrUnsupportedCodec, uint64(c))
}

// Decode parses raw into a value.
func (c Codec) Decode(raw []byte) (ipld.Ipld, error) {
	switch c {
	case DagCbor:
		return dagcbor.Decode(raw)
	case Raw:
		return ipld.Bytes(append([]byte{}, raw...)), nil
	}
	return nil, fmt.Errorf("%w: 0x%x", core.ErrUnsupportedCodec, uint64(c))
}

// Validate checks raw without building a value.
func (c Codec) Validate(raw []byte) error {
	switch c {
	case DagCbor:
		return dagcbor.Validate(raw)
	case Raw:
		return nil
	}
	return fmt.Errorf("%w: 0x%x", core.ErrUnsupportedCodec, uint64(c))
}

// Block bridges bytes, decoded value and Cid. Each conversion runs at most
// once per Block and its result, error included, is cached. A Block is not
// safe for concurrent use until all three views have been computed.
type Block struct {
	codec Codec
	hash  uint64

	cid    cid.Cid
	hasCid bool

	raw    []byte
	hasRaw bool
	encErr error

	decoded ipld.Ipld
	hasDec  bool
	decErr  error
}

// NewEncoder returns a Block that will encode v on demand.
func NewEncoder(v ipld.Ipld, codec Codec, hashCode uint64) *Block {
	return &Block{codec: codec, hash: hashCode, decoded: v, hasDec: true}
}

// NewDecoder returns a Block that will decode raw on demand.
func NewDecoder(raw []byte, codec Codec, hashCode uint64) *Block {
	return &Block{codec: codec, hash: hashCode, raw: raw, hasRaw: true}
}

// NewTrusted wraps bytes already known to hash to c, such as bytes read back
// from the local store.
func NewTrusted(c cid.Cid, raw []byte) (*Block, error) {
	codec, err := CodecOf(c.Prefix().Codec)
	if err != nil {
		return nil, err
	}
	return &Block{
		codec:  codec,
		hash:   c.Prefix().MhType,
		cid:    c,
		hasCid: true,
		raw:    raw,
		hasRaw: true,
	}, nil
}

// NewVerified wraps bytes from an untrusted source, rejecting them with
// core.ErrInvalidHash unless they hash to c.
func NewVerified(c cid.Cid, raw []byte) (*Block, error) {
	if err := cidutil.Verify(c, raw); err != nil {
		return nil, err
	}
	return NewTrusted(c, raw)
}

// FromBlockFormat converts a go-block-format block, verifying its hash.
func FromBlockFormat(blk blocks.Block) (*Block, error) {
	return NewVerified(blk.Cid(), blk.RawData())
}

// Codec returns the block's codec.
func (b *Block) Codec() Codec {
	return b.codec
}

// Decode returns the decoded value.
func (b *Block) Decode() (ipld.Ipld, error) {
	if !b.hasDec {
		b.decoded, b.decErr = b.codec.Decode(b.raw)
		b.hasDec = true
	}
	return b.decoded, b.decErr
}

// Encode returns the encoded bytes.
func (b *Block) Encode() ([]byte, error) {
	if !b.hasRaw {
		b.raw, b.encErr = b.codec.Encode(b.decoded)
		b.hasRaw = true
	}
	return b.raw, b.encErr
}

// Cid returns the content identifier, hashing the encoded bytes on first use.
func (b *Block) Cid() (cid.Cid, error) {
	if b.hasCid {
		return b.cid, nil
	}
	raw, err := b.Encode()
	if err != nil {
		return cid.Undef, err
	}
	c, err := cidutil.Sum(uint64(b.codec), b.hash, raw)
	if err != nil {
		return cid.Undef, err
	}
	b.cid, b.hasCid = c, true
	return c, nil
}

// Links returns the Cids the decoded value references.
func (b *Block) Links() ([]cid.Cid, error) {
	if b.codec == Raw {
		return nil, nil
	}
	v, err := b.Decode()
	if err != nil {
		return nil, err
	}
	return ipld.Links(v), nil
}

// BlockFormat converts to a go-block-format block.
func (b *Block) BlockFormat() (blocks.Block, error) {
	c, err := b.Cid()
	if err != nil {
		return nil, err
	}
	raw, err := b.Encode()
	if err != nil {
		return nil, err
	}
	return blocks.NewBlockWithCid(raw, c)
}
