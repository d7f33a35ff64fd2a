package transform

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/agenthands/dagstore/pkg/core"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz/lzma"
)

// Envelope layout: magic, version, flags, algorithm, payload.
const (
	Magic      = "DAGS"
	Version    = 1
	headerSize = len(Magic) + 3
)

const (
	FlagCompressed = 1 << 0
)

// Algorithm ids are part of the on-disk format.
const (
	AlgNone = 0
	AlgZstd = 1
	AlgLz4  = 2
	AlgXz   = 3
)

// lz4 cannot expand more than this per input byte, which bounds the
// allocation a corrupt size prefix can cause.
const lz4MaxRatio = 255

// maxXzDict caps the lzma dictionary a stored header may ask for. The
// writer uses 8 MiB.
const maxXzDict = 64 << 20

var errIncompressible = errors.New("incompressible")

// Transform turns canonical block bytes into their at-rest form and back.
// Decode must return exactly the bytes given to Encode, since the archive
// re-verifies them against the block's Cid.
type Transform interface {
	Name() string
	Encode(plain []byte) ([]byte, error)
	Decode(stored []byte) ([]byte, error)
}

// New builds the transform named in cfg. An empty name selects zstd.
func New(cfg core.TransformConfig) (Transform, error) {
	switch cfg.Name {
	case "", "zstd":
		return NewZstd(cfg.ZstdLevel)
	case "lz4":
		return NewLz4()
	case "xz":
		return NewXz()
	case "none":
		return NewNone(), nil
	default:
		return nil, fmt.Errorf("%w: unknown transform %q", core.ErrInvalidInput, cfg.Name)
	}
}

type noneTransform struct{}

// NewNone stores blocks as they are.
func NewNone() Transform {
	return noneTransform{}
}

func (noneTransform) Name() string                         { return "none" }
func (noneTransform) Encode(plain []byte) ([]byte, error)  { return plain, nil }
func (noneTransform) Decode(stored []byte) ([]byte, error) { return stored, nil }

type compressor interface {
	compress(plain []byte) ([]byte, error)
	decompress(payload []byte) ([]byte, error)
}

// envelope writes with one algorithm but reads every known one, so a store
// can change its transform without rewriting old packs.
type envelope struct {
	name string
	alg  byte
	algs map[byte]compressor
}

// NewZstd compresses blocks with zstd at the given level, 3 when zero.
func NewZstd(level int) (Transform, error) {
	return newEnvelope("zstd", AlgZstd, level)
}

// NewLz4 compresses blocks with lz4 block compression.
func NewLz4() (Transform, error) {
	return newEnvelope("lz4", AlgLz4, 0)
}

// NewXz compresses blocks with lzma. Slow, but the best ratio for cold data.
func NewXz() (Transform, error) {
	return newEnvelope("xz", AlgXz, 0)
}

func newEnvelope(name string, alg byte, zstdLevel int) (Transform, error) {
	if zstdLevel == 0 {
		zstdLevel = 3
	}
	z, err := newZstd(zstdLevel)
	if err != nil {
		return nil, err
	}
	return &envelope{
		name: name,
		alg:  alg,
		algs: map[byte]compressor{
			AlgZstd: z,
			AlgLz4:  lz4Compressor{},
			AlgXz:   xzCompressor{},
		},
	}, nil
}

func (t *envelope) Name() string { return t.name }

// Encode keeps a block uncompressed inside the envelope when compression
// does not shrink it.
func (t *envelope) Encode(plain []byte) ([]byte, error) {
	flags, alg := byte(FlagCompressed), t.alg
	payload, err := t.algs[t.alg].compress(plain)
	switch {
	case errors.Is(err, errIncompressible) || (err == nil && len(payload) >= len(plain)):
		flags, alg, payload = 0, AlgNone, plain
	case err != nil:
		return nil, err
	}

	out := make([]byte, 0, headerSize+len(payload))
	out = append(out, Magic...)
	out = append(out, Version, flags, alg)
	out = append(out, payload...)
	return out, nil
}

func (t *envelope) Decode(stored []byte) ([]byte, error) {
	if len(stored) < headerSize {
		return nil, fmt.Errorf("%w: block too small for envelope", core.ErrCorrupt)
	}
	if string(stored[:len(Magic)]) != Magic {
		return nil, fmt.Errorf("%w: invalid magic", core.ErrCorrupt)
	}
	if v := stored[len(Magic)]; v != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", core.ErrCorrupt, v)
	}

	flags := stored[len(Magic)+1]
	alg := stored[len(Magic)+2]
	payload := stored[headerSize:]

	if flags&FlagCompressed == 0 {
		if alg != AlgNone {
			return nil, fmt.Errorf("%w: algorithm %d on uncompressed payload", core.ErrCorrupt, alg)
		}
		return append([]byte(nil), payload...), nil
	}
	c, ok := t.algs[alg]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported compression algorithm %d", core.ErrCorrupt, alg)
	}
	plain, err := c.decompress(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrCorrupt, err)
	}
	return plain, nil
}

type zstdCompressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newZstd(level int) (*zstdCompressor, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd writer: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd reader: %w", err)
	}
	return &zstdCompressor{encoder: enc, decoder: dec}, nil
}

func (z *zstdCompressor) compress(plain []byte) ([]byte, error) {
	return z.encoder.EncodeAll(plain, make([]byte, 0, len(plain))), nil
}

func (z *zstdCompressor) decompress(payload []byte) ([]byte, error) {
	return z.decoder.DecodeAll(payload, nil)
}

// lz4 blocks carry no length, so the payload starts with the plain size
// as a uvarint.
type lz4Compressor struct{}

func (lz4Compressor) compress(plain []byte) ([]byte, error) {
	dst := make([]byte, binary.MaxVarintLen64+lz4.CompressBlockBound(len(plain)))
	n := binary.PutUvarint(dst, uint64(len(plain)))

	written, err := lz4.CompressBlock(plain, dst[n:], nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if written == 0 {
		return nil, errIncompressible
	}
	return dst[:n+written], nil
}

func (lz4Compressor) decompress(payload []byte) ([]byte, error) {
	size, n := binary.Uvarint(payload)
	if n <= 0 {
		return nil, errors.New("lz4: bad size prefix")
	}
	block := payload[n:]
	if size > uint64(len(block))*lz4MaxRatio {
		return nil, fmt.Errorf("lz4: size %d impossible for %d byte block", size, len(block))
	}

	dst := make([]byte, size)
	read, err := lz4.UncompressBlock(block, dst)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if uint64(read) != size {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, size)
	}
	return dst, nil
}

// xz payloads are a uvarint plain size followed by an lzma stream.
type xzCompressor struct{}

func (xzCompressor) compress(plain []byte) ([]byte, error) {
	var buf bytes.Buffer
	var prefix [binary.MaxVarintLen64]byte
	buf.Write(prefix[:binary.PutUvarint(prefix[:], uint64(len(plain)))])

	w, err := lzma.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(plain); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (xzCompressor) decompress(payload []byte) ([]byte, error) {
	size, n := binary.Uvarint(payload)
	if n <= 0 {
		return nil, errors.New("xz: bad size prefix")
	}
	stream := payload[n:]
	// lzma header: properties byte, then the dictionary size little endian.
	if len(stream) < 5 {
		return nil, errors.New("xz: truncated header")
	}
	if dict := binary.LittleEndian.Uint32(stream[1:5]); dict > maxXzDict {
		return nil, fmt.Errorf("xz: dictionary of %d bytes too large", dict)
	}
	r, err := lzma.NewReader(bytes.NewReader(stream))
	if err != nil {
		return nil, err
	}
	// Read one byte past size so an overlong stream is caught without
	// trusting size for the allocation.
	plain, err := io.ReadAll(io.LimitReader(r, int64(size)+1))
	if err != nil {
		return nil, err
	}
	if uint64(len(plain)) != size {
		return nil, fmt.Errorf("xz: got %d bytes, expected %d", len(plain), size)
	}
	return plain, nil
}
