package dagcbor

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"unicode/utf8"

	"github.com/agenthands/dagstore/pkg/core"
	"github.com/agenthands/dagstore/pkg/ipld"
	"github.com/ipfs/go-cid"
	"github.com/x448/float16"
)

// MaxDepth bounds list/map/tag nesting accepted from untrusted input.
const MaxDepth = 4096

// maxPrealloc caps how many list elements are reserved up front.
const maxPrealloc = 1024

// Decode parses exactly one DAG-CBOR item from b.
func Decode(b []byte) (ipld.Ipld, error) {
	src := &sliceSource{buf: b}
	v, err := decodeValue(src, 0)
	if err != nil {
		return nil, err
	}
	if src.remaining() != 0 {
		return nil, fmt.Errorf("%w: %d bytes", core.ErrTrailingBytes, src.remaining())
	}
	return v, nil
}

// Validate checks that b holds exactly one item this codec accepts, without
// building the decoded value.
func Validate(b []byte) error {
	src := &sliceSource{buf: b}
	if err := validateValue(src, 0); err != nil {
		return err
	}
	if src.remaining() != 0 {
		return fmt.Errorf("%w: %d bytes", core.ErrTrailingBytes, src.remaining())
	}
	return nil
}

// Decoder reads successive items from a stream.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Decode reads the next item. It returns io.EOF when the stream ends cleanly
// between items.
func (d *Decoder) Decode() (ipld.Ipld, error) {
	if _, err := d.r.Peek(1); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, ioErr(err)
	}
	return decodeValue(&readerSource{r: d.r}, 0)
}

type head struct {
	major byte
	info  byte
	arg   uint64
}

func readHead(src source) (head, error) {
	ib, err := src.next()
	if err != nil {
		return head{}, err
	}
	h := head{major: ib >> 5, info: ib & 0x1f}

	var width int
	switch {
	case h.info < 24:
		h.arg = uint64(h.info)
		return h, nil
	case h.info == 24:
		width = 1
	case h.info == 25:
		width = 2
	case h.info == 26:
		width = 4
	case h.info == 27:
		width = 8
	default:
		// 28-30 are reserved, 31 is indefinite length.
		return head{}, fmt.Errorf("%w: additional info %d in major %d", core.ErrUnexpectedCode, h.info, h.major)
	}

	raw, err := src.take(width)
	if err != nil {
		return head{}, err
	}
	switch width {
	case 1:
		h.arg = uint64(raw[0])
	case 2:
		h.arg = uint64(binary.BigEndian.Uint16(raw))
	case 4:
		h.arg = uint64(binary.BigEndian.Uint32(raw))
	case 8:
		h.arg = binary.BigEndian.Uint64(raw)
	}
	return h, nil
}

func toLen(n uint64) (int, error) {
	if n > math.MaxInt {
		return 0, fmt.Errorf("%w: %d", core.ErrLengthOutOfRange, n)
	}
	return int(n), nil
}

func prealloc(src source, n int) int {
	c := min(n, maxPrealloc)
	if r := src.remaining(); r >= 0 && r < c {
		c = r
	}
	return c
}

func tooDeep(depth int) error {
	if depth >= MaxDepth {
		return fmt.Errorf("%w: nesting deeper than %d", core.ErrLengthOutOfRange, MaxDepth)
	}
	return nil
}

func decodeValue(src source, depth int) (ipld.Ipld, error) {
	h, err := readHead(src)
	if err != nil {
		return nil, err
	}

	switch h.major {
	case majorUint:
		return ipld.Integer{Mag: h.arg}, nil
	case majorNegint:
		return ipld.Integer{Neg: true, Mag: h.arg}, nil
	case majorBytes:
		n, err := toLen(h.arg)
		if err != nil {
			return nil, err
		}
		raw, err := src.take(n)
		if err != nil {
			return nil, err
		}
		return ipld.Bytes(append([]byte{}, raw...)), nil
	case majorText:
		s, err := decodeText(src, h)
		if err != nil {
			return nil, err
		}
		return ipld.String(s), nil
	case majorArray:
		if err := tooDeep(depth); err != nil {
			return nil, err
		}
		n, err := toLen(h.arg)
		if err != nil {
			return nil, err
		}
		list := make(ipld.List, 0, prealloc(src, n))
		for i := 0; i < n; i++ {
			v, err := decodeValue(src, depth+1)
			if err != nil {
				return nil, err
			}
			list = append(list, v)
		}
		return list, nil
	case majorMap:
		if err := tooDeep(depth); err != nil {
			return nil, err
		}
		n, err := toLen(h.arg)
		if err != nil {
			return nil, err
		}
		m := make(ipld.Map, prealloc(src, n))
		for i := 0; i < n; i++ {
			kh, err := readHead(src)
			if err != nil {
				return nil, err
			}
			if kh.major != majorText {
				return nil, fmt.Errorf("%w: map key has major type %d", core.ErrUnexpectedCode, kh.major)
			}
			k, err := decodeText(src, kh)
			if err != nil {
				return nil, err
			}
			v, err := decodeValue(src, depth+1)
			if err != nil {
				return nil, err
			}
			m[k] = v
		}
		return m, nil
	case majorTag:
		c, err := readLink(src, h)
		if err != nil {
			return nil, err
		}
		return ipld.Link{Cid: c}, nil
	default:
		return decodeSimple(h)
	}
}

func decodeText(src source, h head) (string, error) {
	n, err := toLen(h.arg)
	if err != nil {
		return "", err
	}
	raw, err := src.take(n)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(raw) {
		return "", core.ErrUtf8
	}
	return string(raw), nil
}

// readLink consumes the body of a tag whose head is h and returns the Cid.
func readLink(src source, h head) (cid.Cid, error) {
	if h.arg != TagCid {
		return cid.Undef, fmt.Errorf("%w: %d", core.ErrUnknownTag, h.arg)
	}
	bh, err := readHead(src)
	if err != nil {
		return cid.Undef, err
	}
	if bh.major != majorBytes {
		return cid.Undef, fmt.Errorf("%w: tag 42 wraps major type %d", core.ErrUnexpectedCode, bh.major)
	}
	n, err := toLen(bh.arg)
	if err != nil {
		return cid.Undef, err
	}
	if n == 0 {
		return cid.Undef, fmt.Errorf("%w: empty cid", core.ErrLengthOutOfRange)
	}
	raw, err := src.take(n)
	if err != nil {
		return cid.Undef, err
	}
	if raw[0] != multibaseIdentity {
		return cid.Undef, fmt.Errorf("%w: cid multibase prefix 0x%02x", core.ErrUnexpectedCode, raw[0])
	}
	c, err := cid.Cast(raw[1:])
	if err != nil {
		return cid.Undef, fmt.Errorf("%w: invalid cid: %v", core.ErrUnexpectedCode, err)
	}
	return c, nil
}

func decodeSimple(h head) (ipld.Ipld, error) {
	switch h.info {
	case simpleFalse:
		return ipld.Bool(false), nil
	case simpleTrue:
		return ipld.Bool(true), nil
	case simpleNull:
		return ipld.Null{}, nil
	case simpleF16:
		return ipld.Float(float16.Frombits(uint16(h.arg)).Float32()), nil
	case simpleF32:
		return ipld.Float(math.Float32frombits(uint32(h.arg))), nil
	case simpleF64:
		return ipld.Float(math.Float64frombits(h.arg)), nil
	}
	return nil, fmt.Errorf("%w: simple value %d", core.ErrUnexpectedCode, h.arg)
}

// validateValue walks the same grammar as decodeValue, only moving offsets.
func validateValue(src source, depth int) error {
	h, err := readHead(src)
	if err != nil {
		return err
	}

	switch h.major {
	case majorUint, majorNegint:
		return nil
	case majorBytes:
		n, err := toLen(h.arg)
		if err != nil {
			return err
		}
		return src.skip(n)
	case majorText:
		return validateText(src, h)
	case majorArray:
		if err := tooDeep(depth); err != nil {
			return err
		}
		n, err := toLen(h.arg)
		if err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			if err := validateValue(src, depth+1); err != nil {
				return err
			}
		}
		return nil
	case majorMap:
		if err := tooDeep(depth); err != nil {
			return err
		}
		n, err := toLen(h.arg)
		if err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			kh, err := readHead(src)
			if err != nil {
				return err
			}
			if kh.major != majorText {
				return fmt.Errorf("%w: map key has major type %d", core.ErrUnexpectedCode, kh.major)
			}
			if err := validateText(src, kh); err != nil {
				return err
			}
			if err := validateValue(src, depth+1); err != nil {
				return err
			}
		}
		return nil
	case majorTag:
		_, err := readLink(src, h)
		return err
	default:
		_, err := decodeSimple(h)
		return err
	}
}

func validateText(src source, h head) error {
	n, err := toLen(h.arg)
	if err != nil {
		return err
	}
	raw, err := src.take(n)
	if err != nil {
		return err
	}
	if !utf8.Valid(raw) {
		return core.ErrUtf8
	}
	return nil
}
