package dagcbor

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/agenthands/dagstore/pkg/core"
	"github.com/agenthands/dagstore/pkg/ipld"
)

// CBOR major types.
const (
	majorUint   byte = 0
	majorNegint byte = 1
	majorBytes  byte = 2
	majorText   byte = 3
	majorArray  byte = 4
	majorMap    byte = 5
	majorTag    byte = 6
	majorSimple byte = 7
)

// Additional-info values of major type 7.
const (
	simpleFalse byte = 20
	simpleTrue  byte = 21
	simpleNull  byte = 22
	simpleF16   byte = 25
	simpleF32   byte = 26
	simpleF64   byte = 27
)

// TagCid is the CBOR tag that wraps a link.
const TagCid = 42

// multibaseIdentity prefixes the Cid bytes inside a tag 42 byte string.
const multibaseIdentity = 0x00

// Encode returns the canonical DAG-CBOR encoding of v. A nil value encodes
// as null.
func Encode(v ipld.Ipld) []byte {
	return AppendEncode(nil, v)
}

// AppendEncode appends the canonical encoding of v to dst.
func AppendEncode(dst []byte, v ipld.Ipld) []byte {
	switch t := v.(type) {
	case nil, ipld.Null:
		return append(dst, majorSimple<<5|simpleNull)
	case ipld.Bool:
		if t {
			return append(dst, majorSimple<<5|simpleTrue)
		}
		return append(dst, majorSimple<<5|simpleFalse)
	case ipld.Integer:
		if t.Neg {
			return appendHead(dst, majorNegint, t.Mag)
		}
		return appendHead(dst, majorUint, t.Mag)
	case ipld.Float:
		return appendFloat(dst, float64(t))
	case ipld.String:
		dst = appendHead(dst, majorText, uint64(len(t)))
		return append(dst, t...)
	case ipld.Bytes:
		dst = appendHead(dst, majorBytes, uint64(len(t)))
		return append(dst, t...)
	case ipld.List:
		dst = appendHead(dst, majorArray, uint64(len(t)))
		for _, e := range t {
			dst = AppendEncode(dst, e)
		}
		return dst
	case ipld.Map:
		dst = appendHead(dst, majorMap, uint64(len(t)))
		for _, k := range t.Keys() {
			dst = appendHead(dst, majorText, uint64(len(k)))
			dst = append(dst, k...)
			dst = AppendEncode(dst, t[k])
		}
		return dst
	case ipld.Link:
		raw := t.Cid.Bytes()
		dst = appendHead(dst, majorTag, TagCid)
		dst = appendHead(dst, majorBytes, uint64(len(raw)+1))
		dst = append(dst, multibaseIdentity)
		return append(dst, raw...)
	}
	panic(fmt.Sprintf("dagcbor: unknown ipld type %T", v))
}

// appendHead writes the initial byte and argument using the narrowest width
// that holds n.
func appendHead(dst []byte, major byte, n uint64) []byte {
	m := major << 5
	switch {
	case n < 24:
		return append(dst, m|byte(n))
	case n <= math.MaxUint8:
		return append(dst, m|24, byte(n))
	case n <= math.MaxUint16:
		dst = append(dst, m|25)
		return binary.BigEndian.AppendUint16(dst, uint16(n))
	case n <= math.MaxUint32:
		dst = append(dst, m|26)
		return binary.BigEndian.AppendUint32(dst, uint32(n))
	default:
		dst = append(dst, m|27)
		return binary.BigEndian.AppendUint64(dst, n)
	}
}

// appendFloat emits a float32 whenever it represents f exactly; NaN and the
// infinities are always emitted as float32.
func appendFloat(dst []byte, f float64) []byte {
	if math.IsNaN(f) || math.IsInf(f, 0) || float64(float32(f)) == f {
		dst = append(dst, majorSimple<<5|simpleF32)
		return binary.BigEndian.AppendUint32(dst, math.Float32bits(float32(f)))
	}
	dst = append(dst, majorSimple<<5|simpleF64)
	return binary.BigEndian.AppendUint64(dst, math.Float64bits(f))
}

// Encoder writes canonical DAG-CBOR items to a stream.
type Encoder struct {
	w   io.Writer
	buf []byte
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes one item.
func (e *Encoder) Encode(v ipld.Ipld) error {
	e.buf = AppendEncode(e.buf[:0], v)
	if _, err := e.w.Write(e.buf); err != nil {
		return fmt.Errorf("%w: %v", core.ErrIo, err)
	}
	return nil
}
