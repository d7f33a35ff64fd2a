package ipld

import (
	"bytes"
	"fmt"
	"math"
	"math/big"
	"sort"

	"github.com/agenthands/dagstore/pkg/core"
	"github.com/ipfs/go-cid"
)

// Kind identifies which member of the data model a value is.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInteger
	KindFloat
	KindString
	KindBytes
	KindList
	KindMap
	KindLink
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInteger:
		return "integer"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	case KindLink:
		return "link"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Ipld is a value of the data model. The set of implementations is closed:
// Null, Bool, Integer, Float, String, Bytes, List, Map and Link.
type Ipld interface {
	Kind() Kind
	isIpld()
}

type (
	Null   struct{}
	Bool   bool
	Float  float64
	String string
	Bytes  []byte
	List   []Ipld
	// Map keys are unordered in memory; Keys returns them in canonical order.
	Map map[string]Ipld
)

// Link references another block by its content identifier.
type Link struct {
	Cid cid.Cid
}

// Integer covers the CBOR integer range [-2^64, 2^64-1]. The value is Mag when
// Neg is false and -1-Mag when Neg is true.
type Integer struct {
	Neg bool
	Mag uint64
}

func (Null) Kind() Kind    { return KindNull }
func (Bool) Kind() Kind    { return KindBool }
func (Integer) Kind() Kind { return KindInteger }
func (Float) Kind() Kind   { return KindFloat }
func (String) Kind() Kind  { return KindString }
func (Bytes) Kind() Kind   { return KindBytes }
func (List) Kind() Kind    { return KindList }
func (Map) Kind() Kind     { return KindMap }
func (Link) Kind() Kind    { return KindLink }

func (Null) isIpld()    {}
func (Bool) isIpld()    {}
func (Integer) isIpld() {}
func (Float) isIpld()   {}
func (String) isIpld()  {}
func (Bytes) isIpld()   {}
func (List) isIpld()    {}
func (Map) isIpld()     {}
func (Link) isIpld()    {}

// Int returns the Integer for a signed value.
func Int(v int64) Integer {
	if v < 0 {
		return Integer{Neg: true, Mag: uint64(-(v + 1))}
	}
	return Integer{Mag: uint64(v)}
}

// Uint returns the Integer for an unsigned value.
func Uint(v uint64) Integer {
	return Integer{Mag: v}
}

// Int64 narrows the value to an int64.
func (i Integer) Int64() (int64, error) {
	if i.Mag > math.MaxInt64 {
		return 0, fmt.Errorf("%w: %s does not fit in int64", core.ErrNumberOutOfRange, i)
	}
	if i.Neg {
		return -1 - int64(i.Mag), nil
	}
	return int64(i.Mag), nil
}

// Uint64 narrows the value to a uint64.
func (i Integer) Uint64() (uint64, error) {
	if i.Neg {
		return 0, fmt.Errorf("%w: %s is negative", core.ErrNumberOutOfRange, i)
	}
	return i.Mag, nil
}

// Big returns the exact value.
func (i Integer) Big() *big.Int {
	b := new(big.Int).SetUint64(i.Mag)
	if i.Neg {
		b.Neg(b)
		b.Sub(b, big.NewInt(1))
	}
	return b
}

// IntegerFromBig converts b, failing when it is outside the CBOR integer range.
func IntegerFromBig(b *big.Int) (Integer, error) {
	if b.Sign() >= 0 {
		if !b.IsUint64() {
			return Integer{}, fmt.Errorf("%w: %s", core.ErrNumberOutOfRange, b)
		}
		return Integer{Mag: b.Uint64()}, nil
	}
	// -1-b is the magnitude for negatives.
	m := new(big.Int).Neg(b)
	m.Sub(m, big.NewInt(1))
	if !m.IsUint64() {
		return Integer{}, fmt.Errorf("%w: %s", core.ErrNumberOutOfRange, b)
	}
	return Integer{Neg: true, Mag: m.Uint64()}, nil
}

func (i Integer) String() string {
	return i.Big().String()
}

// CompareKeys orders map keys the way DAG-CBOR emits them: shorter keys
// first, equal lengths bytewise.
func CompareKeys(a, b string) int {
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Keys returns the map keys in canonical order.
func (m Map) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return CompareKeys(keys[i], keys[j]) < 0 })
	return keys
}

// Equal reports whether a and b are the same value. Floats compare by bit
// pattern except that any two NaNs are equal. A nil Ipld equals Null.
func Equal(a, b Ipld) bool {
	if a == nil {
		a = Null{}
	}
	if b == nil {
		b = Null{}
	}
	if a.Kind() != b.Kind() {
		return false
	}

	switch av := a.(type) {
	case Null:
		return true
	case Bool:
		return av == b.(Bool)
	case Integer:
		return av == b.(Integer)
	case Float:
		bv := b.(Float)
		if math.IsNaN(float64(av)) || math.IsNaN(float64(bv)) {
			return math.IsNaN(float64(av)) && math.IsNaN(float64(bv))
		}
		return math.Float64bits(float64(av)) == math.Float64bits(float64(bv))
	case String:
		return av == b.(String)
	case Bytes:
		return bytes.Equal(av, b.(Bytes))
	case List:
		bv := b.(List)
		if len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case Map:
		bv := b.(Map)
		if len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			w, ok := bv[k]
			if !ok || !Equal(v, w) {
				return false
			}
		}
		return true
	case Link:
		return av.Cid.Equals(b.(Link).Cid)
	}
	return false
}

// Links returns every Cid reachable inside v without crossing block
// boundaries, depth first with map entries in canonical key order.
func Links(v Ipld) []cid.Cid {
	var out []cid.Cid
	walkLinks(v, func(c cid.Cid) { out = append(out, c) })
	return out
}

func walkLinks(v Ipld, fn func(cid.Cid)) {
	switch t := v.(type) {
	case Link:
		fn(t.Cid)
	case List:
		for _, e := range t {
			walkLinks(e, fn)
		}
	case Map:
		for _, k := range t.Keys() {
			walkLinks(t[k], fn)
		}
	}
}
