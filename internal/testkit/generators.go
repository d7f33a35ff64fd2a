package testkit

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/agenthands/dagstore/pkg/ipld"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// RNG provides a deterministic random number generator.
// If seed is 0, it uses the current time.
func RNG(seed int64) *rand.Rand {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return rand.New(rand.NewSource(seed))
}

// RandomBytes generates a slice of random bytes of the given length.
func RandomBytes(r *rand.Rand, length int) []byte {
	b := make([]byte, length)
	for i := range b {
		b[i] = byte(r.Intn(256))
	}
	return b
}

// CompressibleBytes generates a slice of highly compressible bytes of the given length.
func CompressibleBytes(r *rand.Rand, length int) []byte {
	b := make([]byte, length)
	pattern := []byte("highly compressible repeating pattern ")
	pLen := len(pattern)
	for i := 0; i < length; i++ {
		b[i] = pattern[i%pLen]
	}

	for i := 0; i < length/1024; i++ {
		b[r.Intn(length)] = byte(r.Intn(256))
	}

	return b
}

// RandomCid returns a dag-cbor CIDv1 over random bytes.
func RandomCid(r *rand.Rand) cid.Cid {
	mh, err := multihash.Sum(RandomBytes(r, 32), multihash.SHA2_256, -1)
	if err != nil {
		panic(fmt.Sprintf("testkit: sha2-256 unavailable: %v", err))
	}
	return cid.NewCidV1(cid.DagCBOR, mh)
}

// RandomIpld builds a random value nested at most depth levels. Floats are
// never NaN so the value compares equal to itself under ipld.Equal and ==.
func RandomIpld(r *rand.Rand, depth int) ipld.Ipld {
	kinds := 9
	if depth <= 0 {
		kinds = 6 // scalars only
	}

	switch r.Intn(kinds) {
	case 0:
		return ipld.Null{}
	case 1:
		return ipld.Bool(r.Intn(2) == 1)
	case 2:
		return randomInteger(r)
	case 3:
		if r.Intn(2) == 0 {
			return ipld.Float(float32(r.NormFloat64()))
		}
		return ipld.Float(r.NormFloat64() * 1e10)
	case 4:
		return ipld.String(randomText(r, r.Intn(40)))
	case 5:
		return ipld.Bytes(RandomBytes(r, r.Intn(300)))
	case 6:
		n := r.Intn(5)
		list := make(ipld.List, 0, n)
		for i := 0; i < n; i++ {
			list = append(list, RandomIpld(r, depth-1))
		}
		return list
	case 7:
		n := r.Intn(5)
		m := make(ipld.Map, n)
		for i := 0; i < n; i++ {
			m[randomText(r, r.Intn(12))] = RandomIpld(r, depth-1)
		}
		return m
	default:
		return ipld.Link{Cid: RandomCid(r)}
	}
}

func randomInteger(r *rand.Rand) ipld.Integer {
	// Spread magnitudes over every head width.
	widths := []uint64{24, 1 << 8, 1 << 16, 1 << 32}
	var mag uint64
	if w := r.Intn(len(widths) + 1); w < len(widths) {
		mag = uint64(r.Int63n(int64(widths[w])))
	} else {
		mag = r.Uint64()
	}
	return ipld.Integer{Neg: r.Intn(2) == 1, Mag: mag}
}

var textRunes = []rune("abcdefghijklmnopqrstuvwxyz0123456789-_ éßλ中")

func randomText(r *rand.Rand, n int) string {
	out := make([]rune, n)
	for i := range out {
		out[i] = textRunes[r.Intn(len(textRunes))]
	}
	return string(out)
}
