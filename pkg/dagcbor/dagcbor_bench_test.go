package dagcbor

import (
	"fmt"
	"testing"

	"github.com/agenthands/dagstore/internal/testkit"
	"github.com/agenthands/dagstore/pkg/ipld"
)

func benchValue(n int) ipld.Ipld {
	rng := testkit.RNG(1)
	list := make(ipld.List, 0, n)
	for i := 0; i < n; i++ {
		list = append(list, ipld.Map{
			"id":      ipld.Int(int64(i)),
			"name":    ipld.String(fmt.Sprintf("entry-%d", i)),
			"payload": ipld.Bytes(testkit.RandomBytes(rng, 64)),
			"score":   ipld.Float(float64(i) / 3),
		})
	}
	return list
}

func BenchmarkCodec(b *testing.B) {
	for _, n := range []int{10, 1000} {
		v := benchValue(n)
		data := Encode(v)

		b.Run(fmt.Sprintf("Encode_%d", n), func(b *testing.B) {
			b.ReportAllocs()
			b.SetBytes(int64(len(data)))
			buf := make([]byte, 0, len(data))
			for i := 0; i < b.N; i++ {
				buf = AppendEncode(buf[:0], v)
			}
		})

		b.Run(fmt.Sprintf("Decode_%d", n), func(b *testing.B) {
			b.ReportAllocs()
			b.SetBytes(int64(len(data)))
			for i := 0; i < b.N; i++ {
				_, _ = Decode(data)
			}
		})

		b.Run(fmt.Sprintf("Validate_%d", n), func(b *testing.B) {
			b.ReportAllocs()
			b.SetBytes(int64(len(data)))
			for i := 0; i < b.N; i++ {
				_ = Validate(data)
			}
		})
	}
}
