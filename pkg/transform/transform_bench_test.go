package transform

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/agenthands/dagstore/internal/testkit"
	"github.com/agenthands/dagstore/pkg/core"
)

func BenchmarkTransformZstd(b *testing.B) {
	tr, err := NewZstd(3)
	if err != nil {
		b.Fatal(err)
	}
	rng := testkit.RNG(42)

	sizes := []int{4 * 1024, 64 * 1024, 1024 * 1024}
	datasets := []struct {
		name string
		gen  func(*rand.Rand, int) []byte
	}{
		{"Random", testkit.RandomBytes},
		{"Compressible", testkit.CompressibleBytes},
	}

	for _, ds := range datasets {
		for _, size := range sizes {
			b.Run(fmt.Sprintf("%s_%d", ds.name, size), func(b *testing.B) {
				data := ds.gen(rng, size)

				b.ResetTimer()
				b.ReportAllocs()
				b.SetBytes(int64(size))

				for i := 0; i < b.N; i++ {
					encoded, _ := tr.Encode(data)
					_, _ = tr.Decode(encoded)
				}
			})
		}
	}
}

func BenchmarkTransformAlgorithms(b *testing.B) {
	data := testkit.CompressibleBytes(testkit.RNG(5), 256*1024)
	for _, name := range []string{"zstd", "lz4", "xz"} {
		tr, err := New(core.TransformConfig{Name: name})
		if err != nil {
			b.Fatal(err)
		}
		b.Run(name, func(b *testing.B) {
			b.SetBytes(int64(len(data)))
			for i := 0; i < b.N; i++ {
				if _, err := tr.Encode(data); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
