package benchmark

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/objsync/internal/objfile"
	"github.com/TheMichaelB/objsync/test/testutil"
)

var sizes = []int{1024, 64 * 1024, 1024 * 1024}

func BenchmarkObjectFileWrite(b *testing.B) {
	for _, size := range sizes {
		b.Run(fmt.Sprintf("%dB", size), func(b *testing.B) {
			cache := testutil.NewCache(b)
			segs := bytes.Repeat([]byte("s"), size)
			header := []byte(`{"kind":"bench"}`)

			b.SetBytes(int64(size))
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				sink, err := cache.Blobs.Create(fmt.Sprintf("bench/%d.local", i))
				require.NoError(b, err)
				require.NoError(b, objfile.WriteStart(sink, nil, header, segs))
				require.NoError(b, sink.Close())
			}
		})
	}
}

func BenchmarkObjectFileReadSegs(b *testing.B) {
	for _, size := range sizes {
		b.Run(fmt.Sprintf("%dB", size), func(b *testing.B) {
			cache := testutil.NewCache(b)
			file := testutil.EncodeFile(b, "h", string(bytes.Repeat([]byte("s"), size)))
			require.NoError(b, cache.Blobs.WriteFile("bench/1.", file))

			b.SetBytes(int64(size))
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				r, err := objfile.Open(cache.Blobs, "bench/1.")
				require.NoError(b, err)
				_, err = r.ReadSegs(0, int64(size))
				require.NoError(b, err)
				r.Close()
			}
		})
	}
}
