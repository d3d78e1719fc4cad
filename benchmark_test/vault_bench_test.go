package benchmark_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/hupe1980/embedvault"
	"github.com/hupe1980/embedvault/compress"
	"github.com/hupe1980/embedvault/internal/testutil"
	"github.com/hupe1980/embedvault/store"
)

const benchDim = 128

func openBench(b *testing.B, opts ...embedvault.Option) *embedvault.Vault {
	b.Helper()
	v, err := embedvault.Open(context.Background(), b.TempDir(), append([]embedvault.Option{embedvault.WithDimension(benchDim)}, opts...)...)
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = v.Close() })
	return v
}

func BenchmarkPut_Sync(b *testing.B) {
	benchmarkPut(b, store.SyncAlways, compress.AlgorithmZstd)
}

func BenchmarkPut_NoSync(b *testing.B) {
	benchmarkPut(b, store.SyncNone, compress.AlgorithmZstd)
}

func BenchmarkPut_NoSync_LZ4(b *testing.B) {
	benchmarkPut(b, store.SyncNone, compress.AlgorithmLZ4)
}

func benchmarkPut(b *testing.B, durability store.Durability, algo compress.Algorithm) {
	b.ReportAllocs()
	v := openBench(b, embedvault.WithDurability(durability), embedvault.WithCompression(algo))
	ctx := context.Background()

	vecs := testutil.NewRNG(1).UniformVectors(1024, benchDim)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := v.Put(ctx, testutil.ID(i), vecs[i%len(vecs)], nil); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkPutBatch(b *testing.B) {
	b.ReportAllocs()
	v := openBench(b, embedvault.WithDurability(store.SyncNone))
	ctx := context.Background()

	vecs := testutil.NewRNG(1).UniformVectors(256, benchDim)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		items := make([]embedvault.Item, len(vecs))
		for j, vec := range vecs {
			items[j] = embedvault.Item{ID: fmt.Sprintf("%d-%d", i, j), Vector: vec}
		}
		if res := v.PutBatch(ctx, items); res.Err() != nil {
			b.Fatal(res.Err())
		}
	}
}

func BenchmarkSearch(b *testing.B) {
	for _, n := range []int{1_000, 10_000} {
		vecs := testutil.NewRNG(3).ClusteredVectors(n, benchDim, 32, 0.1)
		queries := testutil.NewRNG(4).UniformVectors(256, benchDim)

		for _, mode := range []string{"exact", "ivfpq", "cached"} {
			b.Run(fmt.Sprintf("%s/n=%d", mode, n), func(b *testing.B) {
				v := openBench(b,
					embedvault.WithDurability(store.SyncNone),
					embedvault.WithPartitionCount(32),
				)
				ctx := context.Background()
				items := make([]embedvault.Item, len(vecs))
				for i, vec := range vecs {
					items[i] = embedvault.Item{ID: testutil.ID(i), Vector: vec}
				}
				if res := v.PutBatch(ctx, items); res.Err() != nil {
					b.Fatal(res.Err())
				}

				var opts []embedvault.SearchOption
				switch mode {
				case "exact":
					opts = append(opts, embedvault.WithExactSearch(), embedvault.WithoutCache())
				case "ivfpq":
					if _, err := v.EnsureIndex(ctx, false); err != nil {
						b.Fatal(err)
					}
					opts = append(opts, embedvault.WithoutCache())
				case "cached":
					if _, err := v.EnsureIndex(ctx, false); err != nil {
						b.Fatal(err)
					}
				}

				b.ReportAllocs()
				b.ResetTimer()
				for i := 0; i < b.N; i++ {
					if _, err := v.Search(ctx, queries[i%len(queries)], 10, opts...); err != nil {
						b.Fatal(err)
					}
				}
			})
		}
	}
}
