package compress

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomVector(rng *rand.Rand, dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = rng.Float32()*2 - 1
	}
	return v
}

func TestCodec_RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for _, algo := range []Algorithm{AlgorithmZstd, AlgorithmLZ4, AlgorithmNone} {
		t.Run(algo.String(), func(t *testing.T) {
			c, err := New(WithAlgorithm(algo))
			require.NoError(t, err)

			for _, dim := range []int{0, 1, 3, 128, 768} {
				v := randomVector(rng, dim)
				ce, err := c.Compress(v)
				require.NoError(t, err)
				assert.Equal(t, dim, ce.Dimension)

				got, err := c.Decompress(ce)
				require.NoError(t, err)
				assert.Len(t, got, dim)
				for i := range v {
					assert.Equal(t, math.Float32bits(v[i]), math.Float32bits(got[i]))
				}
			}
		})
	}
}

func TestCodec_SpecialValuesAreBitExact(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	v := []float32{
		0, float32(math.Copysign(0, -1)),
		float32(math.Inf(1)), float32(math.Inf(-1)),
		math.Float32frombits(0x7fc00001), // NaN with payload
		math.SmallestNonzeroFloat32, math.MaxFloat32,
	}
	ce, err := c.Compress(v)
	require.NoError(t, err)

	got, err := c.Decompress(ce)
	require.NoError(t, err)
	for i := range v {
		assert.Equal(t, math.Float32bits(v[i]), math.Float32bits(got[i]), "index %d", i)
	}
}

func TestCodec_EmptyVector(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	ce, err := c.Compress(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, ce.Dimension)
	assert.Zero(t, ce.Ratio)

	got, err := c.Decompress(ce)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCodec_RepetitiveDataCompresses(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	v := make([]float32, 1024)
	for i := range v {
		v[i] = 0.5
	}
	ce, err := c.Compress(v)
	require.NoError(t, err)
	assert.Less(t, ce.Ratio, float32(0.1))
}

func TestCodec_DetectsCorruption(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	ce, err := c.Compress(randomVector(rand.New(rand.NewSource(1)), 64))
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(ce *CompressedEmbedding)
	}{
		{"checksum", func(ce *CompressedEmbedding) { ce.Checksum ^= 1 }},
		{"dimension", func(ce *CompressedEmbedding) { ce.Dimension++ }},
		{"negative dimension", func(ce *CompressedEmbedding) { ce.Dimension = -1 }},
		{"truncated payload", func(ce *CompressedEmbedding) { ce.Payload = ce.Payload[:len(ce.Payload)/2] }},
		{"garbage payload", func(ce *CompressedEmbedding) { ce.Payload = []byte{1, 2, 3, 4, 5} }},
		{"unknown algorithm", func(ce *CompressedEmbedding) { ce.Algorithm = 9 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bad := *ce
			bad.Payload = append([]byte(nil), ce.Payload...)
			tt.mutate(&bad)

			_, err := c.Decompress(&bad)
			assert.ErrorIs(t, err, ErrDataCorruption)
			assert.ErrorIs(t, c.Verify(&bad), ErrDataCorruption)
		})
	}

	assert.NoError(t, c.Verify(ce))
}

func TestCodec_ChecksumOverUnshuffledBytes(t *testing.T) {
	c, err := New(WithAlgorithm(AlgorithmNone))
	require.NoError(t, err)

	v := []float32{1, 2, 3}
	ce, err := c.Compress(v)
	require.NoError(t, err)

	bad := *ce
	bad.Checksum = ce.Checksum + 1
	_, err = c.Decompress(&bad)
	assert.ErrorIs(t, err, ErrChecksumMismatch)

	assert.Equal(t, Shuffle(EncodeFloats(v), 4), ce.Payload)
}

func TestNew_InvalidOptions(t *testing.T) {
	_, err := New(WithLevel(0))
	assert.Error(t, err)

	_, err = New(WithAlgorithm(Algorithm(7)))
	assert.Error(t, err)
}

func TestParseAlgorithm(t *testing.T) {
	for _, s := range []string{"zstd", "lz4", "none"} {
		a, err := ParseAlgorithm(s)
		require.NoError(t, err)
		assert.Equal(t, s, a.String())
	}
	_, err := ParseAlgorithm("brotli")
	assert.Error(t, err)
}

func TestCodec_Stats(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	_, err = c.CompressBatch([][]float32{{1, 2}, {3, 4, 5}})
	require.NoError(t, err)

	s := c.Stats()
	assert.Equal(t, uint64(2), s.Vectors)
	assert.Equal(t, uint64(20), s.BytesIn)
	assert.Positive(t, s.BytesOut)
	assert.Positive(t, s.AvgRatio)
}

func TestShuffle_Inverse(t *testing.T) {
	b := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9}
	s := Shuffle(b, 4)
	assert.Equal(t, []byte{1, 5, 2, 6, 3, 7, 4, 8, 9}, s)
	assert.Equal(t, b, Unshuffle(s, 4))
}

func TestDecodeFloats_OddLength(t *testing.T) {
	_, err := DecodeFloats([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrDataCorruption)
}

func BenchmarkCodec_Compress768(b *testing.B) {
	c, _ := New()
	v := randomVector(rand.New(rand.NewSource(7)), 768)
	for b.Loop() {
		_, _ = c.Compress(v)
	}
}

func BenchmarkCodec_Decompress768(b *testing.B) {
	c, _ := New()
	ce, _ := c.Compress(randomVector(rand.New(rand.NewSource(7)), 768))
	for b.Loop() {
		_, _ = c.Decompress(ce)
	}
}
