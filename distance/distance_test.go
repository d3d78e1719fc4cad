package distance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDot(t *testing.T) {
	large := make([]float32, 1023)
	for i := range large {
		large[i] = 1
	}

	tests := []struct {
		name     string
		a, b     []float32
		expected float32
	}{
		{"Simple", []float32{1, 2, 3}, []float32{4, 5, 6}, 32},
		{"Mixed", []float32{1, -1, 2}, []float32{1, 1, -2}, -4},
		{"Empty", []float32{}, []float32{}, 0},
		{"Unrolled", []float32{1, 2, 3, 4, 5}, []float32{1, 1, 1, 1, 1}, 15},
		{"Large", large, large, 1023},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, Dot(tt.a, tt.b), 1e-4)
		})
	}
}

func TestSquaredL2(t *testing.T) {
	tests := []struct {
		name     string
		a, b     []float32
		expected float32
	}{
		{"Simple", []float32{1, 2, 3}, []float32{4, 5, 6}, 27},
		{"Identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 0},
		{"Mixed", []float32{1, -1}, []float32{-1, 1}, 8},
		{"Unrolled", []float32{0, 0, 0, 0, 0}, []float32{1, 1, 1, 1, 2}, 8},
		{"Empty", []float32{}, []float32{}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, SquaredL2(tt.a, tt.b), 1e-5)
		})
	}
}

func TestCosineDistance(t *testing.T) {
	assert.InDelta(t, 0, CosineDistance([]float32{1, 0}, []float32{2, 0}), 1e-6)
	assert.InDelta(t, 1, CosineDistance([]float32{1, 0}, []float32{0, 3}), 1e-6)
	assert.InDelta(t, 2, CosineDistance([]float32{1, 0}, []float32{-1, 0}), 1e-6)
	assert.Equal(t, float32(1), CosineDistance([]float32{0, 0}, []float32{1, 0}))
}

func TestNormalize(t *testing.T) {
	v, ok := NormalizeL2Copy([]float32{3, 4})
	require.True(t, ok)
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)

	_, ok = NormalizeL2Copy([]float32{0, 0})
	assert.False(t, ok)
}

func TestProviderOrdersCloserFirst(t *testing.T) {
	q := []float32{1, 0}
	near := []float32{0.9, 0.1}
	far := []float32{-1, 0.2}

	for _, m := range []Metric{MetricL2, MetricCosine, MetricDot} {
		t.Run(m.String(), func(t *testing.T) {
			fn, err := Provider(m)
			require.NoError(t, err)
			dn, df := fn(q, near), fn(q, far)
			assert.Less(t, dn, df)
			assert.Greater(t, Similarity(m, dn), Similarity(m, df))
		})
	}

	_, err := Provider(Metric(42))
	assert.Error(t, err)
}

func TestParseMetric(t *testing.T) {
	for _, m := range []Metric{MetricL2, MetricCosine, MetricDot} {
		got, err := ParseMetric(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
	_, err := ParseMetric("hamming")
	assert.Error(t, err)
}

func BenchmarkSquaredL2_768(b *testing.B) {
	x, y := make([]float32, 768), make([]float32, 768)
	for i := range x {
		x[i], y[i] = float32(i), float32(768-i)
	}
	for b.Loop() {
		_ = SquaredL2(x, y)
	}
}
