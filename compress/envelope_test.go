package compress

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelope_RoundTrip(t *testing.T) {
	c, err := New(WithAlgorithm(AlgorithmLZ4))
	require.NoError(t, err)

	v := []float32{0.25, -1.5, 3, 3, 3, 3}
	ce, err := c.Compress(v)
	require.NoError(t, err)

	b, err := ce.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, "EVC1", string(b[:4]))

	var back CompressedEmbedding
	require.NoError(t, back.UnmarshalBinary(b))
	assert.Equal(t, ce.Algorithm, back.Algorithm)
	assert.Equal(t, ce.Dimension, back.Dimension)
	assert.Equal(t, ce.Checksum, back.Checksum)
	assert.Equal(t, ce.Payload, back.Payload)

	// The unmarshalled payload must not alias the input.
	b[envelopeHeaderSize] ^= 0xff
	got, err := c.Decompress(&back)
	require.NoError(t, err)
	assert.Equal(t, v, got)

	dim, sum, err := Header(b)
	require.NoError(t, err)
	assert.Equal(t, 6, dim)
	assert.Equal(t, ce.Checksum, sum)
}

func TestDecodeBinary(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	ce, err := c.Compress([]float32{9, 8, 7})
	require.NoError(t, err)
	b, err := ce.MarshalBinary()
	require.NoError(t, err)

	got, err := DecodeBinary(b)
	require.NoError(t, err)
	assert.Equal(t, []float32{9, 8, 7}, got)
}

func TestEnvelope_Malformed(t *testing.T) {
	tests := []struct {
		name string
		b    []byte
	}{
		{"empty", nil},
		{"short", []byte("EVC1")},
		{"magic", []byte("XXXX\x01\x00\x00\x00\x00\x00\x00\x00\x00")},
		{"algorithm", []byte("EVC1\x09\x00\x00\x00\x00\x00\x00\x00\x00")},
		{"dimension", []byte("EVC1\x01\xff\xff\xff\xff\x00\x00\x00\x00")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ce CompressedEmbedding
			assert.ErrorIs(t, ce.UnmarshalBinary(tt.b), ErrDataCorruption)
			_, err := DecodeBinary(tt.b)
			assert.ErrorIs(t, err, ErrDataCorruption)
		})
	}
}
