package compress

import (
	"encoding/binary"
	"fmt"
	"math"
)

// EncodeFloats returns the canonical little-endian encoding of v.
func EncodeFloats(v []float32) []byte {
	out := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

// DecodeFloats decodes canonical little-endian bytes into float32 values.
func DecodeFloats(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of 4", ErrDataCorruption, len(b))
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out, nil
}

// Shuffle regroups b so that byte k of every width-sized element is stored
// contiguously. Trailing bytes that do not form a whole element are copied
// through unchanged.
func Shuffle(b []byte, width int) []byte {
	out := make([]byte, len(b))
	if width <= 1 {
		copy(out, b)
		return out
	}
	n := len(b) / width
	for i := 0; i < n; i++ {
		for k := 0; k < width; k++ {
			out[k*n+i] = b[i*width+k]
		}
	}
	copy(out[n*width:], b[n*width:])
	return out
}

// Unshuffle is the inverse of Shuffle.
func Unshuffle(b []byte, width int) []byte {
	out := make([]byte, len(b))
	if width <= 1 {
		copy(out, b)
		return out
	}
	n := len(b) / width
	for i := 0; i < n; i++ {
		for k := 0; k < width; k++ {
			out[i*width+k] = b[k*n+i]
		}
	}
	copy(out[n*width:], b[n*width:])
	return out
}
