package compress

import (
	"encoding/binary"
	"fmt"
)

const (
	envelopeMagic      = "EVC1"
	envelopeHeaderSize = 13
)

// MarshalBinary encodes ce into its self-describing envelope.
func (ce *CompressedEmbedding) MarshalBinary() ([]byte, error) {
	if ce.Dimension < 0 || ce.Dimension > MaxDimension {
		return nil, fmt.Errorf("compress: invalid dimension %d", ce.Dimension)
	}
	out := make([]byte, envelopeHeaderSize+len(ce.Payload))
	copy(out, envelopeMagic)
	out[4] = byte(ce.Algorithm)
	binary.LittleEndian.PutUint32(out[5:], uint32(ce.Dimension))
	binary.LittleEndian.PutUint32(out[9:], ce.Checksum)
	copy(out[envelopeHeaderSize:], ce.Payload)
	return out, nil
}

// UnmarshalBinary decodes an envelope. The payload is copied.
func (ce *CompressedEmbedding) UnmarshalBinary(b []byte) error {
	view, err := parseEnvelope(b)
	if err != nil {
		return err
	}
	view.Payload = append([]byte(nil), view.Payload...)
	*ce = view
	return nil
}

// DecodeBinary decodes an envelope straight to the vector without copying the
// payload first.
func DecodeBinary(b []byte) ([]float32, error) {
	view, err := parseEnvelope(b)
	if err != nil {
		return nil, err
	}
	return DecompressBytes(view.Algorithm, view.Payload, view.Dimension, view.Checksum)
}

// Header returns the dimension and checksum recorded in an envelope.
func Header(b []byte) (dim int, checksum uint32, err error) {
	view, err := parseEnvelope(b)
	if err != nil {
		return 0, 0, err
	}
	return view.Dimension, view.Checksum, nil
}

func parseEnvelope(b []byte) (CompressedEmbedding, error) {
	if len(b) < envelopeHeaderSize {
		return CompressedEmbedding{}, fmt.Errorf("%w: envelope too short (%d bytes)", ErrDataCorruption, len(b))
	}
	if string(b[:4]) != envelopeMagic {
		return CompressedEmbedding{}, fmt.Errorf("%w: bad envelope magic", ErrDataCorruption)
	}
	algo := Algorithm(b[4])
	switch algo {
	case AlgorithmNone, AlgorithmZstd, AlgorithmLZ4:
	default:
		return CompressedEmbedding{}, fmt.Errorf("%w: unknown algorithm %d", ErrDataCorruption, b[4])
	}
	dim := binary.LittleEndian.Uint32(b[5:])
	if dim > MaxDimension {
		return CompressedEmbedding{}, fmt.Errorf("%w: invalid dimension %d", ErrDataCorruption, dim)
	}
	ce := CompressedEmbedding{
		Algorithm: algo,
		Dimension: int(dim),
		Checksum:  binary.LittleEndian.Uint32(b[9:]),
		Payload:   b[envelopeHeaderSize:],
	}
	if dim > 0 {
		ce.Ratio = float32(len(ce.Payload)) / float32(dim*4)
	}
	return ce, nil
}
