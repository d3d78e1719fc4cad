package compress

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/hupe1980/embedvault/internal/hash"
	"github.com/klauspost/compress/zstd"
)

// Algorithm identifies the compressor applied to the shuffled bytes.
type Algorithm uint8

const (
	// AlgorithmNone stores the shuffled bytes as is.
	AlgorithmNone Algorithm = 0
	// AlgorithmZstd compresses with zstd.
	AlgorithmZstd Algorithm = 1
	// AlgorithmLZ4 compresses with LZ4 block compression.
	AlgorithmLZ4 Algorithm = 2
)

// String returns the configuration name of the algorithm.
func (a Algorithm) String() string {
	switch a {
	case AlgorithmNone:
		return "none"
	case AlgorithmZstd:
		return "zstd"
	case AlgorithmLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("algorithm(%d)", uint8(a))
	}
}

// ParseAlgorithm parses a configuration name ("zstd", "lz4", "none").
func ParseAlgorithm(s string) (Algorithm, error) {
	switch s {
	case "", "zstd":
		return AlgorithmZstd, nil
	case "lz4":
		return AlgorithmLZ4, nil
	case "none":
		return AlgorithmNone, nil
	default:
		return 0, fmt.Errorf("compress: unknown algorithm %q", s)
	}
}

const (
	shuffleWidth = 4
	// DefaultLevel is the zstd level used unless WithLevel is given.
	DefaultLevel = 10
	// MaxDimension bounds the dimension accepted from untrusted input.
	MaxDimension    = 1 << 20
	maxPayloadBytes = MaxDimension * 4
)

var (
	// ErrDataCorruption is returned when a payload cannot be decoded back into
	// the vector it claims to hold.
	ErrDataCorruption = errors.New("compress: data corruption")
	// ErrChecksumMismatch is returned when the decoded bytes do not match the
	// stored checksum. It matches ErrDataCorruption.
	ErrChecksumMismatch = fmt.Errorf("%w: checksum mismatch", ErrDataCorruption)
)

// CompressedEmbedding is the compressed form of one vector.
type CompressedEmbedding struct {
	Payload   []byte
	Dimension int
	// Ratio is compressed size over original size, 0 for an empty vector.
	Ratio float32
	// Checksum is the CRC32C of the canonical unshuffled bytes.
	Checksum  uint32
	Algorithm Algorithm
}

// Stats are cumulative counters of a Codec.
type Stats struct {
	Vectors  uint64
	BytesIn  uint64
	BytesOut uint64
	// AvgRatio is BytesOut over BytesIn.
	AvgRatio float64
}

// Option configures a Codec.
type Option func(*Codec)

// WithAlgorithm selects the compressor. Default: AlgorithmZstd.
func WithAlgorithm(a Algorithm) Option {
	return func(c *Codec) { c.algo = a }
}

// WithLevel sets the zstd compression level (1-22). Default: 10.
func WithLevel(level int) Option {
	return func(c *Codec) { c.level = level }
}

// Codec compresses and decompresses embeddings.
type Codec struct {
	algo  Algorithm
	level int
	enc   *encoderPool

	vectors  atomic.Uint64
	bytesIn  atomic.Uint64
	bytesOut atomic.Uint64
}

// New creates a Codec.
func New(opts ...Option) (*Codec, error) {
	c := &Codec{algo: AlgorithmZstd, level: DefaultLevel}
	for _, opt := range opts {
		opt(c)
	}
	switch c.algo {
	case AlgorithmNone, AlgorithmZstd, AlgorithmLZ4:
	default:
		return nil, fmt.Errorf("compress: unsupported algorithm %s", c.algo)
	}
	if c.level < 1 || c.level > 22 {
		return nil, fmt.Errorf("compress: invalid zstd level %d", c.level)
	}
	c.enc = &encoderPool{level: zstd.EncoderLevelFromZstd(c.level)}
	return c, nil
}

// Algorithm returns the configured compressor.
func (c *Codec) Algorithm() Algorithm { return c.algo }

// Compress encodes v losslessly.
func (c *Codec) Compress(v []float32) (*CompressedEmbedding, error) {
	if len(v) > MaxDimension {
		return nil, fmt.Errorf("compress: dimension %d exceeds %d", len(v), MaxDimension)
	}
	raw := EncodeFloats(v)
	ce := &CompressedEmbedding{
		Dimension: len(v),
		Checksum:  hash.CRC32C(raw),
		Algorithm: c.algo,
	}
	shuffled := Shuffle(raw, shuffleWidth)

	switch c.algo {
	case AlgorithmZstd:
		enc, err := c.enc.get()
		if err != nil {
			return nil, err
		}
		ce.Payload = enc.EncodeAll(shuffled, make([]byte, 0, len(shuffled)/2+16))
		c.enc.put(enc)
	case AlgorithmLZ4:
		out, err := lz4Compress(shuffled)
		if err != nil {
			return nil, err
		}
		if out == nil {
			ce.Algorithm = AlgorithmNone
			out = shuffled
		}
		ce.Payload = out
	default:
		ce.Payload = shuffled
	}

	if len(raw) > 0 {
		ce.Ratio = float32(len(ce.Payload)) / float32(len(raw))
	}

	c.vectors.Add(1)
	c.bytesIn.Add(uint64(len(raw)))
	c.bytesOut.Add(uint64(len(ce.Payload)))
	return ce, nil
}

// CompressBatch compresses every vector in vs.
func (c *Codec) CompressBatch(vs [][]float32) ([]*CompressedEmbedding, error) {
	out := make([]*CompressedEmbedding, len(vs))
	for i, v := range vs {
		ce, err := c.Compress(v)
		if err != nil {
			return nil, fmt.Errorf("compress: vector %d: %w", i, err)
		}
		out[i] = ce
	}
	return out, nil
}

// Decompress restores the vector held by ce.
func (c *Codec) Decompress(ce *CompressedEmbedding) ([]float32, error) {
	if ce == nil {
		return nil, fmt.Errorf("%w: nil embedding", ErrDataCorruption)
	}
	return DecompressBytes(ce.Algorithm, ce.Payload, ce.Dimension, ce.Checksum)
}

// Verify reports whether ce decodes cleanly and matches its checksum.
func (c *Codec) Verify(ce *CompressedEmbedding) error {
	_, err := c.Decompress(ce)
	return err
}

// Stats returns cumulative counters.
func (c *Codec) Stats() Stats {
	s := Stats{
		Vectors:  c.vectors.Load(),
		BytesIn:  c.bytesIn.Load(),
		BytesOut: c.bytesOut.Load(),
	}
	if s.BytesIn > 0 {
		s.AvgRatio = float64(s.BytesOut) / float64(s.BytesIn)
	}
	return s
}

// DecompressBytes decodes payload without retaining it, so payload may point
// into a memory mapping.
func DecompressBytes(algo Algorithm, payload []byte, dim int, checksum uint32) ([]float32, error) {
	if dim < 0 || dim > MaxDimension {
		return nil, fmt.Errorf("%w: invalid dimension %d", ErrDataCorruption, dim)
	}
	size := dim * 4

	var shuffled []byte
	switch algo {
	case AlgorithmNone:
		shuffled = payload
	case AlgorithmZstd:
		dec, err := getZstdDecoder()
		if err != nil {
			return nil, err
		}
		shuffled, err = dec.DecodeAll(payload, make([]byte, 0, size))
		putZstdDecoder(dec)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDataCorruption, err)
		}
	case AlgorithmLZ4:
		if size == 0 {
			shuffled = nil
			break
		}
		var err error
		shuffled, err = lz4Decompress(payload, size)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDataCorruption, err)
		}
	default:
		return nil, fmt.Errorf("%w: unknown algorithm %d", ErrDataCorruption, uint8(algo))
	}

	if len(shuffled) != size {
		return nil, fmt.Errorf("%w: decoded %d bytes, want %d", ErrDataCorruption, len(shuffled), size)
	}

	raw := Unshuffle(shuffled, shuffleWidth)
	if hash.CRC32C(raw) != checksum {
		return nil, ErrChecksumMismatch
	}
	return DecodeFloats(raw)
}
