package compress

import (
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// decoders are level independent, so one pool serves every Codec.
var zstdDecoderPool sync.Pool

func getZstdDecoder() (*zstd.Decoder, error) {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder), nil
	}
	return zstd.NewReader(nil, zstd.WithDecoderConcurrency(1), zstd.WithDecoderMaxMemory(maxPayloadBytes))
}

func putZstdDecoder(dec *zstd.Decoder) {
	zstdDecoderPool.Put(dec)
}

type encoderPool struct {
	level zstd.EncoderLevel
	pool  sync.Pool
}

func (p *encoderPool) get() (*zstd.Encoder, error) {
	if v := p.pool.Get(); v != nil {
		return v.(*zstd.Encoder), nil
	}
	return zstd.NewWriter(nil, zstd.WithEncoderLevel(p.level), zstd.WithEncoderConcurrency(1))
}

func (p *encoderPool) put(enc *zstd.Encoder) {
	p.pool.Put(enc)
}

// lz4Compress returns nil when the block is incompressible.
func lz4Compress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var c lz4.Compressor
	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := c.CompressBlock(data, dst)
	if err != nil {
		return nil, err
	}
	if n == 0 || n >= len(data) {
		return nil, nil
	}
	return dst[:n], nil
}

func lz4Decompress(payload []byte, size int) ([]byte, error) {
	dst := make([]byte, size)
	n, err := lz4.UncompressBlock(payload, dst)
	if err != nil {
		return nil, err
	}
	return dst[:n], nil
}
