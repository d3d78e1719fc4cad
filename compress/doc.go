// Package compress implements the lossless embedding codec.
//
// A vector is encoded to canonical little-endian float32 bytes, byte-shuffled
// so that byte k of every element is grouped together (sign and exponent
// bytes of neighbouring floats are highly repetitive), and then compressed
// with zstd (default) or LZ4. A CRC32C over the unshuffled canonical bytes is
// carried with the payload and verified on every decode.
//
// # Envelope
//
// CompressedEmbedding.MarshalBinary produces the self-describing form that the
// store persists:
//
//	magic "EVC1" | algorithm u8 | dimension u32 | checksum u32 | payload
//
// DecodeBinary decodes that form straight out of a memory-mapped slice
// without retaining it.
//
// # Thread Safety
//
// A Codec is safe for concurrent use. Encoders and decoders are pooled.
package compress
