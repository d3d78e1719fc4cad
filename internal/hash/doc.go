// Package hash provides the checksums used for data integrity.
//
// Every integrity code persisted by embedvault (compressed embedding checksums,
// update-log record frames, index artifacts) is CRC32-Castagnoli. Go's
// hash/crc32 uses SSE4.2 / ARM CRC instructions for this polynomial when the
// CPU supports them.
//
// For one-shot checksums:
//
//	sum := hash.CRC32C(data)
//
// For streaming checksums:
//
//	h := hash.NewCRC32C()
//	h.Write(chunk1)
//	h.Write(chunk2)
//	sum := h.Sum32()
//
// Fingerprint is a murmur3 content hash. It only detects unchanged payloads
// in memory and is never written to disk.
package hash
