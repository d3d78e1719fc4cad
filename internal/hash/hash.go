package hash

import (
	stdhash "hash"
	"hash/crc32"

	"github.com/spaolacci/murmur3"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// CRC32C returns the CRC32-Castagnoli checksum of data.
func CRC32C(data []byte) uint32 {
	return crc32.Checksum(data, castagnoli)
}

// UpdateCRC32C folds data into a running checksum.
func UpdateCRC32C(crc uint32, data []byte) uint32 {
	return crc32.Update(crc, castagnoli, data)
}

// NewCRC32C returns a streaming CRC32-Castagnoli hash.
func NewCRC32C() stdhash.Hash32 {
	return crc32.New(castagnoli)
}

// Fingerprint returns a 64-bit content hash used to detect unchanged
// payloads. It is not persisted as an integrity code.
func Fingerprint(data []byte) uint64 {
	return murmur3.Sum64(data)
}
