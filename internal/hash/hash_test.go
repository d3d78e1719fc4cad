package hash

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCRC32C_StreamingMatchesOneShot(t *testing.T) {
	data := []byte("embedvault integrity check")

	h := NewCRC32C()
	_, _ = h.Write(data[:10])
	_, _ = h.Write(data[10:])

	assert.Equal(t, CRC32C(data), h.Sum32())
	assert.Equal(t, CRC32C(data), UpdateCRC32C(CRC32C(data[:10]), data[10:]))
}

func TestCRC32C_DetectsSingleBitFlip(t *testing.T) {
	data := []byte{0x00, 0x00, 0x80, 0x3f}
	flipped := []byte{0x01, 0x00, 0x80, 0x3f}
	assert.NotEqual(t, CRC32C(data), CRC32C(flipped))
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint([]byte("payload"))
	assert.Equal(t, a, Fingerprint([]byte("payload")))
	assert.NotEqual(t, a, Fingerprint([]byte("payloae")))
}
