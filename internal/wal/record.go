package wal

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/hupe1980/embedvault/internal/hash"
)

// RecordType identifies the type of a log record.
type RecordType uint8

const (
	RecordTypeAdd      RecordType = 1
	RecordTypeUpdate   RecordType = 2
	RecordTypeDelete   RecordType = 3
	RecordTypeSnapshot RecordType = 4
	RecordTypeRollback RecordType = 5
)

func (t RecordType) valid() bool {
	return t >= RecordTypeAdd && t <= RecordTypeRollback
}

var (
	ErrInvalidCRC     = errors.New("invalid WAL record checksum")
	ErrInvalidType    = errors.New("invalid WAL record type")
	ErrRecordTooLarge = errors.New("WAL record too large")
)

const (
	// [CRC32C 4][Type 1][Seq 8][KeyLen 4][BodyLen 4]
	recordHeaderSize = 21
	maxKeyLen        = 64 << 10
	maxBodyLen       = 64 << 20
)

// Record is one framed log entry. Key and Body are opaque to the log.
type Record struct {
	Seq  uint64
	Type RecordType
	Key  string
	Body []byte
}

// Size returns the encoded size of the record.
func (r *Record) Size() int {
	return recordHeaderSize + len(r.Key) + len(r.Body)
}

// MarshalBinary encodes the record. The checksum covers every byte after it.
func (r *Record) MarshalBinary() ([]byte, error) {
	if !r.Type.valid() {
		return nil, ErrInvalidType
	}
	if len(r.Key) > maxKeyLen || len(r.Body) > maxBodyLen {
		return nil, ErrRecordTooLarge
	}
	buf := make([]byte, r.Size())
	buf[4] = byte(r.Type)
	binary.LittleEndian.PutUint64(buf[5:], r.Seq)
	binary.LittleEndian.PutUint32(buf[13:], uint32(len(r.Key)))
	binary.LittleEndian.PutUint32(buf[17:], uint32(len(r.Body)))
	copy(buf[recordHeaderSize:], r.Key)
	copy(buf[recordHeaderSize+len(r.Key):], r.Body)
	binary.LittleEndian.PutUint32(buf[0:], hash.CRC32C(buf[4:]))
	return buf, nil
}

// Decode reads one record from r and returns it with the number of bytes
// consumed. A torn record yields io.ErrUnexpectedEOF; a clean end io.EOF.
func Decode(r io.Reader) (*Record, int64, error) {
	header := make([]byte, recordHeaderSize)
	if n, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF {
			return nil, 0, io.EOF
		}
		return nil, int64(n), io.ErrUnexpectedEOF
	}

	checksum := binary.LittleEndian.Uint32(header[0:])
	recType := RecordType(header[4])
	keyLen := binary.LittleEndian.Uint32(header[13:])
	bodyLen := binary.LittleEndian.Uint32(header[17:])
	if keyLen > maxKeyLen || bodyLen > maxBodyLen {
		return nil, recordHeaderSize, ErrRecordTooLarge
	}

	rest := make([]byte, keyLen+bodyLen)
	if n, err := io.ReadFull(r, rest); err != nil {
		return nil, recordHeaderSize + int64(n), io.ErrUnexpectedEOF
	}
	size := int64(recordHeaderSize) + int64(len(rest))

	crc := hash.UpdateCRC32C(hash.CRC32C(header[4:]), rest)
	if crc != checksum {
		return nil, size, ErrInvalidCRC
	}
	if !recType.valid() {
		return nil, size, ErrInvalidType
	}

	return &Record{
		Seq:  binary.LittleEndian.Uint64(header[5:]),
		Type: recType,
		Key:  string(rest[:keyLen]),
		Body: rest[keyLen:],
	}, size, nil
}
