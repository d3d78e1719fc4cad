package versionlog

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/hupe1980/embedvault/codec"
)

// updateBody: [u32 envelope length][envelope][metadata JSON]
func encodeUpdateBody(envelope []byte, meta map[string]string) ([]byte, error) {
	var metaBytes []byte
	if len(meta) > 0 {
		b, err := codec.Default.Marshal(meta)
		if err != nil {
			return nil, fmt.Errorf("%w: metadata: %w", codec.ErrSerialization, err)
		}
		metaBytes = b
	}
	out := make([]byte, 4+len(envelope)+len(metaBytes))
	binary.LittleEndian.PutUint32(out, uint32(len(envelope)))
	copy(out[4:], envelope)
	copy(out[4+len(envelope):], metaBytes)
	return out, nil
}

func decodeUpdateBody(body []byte) (envelope []byte, meta map[string]string, err error) {
	if len(body) < 4 {
		return nil, nil, fmt.Errorf("%w: update record too short", codec.ErrSerialization)
	}
	n := binary.LittleEndian.Uint32(body)
	if uint64(n) > uint64(len(body)-4) {
		return nil, nil, fmt.Errorf("%w: envelope length %d exceeds record", codec.ErrSerialization, n)
	}
	envelope = body[4 : 4+n]
	if rest := body[4+n:]; len(rest) > 0 {
		if err := codec.Decode(codec.Default, rest, &meta); err != nil {
			return nil, nil, err
		}
	}
	return envelope, meta, nil
}

// snapshotBody: [u64 version][i64 unix nanos]
func encodeSnapshotBody(version uint64, createdAt time.Time) []byte {
	out := make([]byte, 16)
	binary.LittleEndian.PutUint64(out, version)
	binary.LittleEndian.PutUint64(out[8:], uint64(createdAt.UnixNano()))
	return out
}

func decodeSnapshotBody(body []byte) (uint64, time.Time, error) {
	if len(body) != 16 {
		return 0, time.Time{}, fmt.Errorf("%w: snapshot record has %d bytes", codec.ErrSerialization, len(body))
	}
	version := binary.LittleEndian.Uint64(body)
	nanos := int64(binary.LittleEndian.Uint64(body[8:]))
	return version, time.Unix(0, nanos).UTC(), nil
}

// rollbackBody: [u64 target version][roaring64 mask]
func encodeRollbackBody(version uint64, mask *roaring64.Bitmap) ([]byte, error) {
	var buf bytes.Buffer
	var hdr [8]byte
	binary.LittleEndian.PutUint64(hdr[:], version)
	buf.Write(hdr[:])
	mask.RunOptimize()
	if _, err := mask.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("%w: rollback mask: %w", codec.ErrSerialization, err)
	}
	return buf.Bytes(), nil
}

func decodeRollbackBody(body []byte) (uint64, *roaring64.Bitmap, error) {
	if len(body) < 8 {
		return 0, nil, fmt.Errorf("%w: rollback record too short", codec.ErrSerialization)
	}
	mask := roaring64.New()
	if _, err := mask.ReadFrom(bytes.NewReader(body[8:])); err != nil {
		return 0, nil, fmt.Errorf("%w: rollback mask: %w", codec.ErrSerialization, err)
	}
	return binary.LittleEndian.Uint64(body), mask, nil
}
