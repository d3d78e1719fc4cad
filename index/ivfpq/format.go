package ivfpq

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/embedvault/compress"
	"github.com/hupe1980/embedvault/distance"
	"github.com/hupe1980/embedvault/internal/fs"
	"github.com/hupe1980/embedvault/internal/hash"
	"github.com/hupe1980/embedvault/internal/mmap"
)

const (
	artifactMagic   = "EVIV"
	artifactVersion = 1
	headerSize      = 4 + 7*4
	trailerSize     = 4
)

// ErrCorruptArtifact is returned when an artifact fails validation.
var ErrCorruptArtifact = errors.New("ivfpq: corrupt artifact")

type header struct {
	Version uint32
	Metric  uint32
	Dim     uint32
	NList   uint32
	M       uint32
	KSub    uint32
	Rows    uint32
}

func writeArtifact(fsys fs.FileSystem, path string, ix *Index) error {
	f, err := fsys.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if err := encodeArtifact(f, ix); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func encodeArtifact(w io.Writer, ix *Index) error {
	crc := hash.NewCRC32C()
	bw := bufio.NewWriterSize(io.MultiWriter(w, crc), 1<<16)

	h := header{
		Version: artifactVersion,
		Metric:  uint32(ix.metric),
		Dim:     uint32(ix.dim),
		NList:   uint32(ix.nlist),
		M:       uint32(ix.pq.m),
		KSub:    uint32(ix.pq.ksub),
		Rows:    uint32(len(ix.ids)),
	}
	if _, err := bw.WriteString(artifactMagic); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, h); err != nil {
		return err
	}
	if _, err := bw.Write(compress.EncodeFloats(ix.centroids)); err != nil {
		return err
	}
	if _, err := bw.Write(compress.EncodeFloats(ix.pq.codebooks)); err != nil {
		return err
	}
	if _, err := bw.Write(ix.codes); err != nil {
		return err
	}

	var lenBuf [4]byte
	var pbuf bytes.Buffer
	for _, p := range ix.postings {
		pbuf.Reset()
		if _, err := p.WriteTo(&pbuf); err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(pbuf.Len()))
		if _, err := bw.Write(lenBuf[:]); err != nil {
			return err
		}
		if _, err := bw.Write(pbuf.Bytes()); err != nil {
			return err
		}
	}
	for _, id := range ix.ids {
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(id)))
		if _, err := bw.Write(lenBuf[:]); err != nil {
			return err
		}
		if _, err := bw.WriteString(id); err != nil {
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		return err
	}

	binary.LittleEndian.PutUint32(lenBuf[:], crc.Sum32())
	_, err := w.Write(lenBuf[:])
	return err
}

// cursor walks the mapped artifact.
type cursor struct {
	b   []byte
	off int
}

func (c *cursor) next(n int) ([]byte, error) {
	if n < 0 || c.off+n > len(c.b) {
		return nil, fmt.Errorf("%w: truncated at offset %d", ErrCorruptArtifact, c.off)
	}
	s := c.b[c.off : c.off+n]
	c.off += n
	return s, nil
}

func (c *cursor) uint32() (uint32, error) {
	s, err := c.next(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(s), nil
}

func (c *cursor) floats(n int) ([]float32, error) {
	s, err := c.next(n * 4)
	if err != nil {
		return nil, err
	}
	return compress.DecodeFloats(s)
}

func openArtifact(path string) (*Index, error) {
	m, err := mmap.Open(path)
	if err != nil {
		return nil, err
	}
	ix, err := parseArtifact(m)
	if err != nil {
		_ = m.Close()
		return nil, err
	}
	return ix, nil
}

func parseArtifact(m *mmap.Mapping) (*Index, error) {
	b := m.Bytes()
	if len(b) < headerSize+trailerSize || string(b[:4]) != artifactMagic {
		return nil, fmt.Errorf("%w: bad header", ErrCorruptArtifact)
	}
	body := b[:len(b)-trailerSize]
	if hash.CRC32C(body) != binary.LittleEndian.Uint32(b[len(body):]) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptArtifact)
	}

	var h header
	if err := binary.Read(bytes.NewReader(body[4:headerSize]), binary.LittleEndian, &h); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptArtifact, err)
	}
	if h.Version != artifactVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptArtifact, h.Version)
	}
	if h.M == 0 || h.Dim%h.M != 0 || h.KSub > 256 {
		return nil, fmt.Errorf("%w: bad geometry", ErrCorruptArtifact)
	}

	dim, nlist, msub, ksub, rows := int(h.Dim), int(h.NList), int(h.M), int(h.KSub), int(h.Rows)
	c := &cursor{b: body, off: headerSize}

	ix := &Index{
		metric:  distance.Metric(h.Metric),
		dim:     dim,
		nlist:   nlist,
		mapping: m,
		pq:      &productQuantizer{dim: dim, m: msub, subDim: dim / msub, ksub: ksub},
	}

	var err error
	if ix.centroids, err = c.floats(nlist * dim); err != nil {
		return nil, err
	}
	if ix.pq.codebooks, err = c.floats(msub * ksub * (dim / msub)); err != nil {
		return nil, err
	}

	if ix.codesRegion, err = m.Region(c.off, rows*msub); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptArtifact, err)
	}
	if _, err = c.next(rows * msub); err != nil {
		return nil, err
	}
	ix.codes = ix.codesRegion.Bytes()

	ix.postings = make([]*roaring.Bitmap, nlist)
	for p := range ix.postings {
		n, err := c.uint32()
		if err != nil {
			return nil, err
		}
		raw, err := c.next(int(n))
		if err != nil {
			return nil, err
		}
		bm := roaring.New()
		if _, err := bm.ReadFrom(bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("%w: posting %d: %w", ErrCorruptArtifact, p, err)
		}
		ix.postings[p] = bm
	}

	ix.ids = make([]string, rows)
	for i := range ix.ids {
		n, err := c.uint32()
		if err != nil {
			return nil, err
		}
		raw, err := c.next(int(n))
		if err != nil {
			return nil, err
		}
		ix.ids[i] = string(raw)
	}
	if c.off != len(body) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorruptArtifact, len(body)-c.off)
	}
	return ix, nil
}
