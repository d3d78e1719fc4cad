package wal

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/embedvault/internal/fs"
)

func sampleRecords() []*Record {
	return []*Record{
		{Seq: 1, Type: RecordTypeAdd, Key: "doc_1", Body: []byte("payload-1")},
		{Seq: 2, Type: RecordTypeUpdate, Key: "doc_1", Body: []byte("payload-2")},
		{Seq: 3, Type: RecordTypeDelete, Key: "doc_1"},
		{Seq: 3, Type: RecordTypeSnapshot, Body: []byte{1, 0, 0, 0}},
	}
}

// appendRecord appends rec and waits for it the way the update log does.
func appendRecord(w *WAL, rec *Record) (int64, error) {
	start, end, err := w.AppendAsync(rec)
	if err != nil {
		return 0, err
	}
	return start, w.WaitFor(end)
}

func TestWAL_AppendReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "updates.wal")

	w, err := Open(nil, path, DefaultOptions())
	require.NoError(t, err)

	var offsets []int64
	for _, r := range sampleRecords() {
		off, err := appendRecord(w, r)
		require.NoError(t, err)
		offsets = append(offsets, off)
	}
	require.NoError(t, w.Close())

	w, err = Open(nil, path, DefaultOptions())
	require.NoError(t, err)
	defer w.Close()
	assert.Zero(t, w.Truncated())

	var got []*Record
	var gotOffsets []int64
	require.NoError(t, w.Replay(func(rec *Record, off int64) error {
		got = append(got, rec)
		gotOffsets = append(gotOffsets, off)
		return nil
	}))

	want := sampleRecords()
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].Seq, got[i].Seq)
		assert.Equal(t, want[i].Type, got[i].Type)
		assert.Equal(t, want[i].Key, got[i].Key)
		assert.Equal(t, len(want[i].Body), len(got[i].Body))
	}
	assert.Equal(t, offsets, gotOffsets)

	rec, err := w.ReadAt(offsets[1])
	require.NoError(t, err)
	assert.Equal(t, []byte("payload-2"), rec.Body)
}

func TestWAL_TornTailIsTruncated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "updates.wal")

	w, err := Open(nil, path, Options{Durability: DurabilityAsync})
	require.NoError(t, err)
	_, err = appendRecord(w, &Record{Seq: 1, Type: RecordTypeAdd, Key: "a", Body: []byte("x")})
	require.NoError(t, err)
	good := w.Size()
	_, err = appendRecord(w, &Record{Seq: 2, Type: RecordTypeAdd, Key: "b", Body: []byte("yyyyyy")})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	require.NoError(t, os.Truncate(path, good+5))

	w, err = Open(nil, path, DefaultOptions())
	require.NoError(t, err)
	defer w.Close()
	assert.Equal(t, int64(5), w.Truncated())
	assert.Equal(t, good, w.Size())

	n := 0
	require.NoError(t, w.Replay(func(*Record, int64) error { n++; return nil }))
	assert.Equal(t, 1, n)

	_, err = appendRecord(w, &Record{Seq: 2, Type: RecordTypeAdd, Key: "c"})
	require.NoError(t, err)
}

func TestWAL_CorruptRecordStopsReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "updates.wal")

	w, err := Open(nil, path, DefaultOptions())
	require.NoError(t, err)
	for _, r := range sampleRecords() {
		_, err := appendRecord(w, r)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[walHeaderSize+recordHeaderSize] ^= 0xff // first byte of the first key
	require.NoError(t, os.WriteFile(path, data, 0o644))

	w, err = Open(nil, path, DefaultOptions())
	require.NoError(t, err)
	defer w.Close()
	assert.Equal(t, int64(walHeaderSize), w.Size())
}

func TestWAL_InvalidHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "updates.wal")
	require.NoError(t, os.WriteFile(path, []byte("NOTAWALFILE!"), 0o644))

	_, err := Open(nil, path, DefaultOptions())
	assert.ErrorIs(t, err, ErrInvalidHeader)
}

func TestWAL_SyncFailureIsSticky(t *testing.T) {
	path := filepath.Join(t.TempDir(), "updates.wal")
	w, err := Open(nil, path, DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, w.Close())

	ffs := fs.NewFaultyFS(nil)
	ffs.AddRule("updates.wal", fs.Fault{FailAfterBytes: -1, FailOnSync: true})
	w, err = Open(ffs, path, DefaultOptions())
	require.NoError(t, err)

	_, err = appendRecord(w, &Record{Seq: 1, Type: RecordTypeAdd, Key: "a"})
	require.ErrorIs(t, err, fs.ErrInjected)

	_, err = appendRecord(w, &Record{Seq: 2, Type: RecordTypeAdd, Key: "b"})
	require.ErrorIs(t, err, fs.ErrInjected)
	_ = w.Close()
}

func TestWAL_GroupCommitConcurrentAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "updates.wal")
	w, err := Open(nil, path, DefaultOptions())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				_, err := appendRecord(w, &Record{Seq: uint64(g*100 + i), Type: RecordTypeAdd, Key: fmt.Sprintf("%d-%d", g, i)})
				if err != nil {
					t.Error(err)
					return
				}
			}
		}(g)
	}
	wg.Wait()
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.Close(), os.ErrClosed)

	w, err = Open(nil, path, DefaultOptions())
	require.NoError(t, err)
	defer w.Close()
	n := 0
	require.NoError(t, w.Replay(func(*Record, int64) error { n++; return nil }))
	assert.Equal(t, 160, n)
}

func TestDecode_Errors(t *testing.T) {
	r := &Record{Seq: 9, Type: RecordTypeAdd, Key: "k", Body: []byte("b")}
	b, err := r.MarshalBinary()
	require.NoError(t, err)

	_, _, err = Decode(bytes.NewReader(b[:10]))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, _, err = Decode(bytes.NewReader(nil))
	assert.ErrorIs(t, err, io.EOF)

	bad := append([]byte(nil), b...)
	bad[len(bad)-1] ^= 1
	_, _, err = Decode(bytes.NewReader(bad))
	assert.ErrorIs(t, err, ErrInvalidCRC)

	_, err = (&Record{Type: 99}).MarshalBinary()
	assert.ErrorIs(t, err, ErrInvalidType)
}
