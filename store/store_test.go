package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vfs "github.com/hupe1980/embedvault/internal/fs"
)

func openStore(t *testing.T, dir string, opts ...Option) *Store {
	t.Helper()
	s, err := Open(dir, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestDefaultLoggerDiscards(t *testing.T) {
	assert.False(t, defaultOptions().logger.Enabled(context.Background(), slog.LevelError))
}

func fileSize(t *testing.T, path string) int64 {
	t.Helper()
	fi, err := os.Stat(path)
	require.NoError(t, err)
	return fi.Size()
}

func TestStore_PutGet(t *testing.T) {
	s := openStore(t, t.TempDir())

	require.NoError(t, s.PutPayload("doc_1", Payload{Data: []byte("hello"), Dimension: 384, Compressed: true}))
	require.NoError(t, s.Put("doc_2", []byte("world!")))

	got, err := s.Get("doc_1")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)

	e, err := s.Entry("doc_2")
	require.NoError(t, err)
	assert.Equal(t, Entry{ID: "doc_2", Offset: 5, Size: 6}, e)

	e, err = s.Entry("doc_1")
	require.NoError(t, err)
	assert.Equal(t, 384, e.Dimension)
	assert.True(t, e.Compressed)

	_, err = s.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Read("missing", func([]byte) error { return nil }), ErrNotFound)

	assert.Equal(t, []string{"doc_1", "doc_2"}, s.IDs())
	assert.True(t, s.Contains("doc_1"))
	assert.False(t, s.Contains("missing"))
}

func TestStore_EmptyID(t *testing.T) {
	s := openStore(t, t.TempDir())
	assert.ErrorIs(t, s.Put("", []byte("x")), ErrEmptyID)
}

func TestStore_OverwriteRedirectsEntry(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)

	require.NoError(t, s.Put("a", []byte("one")))
	require.NoError(t, s.Put("a", []byte("two")))

	got, err := s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), got)
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, int64(6), fileSize(t, filepath.Join(dir, DataFileName)))
}

func TestStore_ReopenPersists(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.Put("a", []byte("alpha")))
	require.NoError(t, s.Put("b", []byte("beta")))
	require.NoError(t, s.Remove("a"))
	require.NoError(t, s.Close())

	s = openStore(t, dir)
	assert.Equal(t, []string{"b"}, s.IDs())
	got, err := s.Get("b")
	require.NoError(t, err)
	assert.Equal(t, []byte("beta"), got)

	manifest, err := os.ReadFile(filepath.Join(dir, ManifestFileName))
	require.NoError(t, err)
	assert.Contains(t, string(manifest), `"offset": 5`)
}

func TestStore_RemoveUnknown(t *testing.T) {
	s := openStore(t, t.TempDir())
	assert.ErrorIs(t, s.Remove("nope"), ErrNotFound)
}

func TestStore_SizeLimitIsAtomic(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, WithMaxFileSize(10))

	require.NoError(t, s.Put("a", []byte("12345678")))
	manifestBefore, err := os.ReadFile(filepath.Join(dir, ManifestFileName))
	require.NoError(t, err)

	err = s.Put("b", []byte("abc"))
	require.ErrorIs(t, err, ErrSizeLimitExceeded)

	assert.Equal(t, int64(8), fileSize(t, filepath.Join(dir, DataFileName)))
	manifestAfter, err := os.ReadFile(filepath.Join(dir, ManifestFileName))
	require.NoError(t, err)
	assert.Equal(t, manifestBefore, manifestAfter)
	assert.False(t, s.Contains("b"))

	require.NoError(t, s.Put("c", []byte("xy")))
}

func TestStore_ManifestFailureLeavesStateUnchanged(t *testing.T) {
	dir := t.TempDir()
	ffs := vfs.NewFaultyFS(nil)
	s := openStore(t, dir, WithFileSystem(ffs))

	require.NoError(t, s.Put("a", []byte("alpha")))

	ffs.AddRule(ManifestFileName, vfs.Fault{FailAfterBytes: -1, FailOnRename: true})
	err := s.Put("b", []byte("beta"))
	require.Error(t, err)
	assert.ErrorIs(t, err, vfs.ErrInjected)

	assert.False(t, s.Contains("b"))
	assert.Equal(t, int64(5), fileSize(t, filepath.Join(dir, DataFileName)))
	assert.Equal(t, int64(5), s.Stats().FileBytes)

	ffs.ClearRules()
	require.NoError(t, s.Put("b", []byte("beta")))
	e, err := s.Entry("b")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), e.Offset)
}

func TestStore_DataWriteFailureTruncates(t *testing.T) {
	dir := t.TempDir()
	ffs := vfs.NewFaultyFS(nil)
	ffs.AddRule(DataFileName, vfs.Fault{FailOnSync: true, FailAfterBytes: -1})
	s := openStore(t, dir, WithFileSystem(ffs))

	err := s.Put("a", []byte("alpha"))
	require.ErrorIs(t, err, vfs.ErrInjected)
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, int64(0), fileSize(t, filepath.Join(dir, DataFileName)))
}

func TestStore_StartupDropsEntriesBeyondFileEnd(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.Put("a", []byte("alpha")))
	require.NoError(t, s.Put("b", []byte("beta")))
	require.NoError(t, s.Close())

	// Simulate a crash that lost the tail of the data file.
	require.NoError(t, os.Truncate(filepath.Join(dir, DataFileName), 6))

	s = openStore(t, dir)
	assert.Equal(t, []string{"a"}, s.IDs())
	assert.Equal(t, 1, s.Stats().Dropped)

	got, err := s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, []byte("alpha"), got)
}

func TestStore_CorruptManifest(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFileName), []byte("{broken"), 0o644))

	_, err := Open(dir)
	require.Error(t, err)
}

func TestStore_GrowsMappingAcrossChunks(t *testing.T) {
	s := openStore(t, t.TempDir(), WithMapChunkSize(64))

	payload := make([]byte, 48)
	for i := 0; i < 20; i++ {
		for j := range payload {
			payload[j] = byte(i)
		}
		require.NoError(t, s.Put(fmt.Sprintf("id-%02d", i), payload))
	}

	for i := 0; i < 20; i++ {
		got, err := s.Get(fmt.Sprintf("id-%02d", i))
		require.NoError(t, err)
		assert.Len(t, got, 48)
		assert.Equal(t, byte(i), got[0])
		assert.Equal(t, byte(i), got[47])
	}

	st := s.Stats()
	assert.Equal(t, 20, st.Entries)
	assert.Equal(t, uint64(960), st.TotalBytes)
	assert.Equal(t, int64(960), st.FileBytes)
	assert.GreaterOrEqual(t, st.MappedBytes, int64(960))
	assert.InDelta(t, 48.0, st.AvgEntryBytes, 1e-9)
}

func TestStore_Batch(t *testing.T) {
	s := openStore(t, t.TempDir())
	require.NoError(t, s.Put("old", []byte("x")))

	b := &Batch{}
	b.Put("a", Payload{Data: []byte("aa")})
	b.Put("b", Payload{Data: []byte("bbb")})
	b.Remove("old")
	b.Remove("never-existed")
	assert.Equal(t, 4, b.Len())
	require.NoError(t, s.Apply(b))

	assert.Equal(t, []string{"a", "b"}, s.IDs())
	e, err := s.Entry("b")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), e.Offset)
}

func TestStore_BatchOverLimitWritesNothing(t *testing.T) {
	s := openStore(t, t.TempDir(), WithMaxFileSize(4))

	b := &Batch{}
	b.Put("a", Payload{Data: []byte("aa")})
	b.Put("b", Payload{Data: []byte("bbb")})
	require.ErrorIs(t, s.Apply(b), ErrSizeLimitExceeded)
	assert.Equal(t, 0, s.Len())
}

func TestStore_Scan(t *testing.T) {
	s := openStore(t, t.TempDir())
	require.NoError(t, s.Put("z", []byte("1")))
	require.NoError(t, s.Put("a", []byte("22")))

	var ids []string
	require.NoError(t, s.Scan(context.Background(), func(e Entry, b []byte) error {
		ids = append(ids, e.ID)
		assert.Len(t, b, int(e.Size))
		return nil
	}))
	assert.Equal(t, []string{"z", "a"}, ids)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Scan(ctx, func(Entry, []byte) error { return nil }), context.Canceled)
}

func TestStore_Export(t *testing.T) {
	s := openStore(t, t.TempDir())
	require.NoError(t, s.Put("a", []byte("alpha")))

	exp, err := s.Export()
	require.NoError(t, err)
	assert.Equal(t, int64(5), exp.DataLength)
	assert.Contains(t, string(exp.Manifest), `"id": "a"`)
	assert.Equal(t, s.DataPath(), exp.DataPath)
}

func TestStore_Closed(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.Put("a", []byte("alpha")))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Put("b", []byte("x")), ErrClosed)
	_, err = s.Get("a")
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, 0, s.Len())
}

func TestStore_ConcurrentPutsDistinctIDs(t *testing.T) {
	s := openStore(t, t.TempDir(), WithMapChunkSize(256))

	const workers, perWorker = 8, 25
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				id := fmt.Sprintf("w%d-%d", w, i)
				if err := s.Put(id, []byte(id)); err != nil {
					t.Errorf("put %s: %v", id, err)
				}
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, workers*perWorker, s.Len())
	for w := 0; w < workers; w++ {
		for i := 0; i < perWorker; i++ {
			id := fmt.Sprintf("w%d-%d", w, i)
			got, err := s.Get(id)
			require.NoError(t, err)
			assert.Equal(t, id, string(got))
		}
	}
}

func TestStore_ReadersDuringWrites(t *testing.T) {
	s := openStore(t, t.TempDir(), WithMapChunkSize(32), WithDurability(SyncNone))
	require.NoError(t, s.Put("stable", []byte("constant-value")))

	done := make(chan struct{})
	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				err := s.Read("stable", func(b []byte) error {
					if string(b) != "constant-value" {
						return fmt.Errorf("torn read: %q", b)
					}
					return nil
				})
				if err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}

	for i := 0; i < 100; i++ {
		require.NoError(t, s.Put(fmt.Sprintf("k%d", i), []byte("0123456789abcdef")))
	}
	close(done)
	wg.Wait()
}

func BenchmarkStore_Read(b *testing.B) {
	s, err := Open(b.TempDir())
	if err != nil {
		b.Fatal(err)
	}
	defer s.Close()
	if err := s.Put("doc", make([]byte, 1536)); err != nil {
		b.Fatal(err)
	}
	for b.Loop() {
		_ = s.Read("doc", func([]byte) error { return nil })
	}
}
