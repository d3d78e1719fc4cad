package mmap

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "embeddings.dat")
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path
}

func TestMapping_OpenReadClose(t *testing.T) {
	content := []byte("Hello, Mmap!")
	m, err := Open(writeTemp(t, content))
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, len(content), m.Size())
	assert.Equal(t, content, m.Bytes())

	buf := make([]byte, 5)
	n, err := m.ReadAt(buf, 7)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "Mmap!", string(buf))

	n, err = m.ReadAt(make([]byte, 10), 100)
	assert.Equal(t, 0, n)
	assert.Equal(t, io.EOF, err)

	partial := make([]byte, 10)
	n, err = m.ReadAt(partial, 7)
	assert.Equal(t, 5, n)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, "Mmap!", string(partial[:n]))

	_, err = m.ReadAt(buf, -1)
	assert.Equal(t, ErrInvalidOffset, err)
}

func TestMapping_EmptyFile(t *testing.T) {
	m, err := Open(writeTemp(t, nil))
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, 0, m.Size())
	assert.Empty(t, m.Bytes())
	assert.NoError(t, m.Advise(AdviseRandom))
}

func TestMapping_CloseIsIdempotent(t *testing.T) {
	m, err := Open(writeTemp(t, []byte("abc")))
	require.NoError(t, err)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.Nil(t, m.Bytes())
	assert.ErrorIs(t, m.Advise(AdviseSequential), ErrClosed)

	_, err = m.ReadAt(make([]byte, 1), 0)
	assert.ErrorIs(t, err, ErrClosed)

	_, err = m.Region(0, 1)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMapping_Region(t *testing.T) {
	m, err := Open(writeTemp(t, []byte("0123456789")))
	require.NoError(t, err)
	defer m.Close()

	r, err := m.Region(2, 4)
	require.NoError(t, err)
	assert.Equal(t, "2345", string(r.Bytes()))
	assert.NoError(t, r.Advise(AdviseWillNeed))

	_, err = m.Region(8, 4)
	assert.ErrorIs(t, err, ErrOutOfBounds)

	_, err = m.Region(-1, 2)
	assert.ErrorIs(t, err, ErrOutOfBounds)
}

func TestOpenSize_NegativeSize(t *testing.T) {
	_, err := OpenSize(writeTemp(t, []byte("x")), -1)
	assert.ErrorIs(t, err, ErrInvalidSize)
}

func TestOpen_MissingFile(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}
