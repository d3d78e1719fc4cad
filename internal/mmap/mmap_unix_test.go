//go:build unix

package mmap

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenSize_AppendsVisibleThroughMapping(t *testing.T) {
	path := writeTemp(t, []byte("head"))

	m, err := OpenSize(path, 1<<16)
	require.NoError(t, err)
	defer m.Close()
	assert.Equal(t, 1<<16, m.Size())

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	require.NoError(t, err)
	_, err = f.Write([]byte("-tail"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	r, err := m.Region(0, 9)
	require.NoError(t, err)
	assert.Equal(t, "head-tail", string(r.Bytes()))
}
