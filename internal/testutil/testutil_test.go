package testutil

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/embedvault/distance"
)

func TestUniformVectors(t *testing.T) {
	v := NewRNG(4711).UniformVectors(8, 32)
	assert.Len(t, v, 8)
	assert.Len(t, v[0], 32)
	assert.GreaterOrEqual(t, v[1][0], float32(0))
	assert.Less(t, v[1][0], float32(1))
}

func TestDeterministic(t *testing.T) {
	a := NewRNG(1).ClusteredVectors(10, 4, 2, 0.1)
	b := NewRNG(1).ClusteredVectors(10, 4, 2, 0.1)
	assert.Equal(t, a, b)
}

func TestUnitVector(t *testing.T) {
	v := NewRNG(3).UnitVector(16)
	assert.InDelta(t, 1, distance.Norm(v), 1e-5)
}

func TestRows(t *testing.T) {
	rows := &Rows{Vectors: [][]float32{{1, 2}, {3, 4}}}
	assert.Equal(t, 2, rows.Len())
	assert.Equal(t, 2, rows.Dimension())

	var ids []string
	require.NoError(t, rows.Scan(context.Background(), func(id string, _ []float32) error {
		ids = append(ids, id)
		return nil
	}))
	assert.Equal(t, []string{ID(0), ID(1)}, ids)

	boom := errors.New("boom")
	rows.Err = boom
	assert.ErrorIs(t, rows.Scan(context.Background(), func(string, []float32) error { return nil }), boom)
}

func TestExactTopKAndRecall(t *testing.T) {
	vecs := [][]float32{{0, 0}, {5, 5}, {1, 1}}
	hits := ExactTopK([]float32{0, 0}, vecs, 2, distance.SquaredL2)
	require.Len(t, hits, 2)
	assert.Equal(t, ID(0), hits[0].ID)
	assert.Equal(t, ID(2), hits[1].ID)

	assert.Equal(t, 1.0, Recall(hits, []string{ID(2), ID(0)}))
	assert.Equal(t, 0.5, Recall(hits, []string{ID(0), ID(1)}))
	assert.Equal(t, 1.0, Recall(nil, nil))
}
