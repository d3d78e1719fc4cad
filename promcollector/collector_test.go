package promcollector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/embedvault"
)

func TestCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.RecordPut(time.Millisecond, false, nil)
	c.RecordPut(time.Millisecond, true, nil)
	c.RecordPut(0, false, errors.New("x"))
	c.RecordSearch(10, time.Millisecond, true, nil)
	c.RecordCacheLookup(true)
	c.RecordCacheLookup(false)
	c.RecordCacheLookup(false)
	c.RecordIndexEnsure(true, time.Second, nil)
	c.RecordIndexEnsure(false, 0, errors.New("x"))
	c.RecordDelete(time.Millisecond, nil)

	assert.InDelta(t, 2, promtest.ToFloat64(c.Operations.WithLabelValues("put", "success")), 0)
	assert.InDelta(t, 1, promtest.ToFloat64(c.Operations.WithLabelValues("put", "error")), 0)
	assert.InDelta(t, 1, promtest.ToFloat64(c.UnchangedPuts), 0)
	assert.InDelta(t, 1, promtest.ToFloat64(c.ExactSearches), 0)
	assert.InDelta(t, 1, promtest.ToFloat64(c.CacheLookups.WithLabelValues("hit")), 0)
	assert.InDelta(t, 2, promtest.ToFloat64(c.CacheLookups.WithLabelValues("miss")), 0)
	assert.InDelta(t, 1, promtest.ToFloat64(c.IndexEnsures.WithLabelValues("built")), 0)
	assert.InDelta(t, 1, promtest.ToFloat64(c.IndexEnsures.WithLabelValues("error")), 0)
	assert.InDelta(t, 1, promtest.ToFloat64(c.Operations.WithLabelValues("delete", "success")), 0)
}

func TestCollector_WithVault(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	c := New(reg)

	v, err := embedvault.Open(ctx, t.TempDir(), embedvault.WithMetricsCollector(c))
	require.NoError(t, err)
	defer v.Close()
	RegisterStats(reg, v.Stats)

	require.NoError(t, v.Put(ctx, "a", []float32{1, 2, 3}, nil))
	require.NoError(t, v.Put(ctx, "b", []float32{3, 2, 1}, nil))
	_, err = v.Search(ctx, []float32{1, 2, 3}, 1)
	require.NoError(t, err)

	assert.InDelta(t, 2, promtest.ToFloat64(c.Operations.WithLabelValues("put", "success")), 0)
	assert.InDelta(t, 1, promtest.ToFloat64(c.ExactSearches), 0)

	families, err := reg.Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, mf := range families {
		if mf.GetMetric()[0].GetGauge() != nil {
			values[mf.GetName()] = mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	assert.InDelta(t, 2, values["embedvault_entries"], 0)
	assert.InDelta(t, 1, values["embedvault_cache_entries"], 0)
}
