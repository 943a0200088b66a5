package metricsseries

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/taskstream/internal/store"
)

func TestRecordCreatesUnknownSeriesLazily(t *testing.T) {
	st := New(nil, nil, 10)
	st.Record(context.Background(), "custom-series", 1.0, nil, time.Now())

	_, ok := st.Latest("custom-series")
	require.True(t, ok)
}

func TestRingEvictsOldestWhenFull(t *testing.T) {
	st := New(nil, nil, 3)
	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		st.Record(context.Background(), "s", float64(i), nil, base.Add(time.Duration(i)*time.Second))
	}
	avg, ok := st.Aggregate("s", OpCount, time.Hour)
	require.True(t, ok)
	require.Equal(t, float64(3), avg)
}

func TestAggregateAvgMinMaxSum(t *testing.T) {
	st := New(nil, nil, 10)
	base := time.Now().UTC()
	for _, v := range []float64{1, 2, 3, 4} {
		st.Record(context.Background(), "s", v, nil, base)
	}

	avg, ok := st.Aggregate("s", OpAvg, time.Hour)
	require.True(t, ok)
	require.Equal(t, 2.5, avg)

	mn, _ := st.Aggregate("s", OpMin, time.Hour)
	require.Equal(t, float64(1), mn)
	mx, _ := st.Aggregate("s", OpMax, time.Hour)
	require.Equal(t, float64(4), mx)
	sm, _ := st.Aggregate("s", OpSum, time.Hour)
	require.Equal(t, float64(10), sm)
}

func TestAggregateP95FallsBackToMaxBelowTwoSamples(t *testing.T) {
	st := New(nil, nil, 10)
	st.Record(context.Background(), "s", 42, nil, time.Now())

	p95, ok := st.Aggregate("s", OpP95, time.Hour)
	require.True(t, ok)
	require.Equal(t, float64(42), p95)
}

func TestAggregateFiltersOutsideWindow(t *testing.T) {
	st := New(nil, nil, 10)
	old := time.Now().UTC().Add(-time.Hour)
	st.Record(context.Background(), "s", 100, nil, old)

	_, ok := st.Aggregate("s", OpAvg, time.Minute)
	require.False(t, ok)
}

func TestHistoryBucketsWithNilForEmpty(t *testing.T) {
	st := New(nil, nil, 100)
	base := time.Now().UTC().Add(-10 * time.Minute)
	st.Record(context.Background(), "s", 10, nil, base)
	// deliberately leave a gap so one bucket stays empty

	buckets := st.History("s", 10*time.Minute, 5)
	require.Len(t, buckets, 5)

	var sawNil bool
	for _, b := range buckets {
		if b == nil {
			sawNil = true
		}
	}
	require.True(t, sawNil)
}

func TestBuiltinSeriesPreinstalled(t *testing.T) {
	st := New(nil, nil, 10)
	names := st.Names()
	require.Contains(t, names, "active-tasks")
	require.Contains(t, names, "cpu-usage")
}

func TestSnapshotPersistsSeriesHeads(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	gw := store.NewFromClient(client, store.Config{MaxRetries: 2, OpTimeout: time.Second, Deadline: 2 * time.Second}, nil)

	st := New(gw, nil, 10)
	st.Record(context.Background(), "cpu-usage", 42.5, nil, time.Now().UTC())
	require.NoError(t, st.Snapshot(context.Background()))

	keys, _, err := gw.Scan(context.Background(), 0, "metrics:snapshot:*", 10)
	require.NoError(t, err)
	require.Len(t, keys, 1)

	blob, err := gw.Get(context.Background(), keys[0])
	require.NoError(t, err)

	var heads map[string]struct {
		Value float64 `json:"value"`
	}
	require.NoError(t, json.Unmarshal([]byte(blob), &heads))
	require.InDelta(t, 42.5, heads["cpu-usage"].Value, 0.001)
}
