// Package metricsseries is the Metric Series Store: a thread-safe
// in-memory collection of bounded named series with windowed aggregation
// and best-effort durability to the Store Gateway. It is
// deliberately distinct from pkg/selfmetrics, which is operational
// telemetry about this process scraped by an external Prometheus; this
// package is the product's own domain time series, read back through the
// HTTP read API.
package metricsseries

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/R3E-Network/taskstream/internal/store"
	"github.com/R3E-Network/taskstream/pkg/logger"
)

// Point is one recorded observation.
type Point struct {
	Timestamp time.Time
	Value     float64
	Labels    map[string]string
}

// AggregateOp names a windowed aggregation function.
type AggregateOp string

const (
	OpAvg   AggregateOp = "avg"
	OpMin   AggregateOp = "min"
	OpMax   AggregateOp = "max"
	OpSum   AggregateOp = "sum"
	OpCount AggregateOp = "count"
	OpP95   AggregateOp = "p95"
	OpP99   AggregateOp = "p99"
)

// DefaultCapacity is the default ring size per series.
const DefaultCapacity = 1000

// BuiltinSeries is the fixed registry installed on Store init.
var BuiltinSeries = []string{
	"websocket-latency",
	"sse-latency",
	"download-speed",
	"active-connections",
	"active-tasks",
	"error-rate",
	"stage-completion-time",
	"memory-usage",
	"cpu-usage",
	"store-ops-per-sec",
}

// series is a bounded ring of points for one name. Not safe for concurrent
// use directly; callers go through Store's lock.
type series struct {
	points []Point
	cap    int
}

func newSeries(capacity int) *series {
	return &series{cap: capacity}
}

func (s *series) record(p Point) {
	s.points = append(s.points, p)
	if len(s.points) > s.cap {
		s.points = s.points[len(s.points)-s.cap:]
	}
}

func (s *series) window(since time.Time) []Point {
	out := make([]Point, 0, len(s.points))
	for _, p := range s.points {
		if !p.Timestamp.Before(since) {
			out = append(out, p)
		}
	}
	return out
}

// Store owns every named series plus best-effort durability.
type Store struct {
	mu       sync.RWMutex
	series   map[string]*series
	capacity int

	gw  *store.Gateway
	log *logger.Logger
}

// New constructs a Metric Series Store and installs the built-in registry.
// On startup the in-memory buffers always start empty; durability exists
// only for cross-process queries.
func New(gw *store.Gateway, log *logger.Logger, capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if log == nil {
		log = logger.NewDefault("metricsseries")
	}
	st := &Store{
		series:   make(map[string]*series),
		capacity: capacity,
		gw:       gw,
		log:      log,
	}
	for _, name := range BuiltinSeries {
		st.series[name] = newSeries(capacity)
	}
	return st
}

// Record appends one point to name, creating the series lazily if
// unknown, and best-effort persists it to the store's per-hour durability
// list.
func (st *Store) Record(ctx context.Context, name string, value float64, labels map[string]string, ts time.Time) {
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	p := Point{Timestamp: ts, Value: value, Labels: labels}

	st.mu.Lock()
	s, ok := st.series[name]
	if !ok {
		s = newSeries(st.capacity)
		st.series[name] = s
	}
	s.record(p)
	st.mu.Unlock()

	if st.gw == nil {
		return
	}
	hourEpoch := ts.Unix() / 3600
	if err := st.gw.LPushTrim(ctx, store.SeriesHourKey(name, hourEpoch), encodePoint(p), int64(st.capacity), 24*time.Hour); err != nil {
		st.log.WithField("series", name).Debugf("persist point: %v", err)
	}
}

// Aggregate computes op over the points in the trailing window. p95/p99
// use nearest-rank on sorted values, falling back to max when fewer than
// two samples are present.
func (st *Store) Aggregate(name string, op AggregateOp, window time.Duration) (float64, bool) {
	st.mu.RLock()
	s, ok := st.series[name]
	st.mu.RUnlock()
	if !ok {
		return 0, false
	}

	since := time.Now().UTC().Add(-window)
	pts := s.window(since)
	if len(pts) == 0 {
		return 0, false
	}

	switch op {
	case OpCount:
		return float64(len(pts)), true
	case OpSum:
		return sum(pts), true
	case OpAvg:
		return sum(pts) / float64(len(pts)), true
	case OpMin:
		return minOf(pts), true
	case OpMax:
		return maxOf(pts), true
	case OpP95:
		return percentile(pts, 0.95), true
	case OpP99:
		return percentile(pts, 0.99), true
	default:
		return 0, false
	}
}

func sum(pts []Point) float64 {
	var total float64
	for _, p := range pts {
		total += p.Value
	}
	return total
}

func minOf(pts []Point) float64 {
	m := pts[0].Value
	for _, p := range pts[1:] {
		if p.Value < m {
			m = p.Value
		}
	}
	return m
}

func maxOf(pts []Point) float64 {
	m := pts[0].Value
	for _, p := range pts[1:] {
		if p.Value > m {
			m = p.Value
		}
	}
	return m
}

// percentile applies nearest-rank with a minimum sample count of 2,
// falling back to max otherwise.
func percentile(pts []Point, p float64) float64 {
	if len(pts) < 2 {
		return maxOf(pts)
	}
	values := make([]float64, len(pts))
	for i, pt := range pts {
		values[i] = pt.Value
	}
	sort.Float64s(values)

	rank := int(math.Ceil(p*float64(len(values)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(values) {
		rank = len(values) - 1
	}
	return values[rank]
}

// History partitions window into resolution equal buckets and returns the
// per-bucket average, with nil for empty buckets.
func (st *Store) History(name string, window time.Duration, resolution int) []*float64 {
	if resolution <= 0 {
		resolution = 1
	}
	st.mu.RLock()
	s, ok := st.series[name]
	st.mu.RUnlock()
	if !ok {
		return make([]*float64, resolution)
	}

	now := time.Now().UTC()
	since := now.Add(-window)
	pts := s.window(since)

	bucketWidth := window / time.Duration(resolution)
	sums := make([]float64, resolution)
	counts := make([]int, resolution)

	for _, p := range pts {
		offset := p.Timestamp.Sub(since)
		idx := int(offset / bucketWidth)
		if idx < 0 {
			idx = 0
		}
		if idx >= resolution {
			idx = resolution - 1
		}
		sums[idx] += p.Value
		counts[idx]++
	}

	out := make([]*float64, resolution)
	for i := range out {
		if counts[i] == 0 {
			continue
		}
		avg := sums[i] / float64(counts[i])
		out[i] = &avg
	}
	return out
}

// Snapshot persists the current head of every series as one JSON blob
// under metrics:snapshot:<epoch> with a 24h expiry, giving other processes
// a point-in-time view without walking the per-hour lists. Best effort:
// a store failure is logged, never surfaced.
func (st *Store) Snapshot(ctx context.Context) error {
	if st.gw == nil {
		return nil
	}

	type head struct {
		Timestamp time.Time `json:"timestamp"`
		Value     float64   `json:"value"`
	}
	st.mu.RLock()
	heads := make(map[string]head, len(st.series))
	for name, s := range st.series {
		if len(s.points) == 0 {
			continue
		}
		p := s.points[len(s.points)-1]
		heads[name] = head{Timestamp: p.Timestamp, Value: p.Value}
	}
	st.mu.RUnlock()

	blob, err := json.Marshal(heads)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if err := st.gw.Set(ctx, store.SnapshotKey(now.Unix()), string(blob), 24*time.Hour); err != nil {
		st.log.Debugf("persist snapshot: %v", err)
	}
	return nil
}

// Names returns every series name currently known (built-in plus any
// created lazily).
func (st *Store) Names() []string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	names := make([]string, 0, len(st.series))
	for name := range st.series {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Points returns a copy of the in-memory points for name within window,
// oldest first. Used by the Alert Engine as the in-memory fallback when the
// store's durable per-hour lists are unavailable.
func (st *Store) Points(name string, window time.Duration) []Point {
	st.mu.RLock()
	s, ok := st.series[name]
	st.mu.RUnlock()
	if !ok {
		return nil
	}
	since := time.Now().UTC().Add(-window)
	return s.window(since)
}

// Latest returns the most recently recorded point for name, if any.
func (st *Store) Latest(name string) (Point, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.series[name]
	if !ok || len(s.points) == 0 {
		return Point{}, false
	}
	return s.points[len(s.points)-1], true
}

func encodePoint(p Point) string {
	// A compact pipe-delimited encoding keeps the durability list cheap to
	// trim and scan; full structure isn't needed back since in-memory
	// buffers never rebuild from it.
	return p.Timestamp.UTC().Format(time.RFC3339Nano) + "|" + strconv.FormatFloat(p.Value, 'g', -1, 64)
}
