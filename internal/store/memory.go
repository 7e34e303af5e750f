package store

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"marketfeed/internal/series"
)

const defaultShardCount = 32

// Memory is a sharded in-process store. Series are spread over shards by
// series-key hash so writers to different symbols rarely contend.
type Memory struct {
	shards []memShard
	closed atomic.Bool
}

type memShard struct {
	mu     sync.RWMutex
	series map[string]*memSeries
}

type memSeries struct {
	measurement string
	tags        map[string]string
	points      map[int64]map[string]any
}

func NewMemory() *Memory { return newMemory(defaultShardCount) }

func newMemory(shards int) *Memory {
	if shards <= 0 {
		shards = 1
	}
	m := &Memory{shards: make([]memShard, shards)}
	for i := range m.shards {
		m.shards[i] = memShard{series: make(map[string]*memSeries)}
	}
	return m
}

func (m *Memory) shardFor(key string) *memShard {
	return &m.shards[hashKey(key)%uint32(len(m.shards))]
}

func (m *Memory) Write(ctx context.Context, measurement string, tags map[string]string, rows []series.Row) error {
	return m.WriteBatches(ctx, measurement, []Batch{{Tags: tags, Rows: rows}})
}

func (m *Memory) WriteBatches(ctx context.Context, measurement string, batches []Batch) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, b := range batches {
		if len(b.Rows) > 0 {
			m.writeSeries(measurement, b.Tags, b.Rows)
		}
	}
	return nil
}

func (m *Memory) writeSeries(measurement string, tags map[string]string, rows []series.Row) {
	key := SeriesKey(measurement, tags)
	sh := m.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	s, ok := sh.series[key]
	if !ok {
		s = &memSeries{measurement: measurement, tags: copyTags(tags), points: make(map[int64]map[string]any)}
		sh.series[key] = s
	}
	for _, r := range rows {
		ts := utc(r.Timestamp).UnixNano()
		fields := s.points[ts]
		if fields == nil {
			fields = make(map[string]any, len(r.Fields))
			s.points[ts] = fields
		}
		for f, v := range r.Fields {
			num, text, ok := fieldValue(v)
			switch {
			case !ok:
			case num != nil:
				fields[f] = *num
			default:
				fields[f] = *text
			}
		}
	}
}

func (m *Memory) Query(ctx context.Context, measurement string, filter map[string]string, from, to time.Time) (series.Table, error) {
	if m.closed.Load() {
		return series.Table{}, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return series.Table{}, err
	}
	lo, hi := unixNano(from), unixNano(to)
	var points []point
	for i := range m.shards {
		sh := &m.shards[i]
		sh.mu.RLock()
		for key, s := range sh.series {
			if s.measurement != measurement || !Matches(s.tags, filter) {
				continue
			}
			for ts, fields := range s.points {
				if ts < lo || ts >= hi {
					continue
				}
				cp := make(map[string]any, len(fields))
				for k, v := range fields {
					cp[k] = v
				}
				points = append(points, point{key: key, tags: s.tags, ts: time.Unix(0, ts).UTC(), fields: cp})
			}
		}
		sh.mu.RUnlock()
	}
	return pivot(points), nil
}

func (m *Memory) Close() error {
	m.closed.Store(true)
	return nil
}

var (
	minNano = time.Unix(0, math.MinInt64)
	maxNano = time.Unix(0, math.MaxInt64)
)

// unixNano clamps bounds that UnixNano cannot represent, such as the zero time.
func unixNano(t time.Time) int64 {
	t = utc(t)
	switch {
	case t.Before(minNano):
		return math.MinInt64
	case t.After(maxNano):
		return math.MaxInt64
	}
	return t.UnixNano()
}

func copyTags(tags map[string]string) map[string]string {
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		out[k] = v
	}
	return out
}

func hashKey(s string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	var h uint32 = offset32
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}
