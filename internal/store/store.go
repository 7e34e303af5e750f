// Package store is the time-series cache: measurement + tags + time range -> rows.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cast"

	"marketfeed/internal/series"
)

var ErrClosed = errors.New("store closed")

// Store is safe for concurrent writers. A later write of the same
// (measurement, tags, timestamp, field) replaces the earlier one.
type Store interface {
	// Write stores rows under one series. Nil field values are not stored.
	Write(ctx context.Context, measurement string, tags map[string]string, rows []series.Row) error
	// WriteBatches stores several series of one measurement in a single
	// transaction or pipeline where the backend has one.
	WriteBatches(ctx context.Context, measurement string, batches []Batch) error
	// Query returns rows of every series whose tags include filter, with
	// from <= timestamp < to, pivoted to one row per (series, timestamp).
	// Tag values appear as columns unless a field of the same name exists.
	Query(ctx context.Context, measurement string, filter map[string]string, from, to time.Time) (series.Table, error)
	Close() error
}

// Batch is the rows of one series inside a multi-series write.
type Batch struct {
	Tags map[string]string
	Rows []series.Row
}

// SeriesKey renders measurement and tags in line-protocol order:
// "daily,symbol=000001.SZ". Tags are sorted by key.
func SeriesKey(measurement string, tags map[string]string) string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(escape(measurement))
	for _, k := range keys {
		b.WriteByte(',')
		b.WriteString(escape(k))
		b.WriteByte('=')
		b.WriteString(escape(tags[k]))
	}
	return b.String()
}

// ParseSeriesKey is the inverse of SeriesKey.
func ParseSeriesKey(key string) (string, map[string]string, error) {
	parts := splitUnescaped(key, ',')
	if len(parts) == 0 || parts[0] == "" {
		return "", nil, fmt.Errorf("empty series key")
	}
	tags := make(map[string]string, len(parts)-1)
	for _, p := range parts[1:] {
		kv := splitUnescaped(p, '=')
		if len(kv) != 2 {
			return "", nil, fmt.Errorf("malformed tag %q in series key %q", p, key)
		}
		tags[unescape(kv[0])] = unescape(kv[1])
	}
	return unescape(parts[0]), tags, nil
}

var escaper = strings.NewReplacer(`\`, `\\`, ",", `\,`, "=", `\=`)

func escape(s string) string { return escaper.Replace(s) }

func unescape(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func splitUnescaped(s string, sep byte) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case sep:
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return append(out, s[start:])
}

// Matches reports whether tags carry every filter pair.
func Matches(tags, filter map[string]string) bool {
	for k, v := range filter {
		if tags[k] != v {
			return false
		}
	}
	return true
}

// fieldValue narrows a row value to what the backends persist: float64 or string.
func fieldValue(v any) (num *float64, text *string, ok bool) {
	switch x := v.(type) {
	case nil:
		return nil, nil, false
	case float64:
		return &x, nil, true
	case string:
		return nil, &x, true
	}
	if f, err := cast.ToFloat64E(v); err == nil {
		return &f, nil, true
	}
	s := cast.ToString(v)
	return nil, &s, true
}

// point is one stored (series, timestamp) with its fields.
type point struct {
	key    string
	tags   map[string]string
	ts     time.Time
	fields map[string]any
}

// pivot merges points that share (series, timestamp) and turns them into a table.
func pivot(points []point) series.Table {
	type id struct {
		key string
		ts  int64
	}
	merged := make(map[id]*series.Row, len(points))
	order := make([]id, 0, len(points))
	for _, p := range points {
		k := id{p.key, p.ts.UnixNano()}
		row, ok := merged[k]
		if !ok {
			row = &series.Row{Timestamp: p.ts, Fields: make(map[string]any, len(p.fields)+len(p.tags))}
			merged[k] = row
			order = append(order, k)
		}
		for f, v := range p.fields {
			row.Fields[f] = v
		}
		for t, v := range p.tags {
			if _, exists := row.Fields[t]; !exists {
				row.Fields[t] = v
			}
		}
	}
	sort.SliceStable(order, func(i, j int) bool {
		if order[i].ts != order[j].ts {
			return order[i].ts < order[j].ts
		}
		return order[i].key < order[j].key
	})
	rows := make([]series.Row, 0, len(order))
	for _, k := range order {
		rows = append(rows, *merged[k])
	}
	return series.NewTable(rows)
}

func utc(t time.Time) time.Time { return series.Naive(t) }
