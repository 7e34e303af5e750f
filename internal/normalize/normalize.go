// Package normalize maps raw provider rows onto the canonical per-type schema.
package normalize

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"

	"marketfeed/internal/logger"
	"marketfeed/internal/provider"
	"marketfeed/internal/series"
)

var requiredFields = map[series.DataType][]string{
	series.Daily:  {"timestamp", "open", "high", "low", "close", "volume", "amount"},
	series.Minute: {"timestamp", "open", "high", "low", "close", "volume", "amount"},
	series.Financial: {
		"timestamp", "symbol", "ann_date", "eps", "bps", "roe", "roa",
		"grossprofit_margin", "netprofit_margin", "debt_to_assets", "current_ratio", "pe", "pb",
	},
	series.Macro:    {"timestamp", "value"},
	series.Industry: {"timestamp", "symbol", "name", "industry", "area", "list_date"},
	series.Concept:  {"timestamp", "symbol", "name", "src"},
}

// textFields are filled with nil when missing; every other required field is
// numeric and gets series.Sentinel.
var textFields = map[string]bool{
	"symbol":    true,
	"name":      true,
	"industry":  true,
	"area":      true,
	"list_date": true,
	"src":       true,
	"ann_date":  true,
}

// timeCandidates are tried in order; the first present, non-empty one wins.
var timeCandidates = []string{
	"timestamp", "date", "datetime", "time", "trade_date", "trade_time",
	"period", "end_date", "month", "quarter", "日期", "时间",
}

// aliases map provider column names onto canonical ones. A record's own
// canonical column always wins; among aliases of one name the earlier wins.
var aliases = []struct{ from, to string }{
	{"ts_code", "symbol"},
	{"code", "symbol"},
	{"vol", "volume"},
	{"成交量", "volume"},
	{"开盘", "open"},
	{"最高", "high"},
	{"最低", "low"},
	{"收盘", "close"},
	{"成交额", "amount"},
}

var aliasSources = func() map[string]bool {
	m := make(map[string]bool, len(aliases))
	for _, a := range aliases {
		m[a.from] = true
	}
	return m
}()

// RequiredFields returns the canonical columns of dt, timestamp first.
func RequiredFields(dt series.DataType) []string {
	return append([]string(nil), requiredFields[dt]...)
}

// IsNumeric reports whether a required field is filled with the sentinel when absent.
func IsNumeric(field string) bool {
	return field != series.TimestampColumn && !textFields[field]
}

// Normalizer is safe for concurrent use.
type Normalizer struct {
	// Now stamps snapshot rows that carry no time column. Defaults to time.Now.
	Now func() time.Time
}

// Normalize uses a Normalizer with the wall clock.
func Normalize(dt series.DataType, key string, recs []provider.Record) series.Table {
	return Normalizer{}.Normalize(dt, key, recs)
}

// Normalize turns raw records into a table whose rows all carry every required
// field of dt. key tags rows that have no symbol of their own. Ranged rows
// without a parseable time are dropped.
func (n Normalizer) Normalize(dt series.DataType, key string, recs []provider.Record) series.Table {
	required := requiredFields[dt]
	asOf := n.asOf()
	rows := make([]series.Row, 0, len(recs))
	dropped := 0
	for _, rec := range recs {
		ts, timeCol, ok := findTime(rec)
		if !ok {
			if dt.Ranged() {
				dropped++
				continue
			}
			ts = asOf
		}
		fields := make(map[string]any, len(rec)+len(required))
		for raw, v := range rec {
			if raw == timeCol || aliasSources[raw] {
				continue
			}
			fields[raw] = coerce(raw, v, required)
		}
		for _, a := range aliases {
			v, ok := rec[a.from]
			if !ok || a.from == timeCol {
				continue
			}
			if _, taken := fields[a.to]; taken {
				continue
			}
			fields[a.to] = coerce(a.to, v, required)
		}
		if _, ok := fields["symbol"]; !ok && key != "" {
			fields["symbol"] = key
		}
		for _, f := range required[1:] {
			if v, ok := fields[f]; ok && v != nil {
				continue
			}
			if IsNumeric(f) {
				fields[f] = series.Sentinel
			} else {
				fields[f] = nil
			}
		}
		rows = append(rows, series.Row{Timestamp: ts, Fields: fields})
	}
	if dropped > 0 {
		logger.Warnf("normalize %s %s: dropped %d of %d rows without a parseable time", dt, key, dropped, len(recs))
	}
	if len(rows) == 0 {
		return series.Table{Columns: append([]string(nil), required...)}
	}
	return series.NewTable(rows, required[1:]...)
}

func (n Normalizer) asOf() time.Time {
	now := time.Now
	if n.Now != nil {
		now = n.Now
	}
	return series.DateOf(now())
}

func findTime(rec provider.Record) (time.Time, string, bool) {
	for _, col := range timeCandidates {
		v, ok := rec[col]
		if !ok || v == nil {
			continue
		}
		if ts, err := ParseTime(v); err == nil {
			return ts, col, true
		}
	}
	return time.Time{}, "", false
}

var timeLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04:05",
	time.RFC3339,
	"2006-01-02",
	"20060102",
	"2006/01/02",
	"20060102150405",
	"200601",
	"2006-01",
}

// ParseTime reads the time formats providers use, including "2024Q1" quarters
// (mapped to the first day of the quarter). The result is timezone-naive.
func ParseTime(v any) (time.Time, error) {
	if t, ok := v.(time.Time); ok {
		return series.Naive(t), nil
	}
	s := strings.TrimSpace(cast.ToString(v))
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time")
	}
	for _, layout := range timeLayouts {
		if len(layout) != len(s) && layout != time.RFC3339 {
			continue
		}
		if t, err := time.Parse(layout, s); err == nil {
			return series.Naive(t), nil
		}
	}
	if y, q, ok := strings.Cut(strings.ToUpper(s), "Q"); ok && len(y) == 4 && len(q) == 1 {
		year, err1 := strconv.Atoi(y)
		quarter, err2 := strconv.Atoi(q)
		if err1 == nil && err2 == nil && quarter >= 1 && quarter <= 4 {
			return time.Date(year, time.Month((quarter-1)*3+1), 1, 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised time %q", s)
}

// coerce makes required numeric fields float64 (sentinel when unparseable),
// keeps text as string and leaves extras numeric only when already numeric.
func coerce(name string, v any, required []string) any {
	if v == nil {
		return nil
	}
	if isRequired(name, required) && IsNumeric(name) {
		f, err := cast.ToFloat64E(v)
		if err != nil {
			return series.Sentinel
		}
		return f
	}
	switch x := v.(type) {
	case float64, string:
		return x
	case float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, json.Number:
		return cast.ToFloat64(x)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return series.Naive(x).Format(series.TimeLayout)
	}
	return cast.ToString(v)
}

func isRequired(name string, required []string) bool {
	for _, f := range required {
		if f == name {
			return true
		}
	}
	return false
}

// Complete fills required fields that a stored table lacks, such as text
// fields that were nil when written, and restores the canonical column order.
func Complete(dt series.DataType, tbl series.Table) series.Table {
	required := requiredFields[dt]
	if tbl.Empty() {
		return series.Table{Columns: append([]string(nil), required...)}
	}
	rows := make([]series.Row, 0, tbl.Len())
	for _, r := range tbl.Rows {
		fields := make(map[string]any, len(r.Fields)+len(required))
		for k, v := range r.Fields {
			fields[k] = v
		}
		for _, f := range required[1:] {
			if _, ok := fields[f]; ok {
				continue
			}
			if IsNumeric(f) {
				fields[f] = series.Sentinel
			} else {
				fields[f] = nil
			}
		}
		rows = append(rows, series.Row{Timestamp: r.Timestamp, Fields: fields})
	}
	return series.NewTable(rows, required[1:]...)
}
