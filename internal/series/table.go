package series

import (
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/go-gota/gota/dataframe"
	gseries "github.com/go-gota/gota/series"
)

// Sentinel marks a numeric field the provider did not supply. It is deliberately
// out of domain so factor code can filter it instead of mistaking it for zero.
const Sentinel = -999999.0

// TimestampColumn is always the first column of a Table.
const TimestampColumn = "timestamp"

// TimeLayout is how timestamps are rendered in flat records.
const TimeLayout = "2006-01-02 15:04:05"

func IsSentinel(v any) bool {
	f, ok := v.(float64)
	return ok && f == Sentinel
}

// Row is one normalized record. Field values are float64, string or nil.
type Row struct {
	Timestamp time.Time
	Fields    map[string]any
}

// Float returns a numeric field. Missing, non-numeric and sentinel values report false.
func (r Row) Float(name string) (float64, bool) {
	f, ok := r.Fields[name].(float64)
	if !ok || f == Sentinel || math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

func (r Row) String(name string) string {
	s, _ := r.Fields[name].(string)
	return s
}

// Table is an ordered set of rows sharing a column list.
type Table struct {
	Columns []string
	Rows    []Row
}

// NewTable sorts rows by time, then symbol, and derives the column list:
// timestamp first, then the preferred names in order, then every other field
// name alphabetically.
func NewTable(rows []Row, preferred ...string) Table {
	t := Table{Rows: rows}
	t.sortRows()
	t.Columns = columnsOf(rows, preferred)
	return t
}

func columnsOf(rows []Row, preferred []string) []string {
	seen := map[string]bool{TimestampColumn: true}
	cols := []string{TimestampColumn}
	for _, name := range preferred {
		if !seen[name] {
			seen[name] = true
			cols = append(cols, name)
		}
	}
	var extra []string
	for _, r := range rows {
		for name := range r.Fields {
			if !seen[name] {
				seen[name] = true
				extra = append(extra, name)
			}
		}
	}
	sort.Strings(extra)
	return append(cols, extra...)
}

func (t *Table) sortRows() {
	sort.SliceStable(t.Rows, func(i, j int) bool {
		a, b := t.Rows[i], t.Rows[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.String("symbol") < b.String("symbol")
	})
}

func (t Table) Empty() bool { return len(t.Rows) == 0 }

func (t Table) Len() int { return len(t.Rows) }

// MinTime and MaxTime assume the rows are sorted, which NewTable guarantees.
func (t Table) MinTime() time.Time {
	if t.Empty() {
		return time.Time{}
	}
	return t.Rows[0].Timestamp
}

func (t Table) MaxTime() time.Time {
	if t.Empty() {
		return time.Time{}
	}
	return t.Rows[len(t.Rows)-1].Timestamp
}

// Records flattens the table for JSON output. Timestamps use TimeLayout.
func (t Table) Records() []map[string]any {
	out := make([]map[string]any, 0, len(t.Rows))
	for _, r := range t.Rows {
		m := make(map[string]any, len(t.Columns))
		m[TimestampColumn] = r.Timestamp.Format(TimeLayout)
		for _, c := range t.Columns[1:] {
			m[c] = r.Fields[c]
		}
		out = append(out, m)
	}
	return out
}

// DataFrame exposes the table to factor code that works on gota frames.
// Columns whose non-nil values are all numeric become float columns.
func (t Table) DataFrame() dataframe.DataFrame {
	if t.Empty() {
		return dataframe.New()
	}
	types := map[string]gseries.Type{TimestampColumn: gseries.String}
	for _, c := range t.Columns[1:] {
		types[c] = gseries.Float
		for _, r := range t.Rows {
			if v := r.Fields[c]; v != nil {
				if _, ok := v.(float64); !ok {
					types[c] = gseries.String
					break
				}
			}
		}
	}
	records := make([][]string, 0, len(t.Rows)+1)
	records = append(records, append([]string(nil), t.Columns...))
	for _, r := range t.Rows {
		rec := make([]string, len(t.Columns))
		rec[0] = r.Timestamp.Format(TimeLayout)
		for i, c := range t.Columns[1:] {
			switch v := r.Fields[c].(type) {
			case nil:
				rec[i+1] = "NaN"
			case float64:
				rec[i+1] = strconv.FormatFloat(v, 'f', -1, 64)
			case string:
				rec[i+1] = v
			default:
				rec[i+1] = "NaN"
			}
		}
		records = append(records, rec)
	}
	return dataframe.LoadRecords(records,
		dataframe.HasHeader(true),
		dataframe.DetectTypes(false),
		dataframe.WithTypes(types),
	)
}
