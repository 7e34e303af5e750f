package series

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DataType names a canonical series category. It doubles as the cache measurement.
type DataType string

const (
	Daily     DataType = "daily"
	Minute    DataType = "minute"
	Financial DataType = "financial"
	Macro     DataType = "macro"
	Industry  DataType = "industry"
	Concept   DataType = "concept"
)

var (
	ErrUnsupportedDataType = errors.New("unsupported data type")
	ErrInvalidDate         = errors.New("invalid date")
)

var allDataTypes = []DataType{Daily, Minute, Financial, Macro, Industry, Concept}

// AllDataTypes lists every data type the engine understands.
func AllDataTypes() []DataType {
	out := make([]DataType, len(allDataTypes))
	copy(out, allDataTypes)
	return out
}

// ParseDataType is strict: unknown names are a caller bug, not a "no data" result.
func ParseDataType(s string) (DataType, error) {
	dt := DataType(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range allDataTypes {
		if dt == known {
			return dt, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedDataType, s)
}

// Ranged reports whether requests of this type are bounded by a date range.
// Industry and concept listings are snapshots and ignore both range and symbol.
func (d DataType) Ranged() bool {
	return d != Industry && d != Concept
}

func (d DataType) String() string { return string(d) }

// Range is an inclusive pair of calendar dates, stored as UTC midnights.
type Range struct {
	Start time.Time
	End   time.Time
}

var dateLayouts = []string{"2006-01-02", "20060102", "2006/01/02"}

// ParseDate reads a calendar date. Any time-of-day or zone information is discarded.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return DateOf(t), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, s)
}

// ParseRange parses both ends. start <= end is assumed, not validated.
func ParseRange(start, end string) (Range, error) {
	s, err := ParseDate(start)
	if err != nil {
		return Range{}, err
	}
	e, err := ParseDate(end)
	if err != nil {
		return Range{}, err
	}
	return Range{Start: s, End: e}, nil
}

func (r Range) IsZero() bool { return r.Start.IsZero() && r.End.IsZero() }

// Days is the whole number of days from Start to End.
func (r Range) Days() int {
	if r.IsZero() {
		return 0
	}
	return int(r.End.Sub(r.Start).Hours() / 24)
}

// Until is the exclusive upper bound covering every instant of the End date.
func (r Range) Until() time.Time {
	return r.End.AddDate(0, 0, 1)
}

func (r Range) String() string {
	return r.Start.Format("2006-01-02") + ".." + r.End.Format("2006-01-02")
}

// Naive drops the zone while keeping the wall clock, so instants from different
// providers and stores compare on the same footing.
func Naive(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}

// DateOf truncates t to its calendar date as a UTC midnight.
func DateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
