// Package coverage decides whether cached rows already answer a request.
package coverage

import (
	"math"
	"sort"
	"time"

	"marketfeed/internal/series"
)

// Cadence is the period a series publishes once per. Cached bounds are
// compared at that granularity.
type Cadence string

const (
	CadenceDay     Cadence = "day"
	CadenceMonth   Cadence = "month"
	CadenceQuarter Cadence = "quarter"
)

func (c Cadence) Valid() bool {
	switch c {
	case "", CadenceDay, CadenceMonth, CadenceQuarter:
		return true
	}
	return false
}

// Floor is the first day of the period containing t.
func (c Cadence) Floor(t time.Time) time.Time {
	d := series.DateOf(series.Naive(t))
	switch c {
	case CadenceMonth:
		return time.Date(d.Year(), d.Month(), 1, 0, 0, 0, 0, time.UTC)
	case CadenceQuarter:
		return time.Date(d.Year(), (d.Month()-1)/3*3+1, 1, 0, 0, 0, 0, time.UTC)
	}
	return d
}

// Rule holds the heuristic constants for one data type. They approximate a
// trading calendar and are not derived from one.
type Rule struct {
	// TradingDayRatio estimates trading days per calendar day.
	TradingDayRatio float64 `mapstructure:"trading_day_ratio" json:"trading_day_ratio"`
	// DensityFactor is the share of expected points the cache must hold.
	DensityFactor float64 `mapstructure:"density_factor" json:"density_factor"`
	// MinPoints caps the density threshold from above.
	MinPoints int `mapstructure:"min_points" json:"min_points"`
	// SnapshotTTL is how long an industry or concept listing stays fresh.
	SnapshotTTL time.Duration `mapstructure:"snapshot_ttl" json:"snapshot_ttl"`
	// Cadence is the publishing period; empty means daily.
	Cadence Cadence `mapstructure:"cadence" json:"cadence"`
}

// DefaultRule is the daily-bar heuristic.
func DefaultRule() Rule {
	return Rule{TradingDayRatio: 0.7, DensityFactor: 0.8, MinPoints: 10, SnapshotTTL: 24 * time.Hour, Cadence: CadenceDay}
}

type Evaluator struct {
	Default   Rule
	Overrides map[series.DataType]Rule
	// Now is used for snapshot freshness. Defaults to time.Now.
	Now func() time.Time
}

func New(def Rule, overrides map[series.DataType]Rule) *Evaluator {
	return &Evaluator{Default: def, Overrides: overrides}
}

// Rule returns the rule in force for dt.
func (e *Evaluator) Rule(dt series.DataType) Rule {
	if r, ok := e.Overrides[dt]; ok {
		return r
	}
	return e.Default
}

// Verdict explains a coverage decision.
type Verdict struct {
	Covered bool
	// Fetched is set when a recorded fetch range already contains the request.
	Fetched    bool
	Dense      bool
	Sufficient bool
	Expected   int
	Threshold  float64
	Count      int
}

// Evaluate compares cached rows against the requested range. Ranged types
// need the range covered at the rule's density. A range is covered when one of
// the fetched spans contains it, or when the cached min and max, taken at the
// rule's cadence, enclose it. Snapshot types only need a non-empty listing
// younger than SnapshotTTL.
func (e *Evaluator) Evaluate(dt series.DataType, r series.Range, cached series.Table, fetched []series.Range) Verdict {
	rule := e.Rule(dt)
	v := Verdict{Count: cached.Len()}
	if cached.Empty() {
		return v
	}

	if !dt.Ranged() {
		fresh := e.now().Sub(cached.MaxTime()) < rule.SnapshotTTL
		v.Covered, v.Dense, v.Sufficient = fresh, true, fresh
		return v
	}

	v.Fetched = Contains(fetched, r)
	c := rule.Cadence
	spans := !c.Floor(cached.MinTime()).After(c.Floor(r.Start)) && !c.Floor(cached.MaxTime()).Before(c.Floor(r.End))
	v.Covered = v.Fetched || spans

	v.Expected = int(math.Floor(float64(r.Days()) * rule.TradingDayRatio))
	v.Threshold = math.Min(float64(v.Expected)*rule.DensityFactor, float64(rule.MinPoints))
	v.Dense = float64(v.Count) >= v.Threshold

	v.Sufficient = v.Covered && v.Dense
	return v
}

// Contains reports whether the union of spans includes every day of r.
// Spans that overlap or touch on consecutive days are merged.
func Contains(spans []series.Range, r series.Range) bool {
	if len(spans) == 0 || r.IsZero() {
		return false
	}
	sorted := append([]series.Range(nil), spans...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })

	start, end := series.DateOf(r.Start), series.DateOf(r.End)
	var cur series.Range
	for i, s := range sorted {
		s = series.Range{Start: series.DateOf(s.Start), End: series.DateOf(s.End)}
		if i == 0 || s.Start.After(cur.End.AddDate(0, 0, 1)) {
			cur = s
		} else if s.End.After(cur.End) {
			cur.End = s.End
		}
		if !cur.Start.After(start) && !cur.End.Before(end) {
			return true
		}
	}
	return false
}

func (e *Evaluator) now() time.Time {
	if e.Now != nil {
		return series.Naive(e.Now())
	}
	return series.Naive(time.Now())
}
