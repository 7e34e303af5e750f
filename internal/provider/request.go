package provider

import (
	"fmt"
	"strings"

	"marketfeed/internal/series"
)

// Freq is the bar size of a minute request.
type Freq string

const (
	Freq1Min  Freq = "1min"
	Freq5Min  Freq = "5min"
	Freq15Min Freq = "15min"
	Freq30Min Freq = "30min"
	Freq60Min Freq = "60min"
)

// DefaultFreq applies when a minute request does not name one.
const DefaultFreq = Freq1Min

func (f Freq) Valid() bool {
	switch f {
	case Freq1Min, Freq5Min, Freq15Min, Freq30Min, Freq60Min:
		return true
	}
	return false
}

// Minutes is the bar length; 0 for an invalid frequency.
func (f Freq) Minutes() int {
	switch f {
	case Freq1Min:
		return 1
	case Freq5Min:
		return 5
	case Freq15Min:
		return 15
	case Freq30Min:
		return 30
	case Freq60Min:
		return 60
	}
	return 0
}

// Indicator names a macro series.
type Indicator string

const (
	GDP          Indicator = "gdp"
	CPI          Indicator = "cpi"
	PPI          Indicator = "ppi"
	M2           Indicator = "m2"
	InterestRate Indicator = "interest_rate"
)

func (i Indicator) Valid() bool {
	switch i {
	case GDP, CPI, PPI, M2, InterestRate:
		return true
	}
	return false
}

// Request is a closed set of per-type request variants. Each variant carries
// only the parameters its data type needs.
type Request interface {
	DataType() series.DataType
	// Key is the symbol, or the indicator for macro requests; empty for snapshots.
	Key() string
	DateRange() series.Range
	isRequest()
}

type DailyRequest struct {
	Symbol string
	Period series.Range
}

type MinuteRequest struct {
	Symbol string
	Period series.Range
	Freq   Freq
}

type FinancialRequest struct {
	Symbol string
	Period series.Range
}

type MacroRequest struct {
	Indicator Indicator
	Period    series.Range
}

type IndustryRequest struct{}

type ConceptRequest struct{}

func (DailyRequest) DataType() series.DataType     { return series.Daily }
func (MinuteRequest) DataType() series.DataType    { return series.Minute }
func (FinancialRequest) DataType() series.DataType { return series.Financial }
func (MacroRequest) DataType() series.DataType     { return series.Macro }
func (IndustryRequest) DataType() series.DataType  { return series.Industry }
func (ConceptRequest) DataType() series.DataType   { return series.Concept }

func (r DailyRequest) Key() string     { return r.Symbol }
func (r MinuteRequest) Key() string    { return r.Symbol }
func (r FinancialRequest) Key() string { return r.Symbol }
func (r MacroRequest) Key() string     { return string(r.Indicator) }
func (IndustryRequest) Key() string    { return "" }
func (ConceptRequest) Key() string     { return "" }

func (r DailyRequest) DateRange() series.Range     { return r.Period }
func (r MinuteRequest) DateRange() series.Range    { return r.Period }
func (r FinancialRequest) DateRange() series.Range { return r.Period }
func (r MacroRequest) DateRange() series.Range     { return r.Period }
func (IndustryRequest) DateRange() series.Range    { return series.Range{} }
func (ConceptRequest) DateRange() series.Range     { return series.Range{} }

func (DailyRequest) isRequest()     {}
func (MinuteRequest) isRequest()    {}
func (FinancialRequest) isRequest() {}
func (MacroRequest) isRequest()     {}
func (IndustryRequest) isRequest()  {}
func (ConceptRequest) isRequest()   {}

// NewRequest builds the variant for dt. key is the symbol, or the indicator for
// macro. freq only applies to minute requests and defaults to DefaultFreq.
// Missing parameters are not checked here; providers reject them in Validate.
func NewRequest(dt series.DataType, key string, period series.Range, freq string) (Request, error) {
	key = strings.TrimSpace(key)
	switch dt {
	case series.Daily:
		return DailyRequest{Symbol: key, Period: period}, nil
	case series.Minute:
		f := Freq(strings.ToLower(strings.TrimSpace(freq)))
		if f == "" {
			f = DefaultFreq
		}
		return MinuteRequest{Symbol: key, Period: period, Freq: f}, nil
	case series.Financial:
		return FinancialRequest{Symbol: key, Period: period}, nil
	case series.Macro:
		return MacroRequest{Indicator: Indicator(strings.ToLower(key)), Period: period}, nil
	case series.Industry:
		return IndustryRequest{}, nil
	case series.Concept:
		return ConceptRequest{}, nil
	}
	return nil, fmt.Errorf("%w: %q", series.ErrUnsupportedDataType, string(dt))
}

// ValidationError reports a missing or malformed request parameter.
type ValidationError struct {
	Provider string
	DataType series.DataType
	Param    string
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: invalid %s request: %s %s", e.Provider, e.DataType, e.Param, e.Reason)
}

// ValidateParams checks the parameters every provider needs for req's type.
func ValidateParams(name string, req Request) error {
	invalid := func(param, reason string) error {
		return &ValidationError{Provider: name, DataType: req.DataType(), Param: param, Reason: reason}
	}
	switch r := req.(type) {
	case DailyRequest:
		if r.Symbol == "" {
			return invalid("symbol", "is required")
		}
		if r.Period.IsZero() {
			return invalid("start_date/end_date", "are required")
		}
	case MinuteRequest:
		if r.Symbol == "" {
			return invalid("symbol", "is required")
		}
		if r.Period.IsZero() {
			return invalid("start_date/end_date", "are required")
		}
		if !r.Freq.Valid() {
			return invalid("freq", fmt.Sprintf("%q is not one of 1min/5min/15min/30min/60min", r.Freq))
		}
	case FinancialRequest:
		if r.Symbol == "" {
			return invalid("symbol", "is required")
		}
		if r.Period.IsZero() {
			return invalid("start_date/end_date", "are required")
		}
	case MacroRequest:
		if !r.Indicator.Valid() {
			return invalid("indicator", fmt.Sprintf("%q is not one of gdp|cpi|ppi|m2|interest_rate", r.Indicator))
		}
		if r.Period.IsZero() {
			return invalid("start_date/end_date", "are required")
		}
	case IndustryRequest, ConceptRequest:
	default:
		return invalid("data_type", "is not supported")
	}
	return nil
}
