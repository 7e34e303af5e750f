package tushareadapter

import (
	"context"
	"fmt"
	"time"

	"marketfeed/internal/provider"
	"marketfeed/internal/provider/tushare"
	"marketfeed/internal/series"
)

// Name is the registry name of the Tushare provider.
const Name = "tushare"

type Config struct {
	Name string // display name, default: tushare
	// ConceptSource is the "src" parameter of the concept API, default: ts.
	ConceptSource string
}

// Adapter maps request variants onto Tushare Pro APIs.
type Adapter struct {
	cfg    Config
	client *tushare.Client
}

func New(cfg Config, client *tushare.Client) *Adapter {
	if cfg.Name == "" {
		cfg.Name = Name
	}
	if cfg.ConceptSource == "" {
		cfg.ConceptSource = "ts"
	}
	return &Adapter{cfg: cfg, client: client}
}

func (a *Adapter) Name() string { return a.cfg.Name }

func (a *Adapter) SupportedTypes() []series.DataType {
	return []series.DataType{series.Daily, series.Minute, series.Financial, series.Macro, series.Industry, series.Concept}
}

func (a *Adapter) Validate(req provider.Request) error {
	return provider.ValidateParams(a.cfg.Name, req)
}

// HealthCheck asks for two days of the SSE trading calendar. A client without
// a token is never healthy.
func (a *Adapter) HealthCheck(ctx context.Context) bool {
	if !a.client.HasToken() {
		return false
	}
	frame, err := a.client.Query(ctx, "trade_cal", map[string]any{
		"exchange":   "SSE",
		"start_date": "20240101",
		"end_date":   "20240102",
	}, nil)
	return err == nil && len(frame.Items) > 0
}

var (
	barFields       = []string{"ts_code", "trade_date", "open", "high", "low", "close", "vol", "amount"}
	minuteFields    = []string{"ts_code", "trade_time", "open", "high", "low", "close", "vol", "amount"}
	financialFields = []string{
		"ts_code", "ann_date", "end_date", "eps", "bps", "roe", "roa",
		"grossprofit_margin", "netprofit_margin", "debt_to_assets", "current_ratio",
	}
	industryFields = []string{"ts_code", "name", "area", "industry", "market", "list_date"}
	conceptFields  = []string{"code", "name", "src"}
)

func (a *Adapter) Fetch(ctx context.Context, req provider.Request) ([]provider.Record, error) {
	switch r := req.(type) {
	case provider.DailyRequest:
		return a.query(ctx, "daily", map[string]any{
			"ts_code":    r.Symbol,
			"start_date": compact(r.Period.Start),
			"end_date":   compact(r.Period.End),
		}, barFields, nil)

	case provider.MinuteRequest:
		return a.query(ctx, "stk_mins", map[string]any{
			"ts_code":    r.Symbol,
			"freq":       string(r.Freq),
			"start_date": r.Period.Start.Format("2006-01-02") + " 09:00:00",
			"end_date":   r.Period.End.Format("2006-01-02") + " 15:00:00",
		}, minuteFields, nil)

	case provider.FinancialRequest:
		return a.query(ctx, "fina_indicator", map[string]any{
			"ts_code":    r.Symbol,
			"start_date": compact(r.Period.Start),
			"end_date":   compact(r.Period.End),
		}, financialFields, nil)

	case provider.MacroRequest:
		m, ok := macroAPIs[r.Indicator]
		if !ok {
			return nil, fmt.Errorf("tushare: unsupported macro indicator %q", r.Indicator)
		}
		return a.query(ctx, m.api, m.params(r.Period), m.fields, func(rec provider.Record) {
			rec["value"] = rec[m.value]
		})

	case provider.IndustryRequest:
		return a.query(ctx, "stock_basic", map[string]any{"exchange": "", "list_status": "L"}, industryFields, nil)

	case provider.ConceptRequest:
		return a.query(ctx, "concept", map[string]any{"src": a.cfg.ConceptSource}, conceptFields, nil)
	}
	return nil, fmt.Errorf("tushare: unsupported request %T", req)
}

func (a *Adapter) query(ctx context.Context, api string, params map[string]any, fields []string, mutate func(provider.Record)) ([]provider.Record, error) {
	frame, err := a.client.Query(ctx, api, params, fields)
	if err != nil {
		return nil, err
	}
	recs := frame.Records()
	out := make([]provider.Record, 0, len(recs))
	for _, rec := range recs {
		r := provider.Record(rec)
		if mutate != nil {
			mutate(r)
		}
		out = append(out, r)
	}
	return out, nil
}

// macroAPI describes how one indicator is served: the API, its range
// parameters and the column that becomes "value".
type macroAPI struct {
	api    string
	fields []string
	value  string
	params func(series.Range) map[string]any
}

var macroAPIs = map[provider.Indicator]macroAPI{
	provider.GDP: {
		api: "cn_gdp", fields: []string{"quarter", "gdp", "gdp_yoy"}, value: "gdp",
		params: func(r series.Range) map[string]any {
			return map[string]any{"start_q": quarter(r.Start), "end_q": quarter(r.End)}
		},
	},
	provider.CPI: {
		api: "cn_cpi", fields: []string{"month", "nt_val", "nt_yoy", "nt_mom"}, value: "nt_val",
		params: monthParams,
	},
	provider.PPI: {
		api: "cn_ppi", fields: []string{"month", "ppi_yoy", "ppi_mom"}, value: "ppi_yoy",
		params: monthParams,
	},
	provider.M2: {
		api: "cn_m", fields: []string{"month", "m2", "m2_yoy"}, value: "m2",
		params: monthParams,
	},
	provider.InterestRate: {
		api: "shibor", fields: []string{"date", "on", "1w", "1m", "3m", "1y"}, value: "on",
		params: func(r series.Range) map[string]any {
			return map[string]any{"start_date": compact(r.Start), "end_date": compact(r.End)}
		},
	},
}

func monthParams(r series.Range) map[string]any {
	return map[string]any{"start_m": r.Start.Format("200601"), "end_m": r.End.Format("200601")}
}

func compact(t time.Time) string { return t.Format("20060102") }

func quarter(t time.Time) string {
	return fmt.Sprintf("%dQ%d", t.Year(), (int(t.Month())-1)/3+1)
}
