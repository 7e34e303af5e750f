package eastmoney

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"marketfeed/internal/httpx"
	"marketfeed/internal/provider"
	"marketfeed/internal/series"
)

// Name is the registry name of the Eastmoney provider.
const Name = "eastmoney"

// DefaultURL is the public historical kline endpoint.
const DefaultURL = "https://push2his.eastmoney.com/api/qt/stock/kline/get"

// Column names as the upstream labels them; the normalizer maps them.
const (
	colDate   = "日期"
	colOpen   = "开盘"
	colClose  = "收盘"
	colHigh   = "最高"
	colLow    = "最低"
	colVolume = "成交量"
	colAmount = "成交额"
)

// klineColumns follows fields2=f51..f57.
var klineColumns = []string{colDate, colOpen, colClose, colHigh, colLow, colVolume, colAmount}

type Config struct {
	Name    string
	URL     string
	Headers map[string]string
	// Adjust is the fqt parameter: 0 none, 1 forward, 2 backward. Default forward.
	Adjust *int
}

// Provider serves daily and minute bars from Eastmoney.
type Provider struct {
	cfg    Config
	client *httpx.Client
}

func New(cfg Config, hc *httpx.Client) *Provider {
	if cfg.Name == "" {
		cfg.Name = Name
	}
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.Adjust == nil {
		fwd := 1
		cfg.Adjust = &fwd
	}
	return &Provider{cfg: cfg, client: hc}
}

func (p *Provider) Name() string { return p.cfg.Name }

func (p *Provider) SupportedTypes() []series.DataType {
	return []series.DataType{series.Daily, series.Minute}
}

func (p *Provider) Validate(req provider.Request) error {
	if err := provider.ValidateParams(p.cfg.Name, req); err != nil {
		return err
	}
	if _, ok := secID(req.Key()); !ok {
		return &provider.ValidationError{Provider: p.cfg.Name, DataType: req.DataType(), Param: "symbol", Reason: fmt.Sprintf("%q is not an A-share code", req.Key())}
	}
	return nil
}

func (p *Provider) HealthCheck(ctx context.Context) bool {
	rows, err := p.klines(ctx, "000001", "101", "20240101", "20240102")
	return err == nil && len(rows) > 0
}

func (p *Provider) Fetch(ctx context.Context, req provider.Request) ([]provider.Record, error) {
	switch r := req.(type) {
	case provider.DailyRequest:
		return p.klines(ctx, r.Symbol, "101", compact(r.Period.Start), compact(r.Period.End))
	case provider.MinuteRequest:
		return p.klines(ctx, r.Symbol, fmt.Sprint(r.Freq.Minutes()), compact(r.Period.Start), compact(r.Period.End))
	}
	return nil, fmt.Errorf("eastmoney: unsupported request %T", req)
}

func (p *Provider) klines(ctx context.Context, symbol, klt, beg, end string) ([]provider.Record, error) {
	sid, ok := secID(symbol)
	if !ok {
		return nil, fmt.Errorf("eastmoney: cannot map symbol %q", symbol)
	}
	q := url.Values{}
	q.Set("secid", sid)
	q.Set("fields1", "f1,f2,f3,f4,f5,f6")
	q.Set("fields2", "f51,f52,f53,f54,f55,f56,f57")
	q.Set("klt", klt)
	q.Set("fqt", fmt.Sprint(*p.cfg.Adjust))
	q.Set("beg", beg)
	q.Set("end", end)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.URL+"?"+q.Encode(), http.NoBody)
	if err != nil {
		return nil, err
	}
	for k, v := range p.cfg.Headers {
		req.Header.Set(k, v)
	}
	resp, err := p.client.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2<<10))
		return nil, fmt.Errorf("GET %s -> %d: %s", p.cfg.URL, resp.StatusCode, string(b))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	return parseKlines(body)
}

// parseKlines reads
//
//	{"rc":0,"data":{"code":"000001","klines":["2024-01-02,9.39,9.21,9.42,9.21,1158366,1075742188.00"]}}
//
// A null data object means the symbol or range has no bars.
func parseKlines(body []byte) ([]provider.Record, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("eastmoney: invalid json")
	}
	root := gjson.ParseBytes(body)
	if rc := root.Get("rc").Int(); rc != 0 {
		return nil, fmt.Errorf("eastmoney: rc=%d", rc)
	}
	lines := root.Get("data.klines").Array()
	out := make([]provider.Record, 0, len(lines))
	for _, line := range lines {
		parts := strings.Split(line.String(), ",")
		if len(parts) < len(klineColumns) {
			continue
		}
		rec := make(provider.Record, len(klineColumns))
		for i, col := range klineColumns {
			rec[col] = parts[i]
		}
		out = append(out, rec)
	}
	return out, nil
}

// secID maps "000001.SZ", "600000.SH" or a bare six-digit code to the
// "<market>.<code>" form the endpoint expects.
func secID(symbol string) (string, bool) {
	code, suffix, _ := strings.Cut(strings.ToUpper(strings.TrimSpace(symbol)), ".")
	if len(code) != 6 {
		return "", false
	}
	for _, c := range code {
		if c < '0' || c > '9' {
			return "", false
		}
	}
	switch suffix {
	case "SH":
		return "1." + code, true
	case "SZ", "BJ":
		return "0." + code, true
	case "":
		if code[0] == '6' || code[0] == '9' {
			return "1." + code, true
		}
		return "0." + code, true
	}
	return "", false
}

func compact(t time.Time) string { return t.Format("20060102") }
