package tushareadapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"marketfeed/internal/provider"
	"marketfeed/internal/provider/tushare"
	"marketfeed/internal/series"
)

type call struct {
	API    string         `json:"api_name"`
	Params map[string]any `json:"params"`
	Fields string         `json:"fields"`
}

// gateway answers every api_name with the frame registered for it.
func gateway(t *testing.T, frames map[string]map[string]any, seen *[]call) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var c call
		require.NoError(t, json.NewDecoder(r.Body).Decode(&c))
		if seen != nil {
			*seen = append(*seen, c)
		}
		data, ok := frames[c.API]
		if !ok {
			_ = json.NewEncoder(w).Encode(map[string]any{"code": 40101, "msg": "unknown api"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 0, "msg": "", "data": data})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func jan2024() series.Range {
	return series.Range{
		Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
	}
}

func TestFetch_Daily(t *testing.T) {
	var seen []call
	srv := gateway(t, map[string]map[string]any{
		"daily": {
			"fields": barFields,
			"items": [][]any{
				{"000001.SZ", "20240102", 9.39, 9.42, 9.21, 9.21, 1158366.0, 1075742.0},
			},
		},
	}, &seen)
	a := New(Config{}, tushare.NewClient("token", tushare.WithBaseURL(srv.URL)))

	recs, err := a.Fetch(context.Background(), provider.DailyRequest{Symbol: "000001.SZ", Period: jan2024()})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "20240102", recs[0]["trade_date"])
	require.Equal(t, 1158366.0, recs[0]["vol"])

	require.Len(t, seen, 1)
	require.Equal(t, "daily", seen[0].API)
	require.Equal(t, "20240101", seen[0].Params["start_date"])
	require.Equal(t, "20240131", seen[0].Params["end_date"])
}

func TestFetch_MacroMapsValueColumn(t *testing.T) {
	var seen []call
	srv := gateway(t, map[string]map[string]any{
		"cn_gdp": {
			"fields": []string{"quarter", "gdp", "gdp_yoy"},
			"items":  [][]any{{"2024Q1", 296299.0, 5.3}},
		},
	}, &seen)
	a := New(Config{}, tushare.NewClient("token", tushare.WithBaseURL(srv.URL)))

	period := series.Range{
		Start: time.Date(2023, 11, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
	}
	recs, err := a.Fetch(context.Background(), provider.MacroRequest{Indicator: provider.GDP, Period: period})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, 296299.0, recs[0]["value"])
	require.Equal(t, "2023Q4", seen[0].Params["start_q"])
	require.Equal(t, "2024Q2", seen[0].Params["end_q"])
}

func TestFetch_APIErrorSurfaces(t *testing.T) {
	srv := gateway(t, map[string]map[string]any{}, nil)
	a := New(Config{}, tushare.NewClient("token", tushare.WithBaseURL(srv.URL)))

	_, err := a.Fetch(context.Background(), provider.ConceptRequest{})
	require.Error(t, err)
}

func TestHealthCheck(t *testing.T) {
	srv := gateway(t, map[string]map[string]any{
		"trade_cal": {
			"fields": []string{"exchange", "cal_date", "is_open"},
			"items":  [][]any{{"SSE", "20240101", 0}, {"SSE", "20240102", 1}},
		},
	}, nil)

	healthy := New(Config{}, tushare.NewClient("token", tushare.WithBaseURL(srv.URL)))
	require.True(t, healthy.HealthCheck(context.Background()))

	noToken := New(Config{}, tushare.NewClient("", tushare.WithBaseURL(srv.URL)))
	require.False(t, noToken.HealthCheck(context.Background()))
}

func TestValidate(t *testing.T) {
	a := New(Config{}, tushare.NewClient(""))
	require.NoError(t, a.Validate(provider.IndustryRequest{}))
	require.Error(t, a.Validate(provider.DailyRequest{Period: jan2024()}))
	require.Len(t, a.SupportedTypes(), 6)
	require.Equal(t, Name, a.Name())
}
