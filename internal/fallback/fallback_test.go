package fallback

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"marketfeed/internal/provider"
	"marketfeed/internal/provider/cache"
	"marketfeed/internal/provider/providertest"
	"marketfeed/internal/series"
)

func jan2024() series.Range {
	return series.Range{
		Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
	}
}

func dailyReq() provider.Request {
	return provider.DailyRequest{Symbol: "000001.SZ", Period: jan2024()}
}

func bars(n int) []provider.Record {
	out := make([]provider.Record, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, provider.Record{
			"trade_date": time.Date(2024, 1, 2+i, 0, 0, 0, 0, time.UTC).Format("20060102"),
			"open":       10.0, "high": 11.0, "low": 9.0, "close": 10.5, "vol": 100.0, "amount": 1050.0,
		})
	}
	return out
}

func names(ps []provider.Provider) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.Name()
	}
	return out
}

func statusOf(t *testing.T, e *Engine, name string) ProviderStatus {
	t.Helper()
	for _, st := range e.Status() {
		if st.Name == name {
			return st
		}
	}
	t.Fatalf("no provider %s", name)
	return ProviderStatus{}
}

func TestCandidates_OrderedByPriorityStable(t *testing.T) {
	e := New()
	require.NoError(t, e.Register(&providertest.Fake{ID: "a"}, 2))
	require.NoError(t, e.Register(&providertest.Fake{ID: "b"}, 1))
	require.NoError(t, e.Register(&providertest.Fake{ID: "c"}, 1))
	require.NoError(t, e.Register(&providertest.Fake{ID: "d", Types: []series.DataType{series.Macro}}, 0))

	require.Equal(t, []string{"b", "c", "a"}, names(e.Candidates(series.Daily)))
	require.Equal(t, []string{"d", "b", "c", "a"}, names(e.Candidates(series.Macro)))

	require.NoError(t, e.SetActive("b", false))
	require.Equal(t, []string{"c", "a"}, names(e.Candidates(series.Daily)))

	require.ErrorIs(t, e.Register(&providertest.Fake{ID: "a"}, 5), ErrDuplicateProvider)
	require.ErrorIs(t, e.SetActive("zzz", true), ErrUnknownProvider)
}

func TestFetchWithFallback_FirstSuccessWins(t *testing.T) {
	a := &providertest.Fake{ID: "a", Rows: bars(3)}
	b := &providertest.Fake{ID: "b", Rows: bars(5)}
	e := New()
	require.NoError(t, e.Register(a, 1))
	require.NoError(t, e.Register(b, 2))

	tbl := e.FetchWithFallback(context.Background(), dailyReq())
	require.Equal(t, 3, tbl.Len())
	require.Equal(t, 1, a.Fetches())
	require.Zero(t, b.Fetches())
	require.Equal(t, "000001.SZ", tbl.Rows[0].Fields["symbol"])
}

func TestFetchWithFallback_SkipsUnhealthyWithoutRecording(t *testing.T) {
	a := &providertest.Fake{ID: "a", Unhealthy: true, Rows: bars(3)}
	b := &providertest.Fake{ID: "b", Rows: bars(20)}
	e := New()
	require.NoError(t, e.Register(a, 1))
	require.NoError(t, e.Register(b, 2))

	tbl := e.FetchWithFallback(context.Background(), dailyReq())
	require.Equal(t, 20, tbl.Len())
	require.Zero(t, a.Fetches())
	require.Zero(t, statusOf(t, e, "a").ErrorCount)
	require.Equal(t, []string{"timestamp", "open", "high", "low", "close", "volume", "amount", "symbol"}, tbl.Columns)
}

func TestFetchWithFallback_ErrorsAndEmptiesAreRecorded(t *testing.T) {
	a := &providertest.Fake{ID: "a", Err: errors.New("boom")}
	b := &providertest.Fake{ID: "b"}
	c := &providertest.Fake{ID: "c", Rows: bars(2)}
	e := New()
	require.NoError(t, e.Register(a, 1))
	require.NoError(t, e.Register(b, 2))
	require.NoError(t, e.Register(c, 3))

	tbl := e.FetchWithFallback(context.Background(), dailyReq())
	require.Equal(t, 2, tbl.Len())
	require.Equal(t, 1, statusOf(t, e, "a").ErrorCount)
	require.Equal(t, 1, statusOf(t, e, "b").ErrorCount)
	require.Zero(t, statusOf(t, e, "c").ErrorCount)
}

func TestFetchWithFallback_ValidationRejectsOnlyThatProvider(t *testing.T) {
	a := &providertest.Fake{ID: "a", Rows: bars(1), ValidateFunc: func(provider.Request) error {
		return &provider.ValidationError{Provider: "a", Param: "symbol", Reason: "unknown market"}
	}}
	b := &providertest.Fake{ID: "b", Rows: bars(2)}
	e := New()
	require.NoError(t, e.Register(a, 1))
	require.NoError(t, e.Register(b, 2))

	tbl := e.FetchWithFallback(context.Background(), dailyReq())
	require.Equal(t, 2, tbl.Len())
	require.Zero(t, a.Fetches())
	require.Zero(t, statusOf(t, e, "a").ErrorCount)
}

func TestFetchWithFallback_ExhaustedIsEmptyNotError(t *testing.T) {
	e := New()
	require.NoError(t, e.Register(&providertest.Fake{ID: "a", Err: errors.New("down")}, 1))
	require.NoError(t, e.Register(&providertest.Fake{ID: "b", Unhealthy: true}, 2))

	tbl := e.FetchWithFallback(context.Background(), dailyReq())
	require.True(t, tbl.Empty())
	require.Equal(t, []string{"timestamp", "open", "high", "low", "close", "volume", "amount"}, tbl.Columns)

	require.True(t, New().FetchWithFallback(context.Background(), dailyReq()).Empty())
}

func TestFetchWithFallback_TimeoutAndPanicCountAsErrors(t *testing.T) {
	slow := &providertest.Fake{ID: "slow", FetchFunc: func(ctx context.Context, _ provider.Request) ([]provider.Record, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	crashy := &providertest.Fake{ID: "crashy", FetchFunc: func(context.Context, provider.Request) ([]provider.Record, error) {
		panic("nil map")
	}}
	ok := &providertest.Fake{ID: "ok", Rows: bars(1)}
	e := New(WithFetchTimeout(20 * time.Millisecond))
	require.NoError(t, e.Register(slow, 1))
	require.NoError(t, e.Register(crashy, 2))
	require.NoError(t, e.Register(ok, 3))

	tbl := e.FetchWithFallback(context.Background(), dailyReq())
	require.Equal(t, 1, tbl.Len())
	require.Equal(t, 1, statusOf(t, e, "slow").ErrorCount)
	require.Equal(t, 1, statusOf(t, e, "crashy").ErrorCount)
}

func TestFetchWithFallback_ParentCancellationRecordsNothing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	a := &providertest.Fake{ID: "a", FetchFunc: func(ctx context.Context, _ provider.Request) ([]provider.Record, error) {
		cancel()
		return nil, ctx.Err()
	}}
	b := &providertest.Fake{ID: "b", Rows: bars(1)}
	e := New()
	require.NoError(t, e.Register(a, 1))
	require.NoError(t, e.Register(b, 2))

	tbl := e.FetchWithFallback(ctx, dailyReq())
	require.True(t, tbl.Empty())
	require.Zero(t, statusOf(t, e, "a").ErrorCount)
	require.Zero(t, b.Fetches())
}

func TestThresholdTripsAndHealthCheckAllRevives(t *testing.T) {
	flaky := &providertest.Fake{ID: "flaky", Err: errors.New("503")}
	e := New(WithMaxErrors(2))
	require.NoError(t, e.Register(flaky, 1))

	e.FetchWithFallback(context.Background(), dailyReq())
	require.Equal(t, "active", statusOf(t, e, "flaky").Status)
	e.FetchWithFallback(context.Background(), dailyReq())
	require.Equal(t, "error", statusOf(t, e, "flaky").Status)
	require.Empty(t, e.Candidates(series.Daily))

	e.FetchWithFallback(context.Background(), dailyReq())
	require.Equal(t, 2, flaky.Fetches(), "ERROR provider is not tried")

	res := e.HealthCheckAll(context.Background())
	require.Equal(t, map[string]bool{"flaky": true}, res)
	st := statusOf(t, e, "flaky")
	require.Equal(t, "active", st.Status)
	require.Zero(t, st.ErrorCount)
}

func TestHealthCheckAll_KeepsInactive(t *testing.T) {
	e := New()
	require.NoError(t, e.Register(&providertest.Fake{ID: "a"}, 1, MaxErrors(5)))
	require.NoError(t, e.Register(&providertest.Fake{ID: "b", Unhealthy: true}, 2))
	require.NoError(t, e.SetActive("a", false))

	res := e.HealthCheckAll(context.Background())
	require.Equal(t, map[string]bool{"a": true, "b": false}, res)
	require.Equal(t, "inactive", statusOf(t, e, "a").Status)
	require.Equal(t, 5, statusOf(t, e, "a").MaxErrors)
	require.Equal(t, 1, statusOf(t, e, "b").ErrorCount)

	require.NoError(t, e.SetActive("a", true))
	require.Equal(t, "active", statusOf(t, e, "a").Status)
}

func TestMemoizedHealthIsForgottenOnResetAndSweep(t *testing.T) {
	fake := &providertest.Fake{ID: "p", Unhealthy: true, Rows: bars(3)}
	e := New()
	require.NoError(t, e.Register(&cache.HealthMemo{P: fake, TTL: time.Hour}, 1))

	require.True(t, e.FetchWithFallback(context.Background(), dailyReq()).Empty())
	fake.Unhealthy = false
	require.True(t, e.FetchWithFallback(context.Background(), dailyReq()).Empty(), "memoized unhealthy")
	require.Equal(t, 1, fake.Checks())

	require.NoError(t, e.SetActive("p", true))
	require.Equal(t, 3, e.FetchWithFallback(context.Background(), dailyReq()).Len())
	require.Equal(t, 2, fake.Checks())

	fake.Unhealthy = true
	require.Equal(t, map[string]bool{"p": false}, e.HealthCheckAll(context.Background()))
	require.Equal(t, 3, fake.Checks())
}
