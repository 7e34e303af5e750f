// Package acquire is the single entry point upstream consumers use to read
// market series: cache first, then the provider fallback chain, then
// write-back.
package acquire

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"marketfeed/internal/coverage"
	"marketfeed/internal/logger"
	"marketfeed/internal/normalize"
	"marketfeed/internal/provider"
	"marketfeed/internal/series"
	"marketfeed/internal/store"
)

// Fetcher is the provider side of the service. *fallback.Engine implements it.
type Fetcher interface {
	FetchWithFallback(ctx context.Context, req provider.Request) series.Table
}

// Service is built once per process and shared. Concurrent identical misses
// may each fetch and write; the writes are idempotent.
type Service struct {
	fetcher  Fetcher
	store    store.Store
	coverage *coverage.Evaluator

	syncConcurrency int
	now             func() time.Time
}

type Option func(*Service)

// WithSyncConcurrency bounds how many symbols Sync fetches at once.
func WithSyncConcurrency(n int) Option { return func(s *Service) { s.syncConcurrency = n } }

// WithClock replaces time.Now for snapshot windows and Latest.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func New(fetcher Fetcher, st store.Store, cov *coverage.Evaluator, opts ...Option) *Service {
	if cov == nil {
		cov = coverage.New(coverage.DefaultRule(), nil)
	}
	s := &Service{fetcher: fetcher, store: st, coverage: cov, syncConcurrency: 4, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if s.coverage.Now == nil {
		s.coverage.Now = s.now
	}
	return s
}

type fetchOptions struct {
	useCache bool
	freq     string
}

type FetchOption func(*fetchOptions)

// WithoutCache skips the cache read. Fetched rows are still written back.
func WithoutCache() FetchOption { return func(o *fetchOptions) { o.useCache = false } }

// WithFreq sets the bar size of minute requests.
func WithFreq(freq string) FetchOption { return func(o *fetchOptions) { o.freq = freq } }

func buildOptions(opts []FetchOption) fetchOptions {
	o := fetchOptions{useCache: true}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Fetch returns data_type rows for symbol (the indicator for macro) between
// start and end inclusive, as YYYY-MM-DD. An empty table means no data; the
// error is reserved for an unknown data type or a malformed date.
// Industry and concept ignore symbol and the dates.
func (s *Service) Fetch(ctx context.Context, dataType, symbol, start, end string, opts ...FetchOption) (series.Table, error) {
	o := buildOptions(opts)
	req, err := s.request(dataType, symbol, start, end, o.freq)
	if err != nil {
		return series.Table{}, err
	}
	return s.FetchRequest(ctx, req, o.useCache), nil
}

func (s *Service) request(dataType, symbol, start, end, freq string) (provider.Request, error) {
	dt, err := series.ParseDataType(dataType)
	if err != nil {
		return nil, err
	}
	var period series.Range
	if dt.Ranged() {
		if period, err = series.ParseRange(start, end); err != nil {
			return nil, err
		}
	}
	return provider.NewRequest(dt, symbol, period, freq)
}

// FetchRequest runs one acquisition for an already-built request.
func (s *Service) FetchRequest(ctx context.Context, req provider.Request, useCache bool) series.Table {
	rid := uuid.NewString()
	measurement := Measurement(req)
	started := time.Now()

	if useCache {
		if cached, ok := s.fromCache(ctx, rid, req); ok {
			logger.Infof("[%s] %s %s %s: cache hit rows=%d in %s", rid, measurement, req.Key(), req.DateRange(), cached.Len(), time.Since(started))
			return cached
		}
	}

	tbl := s.fetcher.FetchWithFallback(ctx, req)
	if tbl.Empty() {
		logger.Infof("[%s] %s %s %s: no data in %s", rid, measurement, req.Key(), req.DateRange(), time.Since(started))
		return tbl
	}
	if s.writeBack(ctx, rid, measurement, req, tbl) && req.DataType().Ranged() {
		s.recordFetched(ctx, rid, measurement, req, tbl.Len())
	}
	logger.Infof("[%s] %s %s %s: fetched rows=%d in %s", rid, measurement, req.Key(), req.DateRange(), tbl.Len(), time.Since(started))
	return tbl
}

func (s *Service) fromCache(ctx context.Context, rid string, req provider.Request) (series.Table, bool) {
	dt := req.DataType()
	from, to := s.window(req)
	cached, err := s.store.Query(ctx, Measurement(req), tagFilter(req), from, to)
	if err != nil {
		logger.Warnf("[%s] cache read %s %s failed, treating as miss: %v", rid, Measurement(req), req.Key(), err)
		return series.Table{}, false
	}
	if cached.Empty() {
		return series.Table{}, false
	}
	if !dt.Ranged() {
		cached = latestSnapshot(cached)
	}
	var fetched []series.Range
	if dt.Ranged() {
		if fetched, err = s.fetchedRanges(ctx, Measurement(req), req); err != nil {
			logger.Warnf("[%s] fetch manifest read %s %s failed: %v", rid, Measurement(req), req.Key(), err)
		}
	}
	v := s.coverage.Evaluate(dt, req.DateRange(), cached, fetched)
	if !v.Sufficient {
		logger.Debugf("[%s] cache miss %s %s: covered=%t fetched=%t dense=%t count=%d threshold=%.1f",
			rid, Measurement(req), req.Key(), v.Covered, v.Fetched, v.Dense, v.Count, v.Threshold)
		return series.Table{}, false
	}
	return normalize.Complete(dt, cached), true
}

// window is the store query range: the requested dates for ranged types,
// the snapshot TTL back from today for listings.
func (s *Service) window(req provider.Request) (time.Time, time.Time) {
	if req.DataType().Ranged() {
		r := req.DateRange()
		return r.Start, r.Until()
	}
	today := series.DateOf(series.Naive(s.now()))
	ttl := s.coverage.Rule(req.DataType()).SnapshotTTL
	return today.Add(-ttl), today.AddDate(0, 0, 1)
}

// writeBack stores rows grouped by their symbol field, falling back to the
// request key, in one multi-series write. Failures are logged; the caller
// still gets its rows. It reports whether the rows were stored.
func (s *Service) writeBack(ctx context.Context, rid, measurement string, req provider.Request, tbl series.Table) bool {
	groups := make(map[string]int)
	var batches []store.Batch
	for _, r := range tbl.Rows {
		sym := r.String("symbol")
		if sym == "" {
			sym = req.Key()
		}
		i, ok := groups[sym]
		if !ok {
			var tags map[string]string
			if sym != "" {
				tags = map[string]string{"symbol": sym}
			}
			i = len(batches)
			groups[sym] = i
			batches = append(batches, store.Batch{Tags: tags})
		}
		batches[i].Rows = append(batches[i].Rows, r)
	}
	if err := s.store.WriteBatches(ctx, measurement, batches); err != nil {
		logger.Warnf("[%s] cache write %s %s (%d series) failed: %v", rid, measurement, req.Key(), len(batches), err)
		return false
	}
	return true
}

// Latest reads the last days of cached rows without touching providers.
func (s *Service) Latest(ctx context.Context, dataType, symbol string, days int, opts ...FetchOption) (series.Table, error) {
	o := buildOptions(opts)
	if days <= 0 {
		days = 1
	}
	today := series.DateOf(series.Naive(s.now()))
	start := today.AddDate(0, 0, -days).Format("2006-01-02")
	req, err := s.request(dataType, symbol, start, today.Format("2006-01-02"), o.freq)
	if err != nil {
		return series.Table{}, err
	}
	from, to := s.window(req)
	tbl, err := s.store.Query(ctx, Measurement(req), tagFilter(req), from, to)
	if err != nil {
		return series.Table{}, err
	}
	if !req.DataType().Ranged() {
		tbl = latestSnapshot(tbl)
	}
	return normalize.Complete(req.DataType(), tbl), nil
}

// Sync acquires the same range for many symbols with bounded concurrency and
// reports which ones produced data.
func (s *Service) Sync(ctx context.Context, dataType string, symbols []string, start, end string, opts ...FetchOption) (map[string]bool, error) {
	o := buildOptions(opts)
	reqs := make([]provider.Request, len(symbols))
	for i, sym := range symbols {
		req, err := s.request(dataType, sym, start, end, o.freq)
		if err != nil {
			return nil, err
		}
		reqs[i] = req
	}

	var mu sync.Mutex
	out := make(map[string]bool, len(symbols))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, s.syncConcurrency))
	for i, req := range reqs {
		g.Go(func() error {
			ok := !s.FetchRequest(gctx, req, o.useCache).Empty()
			mu.Lock()
			out[symbols[i]] = ok
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	synced := 0
	for _, ok := range out {
		if ok {
			synced++
		}
	}
	logger.Infof("sync %s %s..%s: %d/%d symbols with data", dataType, start, end, synced, len(symbols))
	return out, nil
}

// Measurement is the cache measurement for req. Minute bars of different
// sizes never share one.
func Measurement(req provider.Request) string {
	if m, ok := req.(provider.MinuteRequest); ok {
		return string(series.Minute) + "_" + string(m.Freq)
	}
	return string(req.DataType())
}

func tagFilter(req provider.Request) map[string]string {
	if key := req.Key(); key != "" {
		return map[string]string{"symbol": key}
	}
	return nil
}

// latestSnapshot keeps only the rows of the newest as-of date.
func latestSnapshot(tbl series.Table) series.Table {
	if tbl.Empty() {
		return tbl
	}
	newest := tbl.MaxTime()
	rows := make([]series.Row, 0, tbl.Len())
	for _, r := range tbl.Rows {
		if r.Timestamp.Equal(newest) {
			rows = append(rows, r)
		}
	}
	return series.Table{Columns: tbl.Columns, Rows: rows}
}
