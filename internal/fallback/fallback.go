// Package fallback tries registered providers in priority order until one
// returns data.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"marketfeed/internal/logger"
	"marketfeed/internal/normalize"
	"marketfeed/internal/provider"
	"marketfeed/internal/series"
)

const (
	DefaultFetchTimeout  = 30 * time.Second
	DefaultHealthTimeout = 8 * time.Second
)

var (
	ErrUnknownProvider   = errors.New("unknown provider")
	ErrDuplicateProvider = errors.New("provider already registered")
	errEmpty             = errors.New("no rows")
)

// FetchError is a failed fetch attributed to one provider.
type FetchError struct {
	Provider string
	Err      error
}

func (e *FetchError) Error() string { return fmt.Sprintf("provider %s: %v", e.Provider, e.Err) }
func (e *FetchError) Unwrap() error { return e.Err }

type entry struct {
	p        provider.Provider
	priority int
	health   *provider.Health
}

// Engine holds providers for the process lifetime. Register everything
// before serving requests.
type Engine struct {
	mu      sync.RWMutex
	entries []*entry

	normalizer    normalize.Normalizer
	fetchTimeout  time.Duration
	healthTimeout time.Duration
	maxErrors     int
}

type Option func(*Engine)

// WithFetchTimeout bounds each provider Fetch call.
func WithFetchTimeout(d time.Duration) Option { return func(e *Engine) { e.fetchTimeout = d } }

// WithHealthTimeout bounds each provider HealthCheck call.
func WithHealthTimeout(d time.Duration) Option { return func(e *Engine) { e.healthTimeout = d } }

// WithMaxErrors sets the default error threshold for providers registered afterwards.
func WithMaxErrors(n int) Option { return func(e *Engine) { e.maxErrors = n } }

func WithNormalizer(n normalize.Normalizer) Option { return func(e *Engine) { e.normalizer = n } }

func New(opts ...Option) *Engine {
	e := &Engine{
		fetchTimeout:  DefaultFetchTimeout,
		healthTimeout: DefaultHealthTimeout,
		maxErrors:     provider.DefaultMaxErrors,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type registration struct{ maxErrors int }

type RegisterOption func(*registration)

// MaxErrors overrides the engine's default threshold for one provider.
func MaxErrors(n int) RegisterOption { return func(r *registration) { r.maxErrors = n } }

// Register adds p at priority; lower is tried first and ties keep
// registration order.
func (e *Engine) Register(p provider.Provider, priority int, opts ...RegisterOption) error {
	reg := registration{maxErrors: e.maxErrors}
	for _, opt := range opts {
		opt(&reg)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, en := range e.entries {
		if en.p.Name() == p.Name() {
			return fmt.Errorf("%w: %s", ErrDuplicateProvider, p.Name())
		}
	}
	e.entries = append(e.entries, &entry{p: p, priority: priority, health: provider.NewHealth(p.Name(), reg.maxErrors)})
	logger.Infof("registered provider %s priority=%d types=%v", p.Name(), priority, p.SupportedTypes())
	return nil
}

// Candidates returns providers that are not INACTIVE or ERROR and support dt,
// ordered by priority. It makes no network calls.
func (e *Engine) Candidates(dt series.DataType) []provider.Provider {
	cands := e.candidates(dt)
	out := make([]provider.Provider, len(cands))
	for i, c := range cands {
		out[i] = c.p
	}
	return out
}

func (e *Engine) candidates(dt series.DataType) []*entry {
	e.mu.RLock()
	all := append([]*entry(nil), e.entries...)
	e.mu.RUnlock()

	out := all[:0]
	for _, en := range all {
		if en.health.Usable() && provider.Supports(en.p, dt) {
			out = append(out, en)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].priority < out[j].priority })
	return out
}

// FetchWithFallback returns the normalized rows of the first provider that
// yields any. Exhausting every candidate is not an error: the result is an
// empty table.
func (e *Engine) FetchWithFallback(ctx context.Context, req provider.Request) series.Table {
	dt := req.DataType()
	empty := series.Table{Columns: normalize.RequiredFields(dt)}

	cands := e.candidates(dt)
	if len(cands) == 0 {
		logger.Warnf("fallback %s %s: no available provider", dt, req.Key())
		return empty
	}

	var lastErr error
	for _, c := range cands {
		if ctx.Err() != nil {
			logger.Infof("fallback %s %s: cancelled: %v", dt, req.Key(), ctx.Err())
			return empty
		}
		if !e.available(ctx, c) {
			logger.Debugf("fallback %s %s: skip %s, unavailable", dt, req.Key(), c.p.Name())
			continue
		}
		if err := c.p.Validate(req); err != nil {
			logger.Warnf("fallback %s %s: %v", dt, req.Key(), err)
			continue
		}

		recs, err := e.fetch(ctx, c, req)
		if err != nil {
			if ctx.Err() != nil {
				logger.Infof("fallback %s %s: cancelled during %s", dt, req.Key(), c.p.Name())
				return empty
			}
			c.health.RecordError()
			if errors.Is(err, errEmpty) {
				logger.Infof("fallback %s %s: %s returned no rows", dt, req.Key(), c.p.Name())
				continue
			}
			lastErr = err
			logger.Warnf("fallback %s %s: %v", dt, req.Key(), err)
			continue
		}

		tbl := e.normalizer.Normalize(dt, req.Key(), recs)
		if tbl.Empty() {
			c.health.RecordError()
			logger.Infof("fallback %s %s: %s returned no usable rows", dt, req.Key(), c.p.Name())
			continue
		}
		c.health.RecordSuccess()
		logger.Infof("fallback %s %s: served by %s rows=%d", dt, req.Key(), c.p.Name(), tbl.Len())
		return tbl
	}

	if lastErr != nil {
		logger.Errorf("fallback %s %s: all providers exhausted, last error: %v", dt, req.Key(), lastErr)
	} else {
		logger.Warnf("fallback %s %s: all providers exhausted", dt, req.Key())
	}
	return empty
}

func (e *Engine) available(ctx context.Context, c *entry) bool {
	return c.health.Available(ctx, func(ctx context.Context) bool {
		hctx, cancel := withTimeout(ctx, e.healthTimeout)
		defer cancel()
		return c.p.HealthCheck(hctx)
	})
}

// fetch runs one provider call under the fetch timeout. Panics and empty
// results come back as a *FetchError.
func (e *Engine) fetch(ctx context.Context, c *entry, req provider.Request) (recs []provider.Record, err error) {
	fctx, cancel := withTimeout(ctx, e.fetchTimeout)
	defer cancel()
	defer func() {
		if rec := recover(); rec != nil {
			recs, err = nil, &FetchError{Provider: c.p.Name(), Err: fmt.Errorf("panic: %v", rec)}
		}
	}()
	recs, err = c.p.Fetch(fctx, req)
	if err != nil {
		return nil, &FetchError{Provider: c.p.Name(), Err: err}
	}
	if len(recs) == 0 {
		return nil, &FetchError{Provider: c.p.Name(), Err: errEmpty}
	}
	return recs, nil
}

// HealthCheckAll probes every provider concurrently, bypassing memoized
// health, and records each result, so an ERROR provider whose check passes
// becomes ACTIVE again. INACTIVE providers are probed but stay INACTIVE.
func (e *Engine) HealthCheckAll(ctx context.Context) map[string]bool {
	e.mu.RLock()
	all := append([]*entry(nil), e.entries...)
	e.mu.RUnlock()

	results := make([]bool, len(all))
	var g errgroup.Group
	for i, en := range all {
		g.Go(func() error {
			forget(en.p)
			hctx, cancel := withTimeout(ctx, e.healthTimeout)
			defer cancel()
			ok := safeCheck(hctx, en.p)
			if ok {
				en.health.RecordSuccess()
			} else {
				en.health.RecordError()
			}
			results[i] = ok
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]bool, len(all))
	for i, en := range all {
		out[en.p.Name()] = results[i]
	}
	return out
}

func safeCheck(ctx context.Context, p provider.Provider) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Warnf("provider %s health check panicked: %v", p.Name(), rec)
			ok = false
		}
	}()
	return p.HealthCheck(ctx)
}

// ProviderStatus is one row of Status.
type ProviderStatus struct {
	provider.HealthSnapshot
	Priority       int               `json:"priority"`
	SupportedTypes []series.DataType `json:"supported_types"`
}

// Status reports every provider in priority order.
func (e *Engine) Status() []ProviderStatus {
	e.mu.RLock()
	all := append([]*entry(nil), e.entries...)
	e.mu.RUnlock()
	sort.SliceStable(all, func(i, j int) bool { return all[i].priority < all[j].priority })

	out := make([]ProviderStatus, 0, len(all))
	for _, en := range all {
		out = append(out, ProviderStatus{
			HealthSnapshot: en.health.Snapshot(),
			Priority:       en.priority,
			SupportedTypes: en.p.SupportedTypes(),
		})
	}
	return out
}

// SetActive is the operator switch: false takes name out of rotation, true
// resets it to ACTIVE with a zero error count and forgets its memoized health.
func (e *Engine) SetActive(name string, active bool) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, en := range e.entries {
		if en.p.Name() != name {
			continue
		}
		if active {
			forget(en.p)
			en.health.Activate()
		} else {
			en.health.Deactivate()
		}
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnknownProvider, name)
}

// invalidator is a provider wrapper that memoizes health results.
type invalidator interface {
	Invalidate()
}

// forget drops a memoized health result so the next check reaches upstream.
func forget(p provider.Provider) {
	if m, ok := p.(invalidator); ok {
		m.Invalidate()
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
