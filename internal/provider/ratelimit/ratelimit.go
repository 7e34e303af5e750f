package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"marketfeed/internal/provider"
	"marketfeed/internal/series"
)

// Limited gates upstream calls of P through a token bucket. Validate and
// SupportedTypes are local and pass straight through.
type Limited struct {
	P       provider.Provider
	Limiter *rate.Limiter
}

// NewLimited allows perMinute calls a minute with the given burst.
func NewLimited(p provider.Provider, perMinute, burst int) *Limited {
	if burst <= 0 {
		burst = 1
	}
	lim := rate.NewLimiter(rate.Inf, burst)
	if perMinute > 0 {
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), burst)
	}
	return &Limited{P: p, Limiter: lim}
}

func (l *Limited) Name() string                       { return l.P.Name() }
func (l *Limited) SupportedTypes() []series.DataType   { return l.P.SupportedTypes() }
func (l *Limited) Validate(req provider.Request) error { return l.P.Validate(req) }

func (l *Limited) Fetch(ctx context.Context, req provider.Request) ([]provider.Record, error) {
	if l.Limiter != nil {
		if err := l.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	return l.P.Fetch(ctx, req)
}

func (l *Limited) HealthCheck(ctx context.Context) bool {
	if l.Limiter != nil {
		if err := l.Limiter.Wait(ctx); err != nil {
			return false
		}
	}
	return l.P.HealthCheck(ctx)
}

// MinInterval wraps a provider and enforces a minimum time between upstream
// calls. Waiters return early when ctx is done.
type MinInterval struct {
	P        provider.Provider
	Interval time.Duration

	mu   sync.Mutex
	last time.Time
}

func (m *MinInterval) Name() string                       { return m.P.Name() }
func (m *MinInterval) SupportedTypes() []series.DataType   { return m.P.SupportedTypes() }
func (m *MinInterval) Validate(req provider.Request) error { return m.P.Validate(req) }

func (m *MinInterval) Fetch(ctx context.Context, req provider.Request) ([]provider.Record, error) {
	if err := m.gate(ctx); err != nil {
		return nil, err
	}
	defer m.mark()
	return m.P.Fetch(ctx, req)
}

func (m *MinInterval) HealthCheck(ctx context.Context) bool {
	if err := m.gate(ctx); err != nil {
		return false
	}
	defer m.mark()
	return m.P.HealthCheck(ctx)
}

func (m *MinInterval) gate(ctx context.Context) error {
	if m.Interval <= 0 {
		return nil
	}
	m.mu.Lock()
	wait := time.Until(m.last.Add(m.Interval))
	m.mu.Unlock()
	if wait <= 0 {
		return nil
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (m *MinInterval) mark() {
	if m.Interval <= 0 {
		return
	}
	m.mu.Lock()
	m.last = time.Now()
	m.mu.Unlock()
}
