package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"marketfeed/internal/provider"
	"marketfeed/internal/series"
)

// DefaultProbeTimeout bounds a shared health probe when Timeout is unset.
const DefaultProbeTimeout = 8 * time.Second

// HealthMemo remembers HealthCheck results of P for TTL and collapses
// concurrent checks into one upstream call. The shared probe is detached from
// the caller that started it, so one cancelled request neither aborts it for
// the others nor gets its failure memoized. Fetch is never cached here;
// series data is cached by the store.
type HealthMemo struct {
	P   provider.Provider
	TTL time.Duration
	// Timeout bounds the shared probe.
	Timeout time.Duration

	mu        sync.RWMutex
	ok        bool
	expiresAt time.Time
	sf        singleflight.Group
}

func (c *HealthMemo) Name() string                       { return c.P.Name() }
func (c *HealthMemo) SupportedTypes() []series.DataType   { return c.P.SupportedTypes() }
func (c *HealthMemo) Validate(req provider.Request) error { return c.P.Validate(req) }

func (c *HealthMemo) Fetch(ctx context.Context, req provider.Request) ([]provider.Record, error) {
	return c.P.Fetch(ctx, req)
}

func (c *HealthMemo) HealthCheck(ctx context.Context) bool {
	if c.TTL <= 0 {
		return c.P.HealthCheck(ctx)
	}
	c.mu.RLock()
	if time.Now().Before(c.expiresAt) {
		ok := c.ok
		c.mu.RUnlock()
		return ok
	}
	c.mu.RUnlock()

	ch := c.sf.DoChan("health", func() (any, error) {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout())
		defer cancel()
		ok := c.P.HealthCheck(pctx)
		if pctx.Err() == nil {
			c.store(ok)
		}
		return ok, nil
	})
	select {
	case res := <-ch:
		return res.Val.(bool)
	case <-ctx.Done():
		return false
	}
}

func (c *HealthMemo) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultProbeTimeout
}

// Invalidate forgets the memoized result.
func (c *HealthMemo) Invalidate() {
	c.mu.Lock()
	c.expiresAt = time.Time{}
	c.mu.Unlock()
}

func (c *HealthMemo) store(ok bool) {
	if c.TTL <= 0 {
		return
	}
	c.mu.Lock()
	c.ok = ok
	c.expiresAt = time.Now().Add(c.TTL)
	c.mu.Unlock()
}
