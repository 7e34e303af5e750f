// Package providertest holds a scriptable in-memory provider for tests.
package providertest

import (
	"context"
	"sync"
	"sync/atomic"

	"marketfeed/internal/provider"
	"marketfeed/internal/series"
)

// Fake is a provider whose answers are set by the test. Zero value is healthy
// and returns no rows.
type Fake struct {
	ID    string
	Types []series.DataType

	// Unhealthy makes HealthCheck report false.
	Unhealthy bool
	// Err is returned by every Fetch when set.
	Err error
	// Rows is returned by Fetch, or FetchFunc when set.
	Rows      []provider.Record
	FetchFunc func(ctx context.Context, req provider.Request) ([]provider.Record, error)
	// ValidateFunc replaces the default provider.ValidateParams check.
	ValidateFunc func(req provider.Request) error

	fetches atomic.Int64
	checks  atomic.Int64

	mu       sync.Mutex
	requests []provider.Request
}

func (f *Fake) Name() string { return f.ID }

func (f *Fake) SupportedTypes() []series.DataType {
	if f.Types == nil {
		return series.AllDataTypes()
	}
	return f.Types
}

func (f *Fake) Validate(req provider.Request) error {
	if f.ValidateFunc != nil {
		return f.ValidateFunc(req)
	}
	return provider.ValidateParams(f.ID, req)
}

func (f *Fake) Fetch(ctx context.Context, req provider.Request) ([]provider.Record, error) {
	f.fetches.Add(1)
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.FetchFunc != nil {
		return f.FetchFunc(ctx, req)
	}
	if f.Err != nil {
		return nil, f.Err
	}
	return f.Rows, nil
}

func (f *Fake) HealthCheck(context.Context) bool {
	f.checks.Add(1)
	return !f.Unhealthy
}

// Fetches is the number of Fetch calls so far.
func (f *Fake) Fetches() int { return int(f.fetches.Load()) }

// Checks is the number of HealthCheck calls so far.
func (f *Fake) Checks() int { return int(f.checks.Load()) }

// Requests returns a copy of every request seen by Fetch.
func (f *Fake) Requests() []provider.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]provider.Request(nil), f.requests...)
}
