package provider

import (
	"context"

	"marketfeed/internal/series"
)

// Record is one raw row as a provider returns it, before normalization.
// Keys are the provider's own column names.
type Record map[string]any

// Provider is one external data source.
type Provider interface {
	Name() string
	// SupportedTypes lists the data types this source can serve.
	SupportedTypes() []series.DataType
	// Validate rejects a request that lacks parameters this source needs.
	// The error is a *ValidationError.
	Validate(req Request) error
	// Fetch returns raw rows; an empty slice with a nil error means "no data".
	Fetch(ctx context.Context, req Request) ([]Record, error)
	// HealthCheck is a cheap sentinel call. It never panics or errors: failure is false.
	HealthCheck(ctx context.Context) bool
}

// Supports reports whether p lists dt among its supported types.
func Supports(p Provider, dt series.DataType) bool {
	for _, t := range p.SupportedTypes() {
		if t == dt {
			return true
		}
	}
	return false
}
