// Package bootstrap builds the provider chain, cache and orchestrator from a
// loaded config. Both binaries share it.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"marketfeed/internal/acquire"
	"marketfeed/internal/config"
	"marketfeed/internal/coverage"
	"marketfeed/internal/fallback"
	"marketfeed/internal/httpx"
	"marketfeed/internal/logger"
	"marketfeed/internal/provider"
	"marketfeed/internal/provider/cache"
	"marketfeed/internal/provider/eastmoney"
	"marketfeed/internal/provider/ratelimit"
	"marketfeed/internal/provider/tushare"
	"marketfeed/internal/provider/tushareadapter"
	"marketfeed/internal/store"
)

// App is everything a binary needs. Close releases the store.
type App struct {
	Engine  *fallback.Engine
	Store   store.Store
	Service *acquire.Service
}

func (a *App) Close() error {
	if a.Store == nil {
		return nil
	}
	return a.Store.Close()
}

// New wires the enabled providers into a fallback engine, opens the store and
// builds the acquisition service.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger.SetLevel(cfg.Server.LogLevel)

	engine := fallback.New(
		fallback.WithFetchTimeout(config.Seconds(cfg.Fallback.FetchTimeoutSec)),
		fallback.WithHealthTimeout(config.Seconds(cfg.Fallback.HealthTimeoutSec)),
		fallback.WithMaxErrors(cfg.Fallback.MaxErrors),
	)
	if err := RegisterProviders(engine, cfg); err != nil {
		return nil, err
	}

	overrides, err := cfg.CoverageOverrides()
	if err != nil {
		return nil, err
	}
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	logger.Infof("cache store: %s", storeName(cfg.Store.Driver))

	svc := acquire.New(engine, st, coverage.New(cfg.Coverage.Default, overrides),
		acquire.WithSyncConcurrency(cfg.Sync.Concurrency))
	return &App{Engine: engine, Store: st, Service: svc}, nil
}

// RegisterProviders adds Tushare and Eastmoney, each behind its rate limit
// and health memo, at their configured priorities.
func RegisterProviders(engine *fallback.Engine, cfg config.Config) error {
	registered := 0
	if cfg.Tushare.Enabled {
		if cfg.Tushare.Token == "" {
			logger.Warnf("tushare.enabled=true but TUSHARE_TOKEN not set; it will report unhealthy")
		}
		hc := httpx.New(config.Seconds(cfg.Tushare.TimeoutSec))
		opts := []tushare.Option{tushare.WithHTTPClient(hc.Std())}
		if cfg.Tushare.BaseURL != "" {
			opts = append(opts, tushare.WithBaseURL(cfg.Tushare.BaseURL))
		}
		client := tushare.NewClient(cfg.Tushare.Token, opts...)
		p := tushareadapter.New(tushareadapter.Config{ConceptSource: cfg.Tushare.ConceptSource}, client)
		if err := register(engine, p, cfg.Tushare.Source); err != nil {
			return err
		}
		registered++
	}
	if cfg.Eastmoney.Enabled {
		hc := httpx.New(config.Seconds(cfg.Eastmoney.TimeoutSec), httpx.WithHeaders(map[string]string{
			"Referer": "https://quote.eastmoney.com/",
		}))
		adjust := cfg.Eastmoney.Adjust
		p := eastmoney.New(eastmoney.Config{URL: cfg.Eastmoney.URL, Adjust: &adjust}, hc)
		if err := register(engine, p, cfg.Eastmoney.Source); err != nil {
			return err
		}
		registered++
	}
	if registered == 0 {
		logger.Warnf("no providers enabled; every uncached request will return an empty table")
	}
	return nil
}

// Wrap applies the configured pacing and health memo around p. A positive
// requests-per-minute wins over a minimum interval.
func Wrap(p provider.Provider, src config.Source) provider.Provider {
	switch {
	case src.MaxRequestsPerMinute > 0:
		p = ratelimit.NewLimited(p, src.MaxRequestsPerMinute, src.Burst)
	case src.MinRequestIntervalSec > 0:
		p = &ratelimit.MinInterval{P: p, Interval: config.Seconds(src.MinRequestIntervalSec)}
	}
	if src.HealthCacheTTLSec > 0 {
		p = &cache.HealthMemo{P: p, TTL: time.Duration(src.HealthCacheTTLSec) * time.Second}
	}
	return p
}

func register(engine *fallback.Engine, p provider.Provider, src config.Source) error {
	var opts []fallback.RegisterOption
	if src.MaxErrors > 0 {
		opts = append(opts, fallback.MaxErrors(src.MaxErrors))
	}
	return engine.Register(Wrap(p, src), src.Priority, opts...)
}

func storeName(driver string) string {
	if driver == "" {
		return "memory"
	}
	return driver
}
