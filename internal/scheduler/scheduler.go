// Package scheduler runs the periodic provider health probe and the nightly
// cache refresh.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"marketfeed/internal/acquire"
	"marketfeed/internal/config"
	"marketfeed/internal/logger"
	"marketfeed/internal/series"
)

// HealthChecker is satisfied by *fallback.Engine.
type HealthChecker interface {
	HealthCheckAll(ctx context.Context) map[string]bool
}

// Syncer is satisfied by *acquire.Service.
type Syncer interface {
	Sync(ctx context.Context, dataType string, symbols []string, start, end string, opts ...acquire.FetchOption) (map[string]bool, error)
}

type Scheduler struct {
	Cron   *cron.Cron
	Health HealthChecker
	Syncer Syncer
	Cfg    config.Sync
	Ctx    context.Context
	// Now defaults to time.Now.
	Now func() time.Time
}

func New(ctx context.Context, cfg config.Sync, hc HealthChecker, s Syncer) *Scheduler {
	return &Scheduler{
		Cron:   cron.New(cron.WithSeconds()),
		Health: hc,
		Syncer: s,
		Cfg:    cfg,
		Ctx:    ctx,
		Now:    time.Now,
	}
}

// RegisterAll adds the health job when health_cron is set and the sync job
// when sync is enabled.
func (s *Scheduler) RegisterAll() error {
	if s.Cfg.HealthCron != "" {
		if _, err := s.Cron.AddFunc(s.Cfg.HealthCron, s.RunHealthNow); err != nil {
			return fmt.Errorf("register health task: %w", err)
		}
	}
	if s.Cfg.Enabled {
		if _, err := s.Cron.AddFunc(s.Cfg.Cron, func() { s.RunSyncNow() }); err != nil {
			return fmt.Errorf("register sync task: %w", err)
		}
	}
	return nil
}

func (s *Scheduler) Start() {
	s.Cron.Start()
	logger.Infof("scheduler started with %d jobs", len(s.Cron.Entries()))
}

// Stop waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.Cron.Stop().Done()
	logger.Infof("scheduler stopped")
}

func (s *Scheduler) RunHealthNow() {
	res := s.Health.HealthCheckAll(s.Ctx)
	healthy := 0
	for name, ok := range res {
		if ok {
			healthy++
		} else {
			logger.Warnf("health: provider %s unhealthy", name)
		}
	}
	logger.Infof("health: %d/%d providers healthy", healthy, len(res))
}

// RunSyncNow refreshes the last Days of every configured type for every
// symbol, bypassing the cache read. It returns the per-type results.
func (s *Scheduler) RunSyncNow() map[string]map[string]bool {
	now := s.Now
	if now == nil {
		now = time.Now
	}
	days := s.Cfg.Days
	if days <= 0 {
		days = 1
	}
	today := series.DateOf(now())
	start := today.AddDate(0, 0, -days).Format("2006-01-02")
	end := today.Format("2006-01-02")

	out := make(map[string]map[string]bool, len(s.Cfg.Types))
	for _, t := range s.Cfg.Types {
		if s.Ctx.Err() != nil {
			break
		}
		res, err := s.Syncer.Sync(s.Ctx, t, s.Cfg.Symbols, start, end, acquire.WithoutCache())
		if err != nil {
			logger.Errorf("sync %s: %v", t, err)
			continue
		}
		out[t] = res
	}
	return out
}
