package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cast"
	"github.com/spf13/viper"

	"marketfeed/internal/coverage"
	"marketfeed/internal/series"
	"marketfeed/internal/store"
)

type Server struct {
	Port              string `mapstructure:"port"`
	RequestTimeoutSec int    `mapstructure:"request_timeout_sec"`
	LogLevel          string `mapstructure:"log_level"`
}

// Source holds the knobs every upstream provider shares.
type Source struct {
	Enabled               bool `mapstructure:"enabled"`
	Priority              int  `mapstructure:"priority"`
	MaxErrors             int  `mapstructure:"max_errors"`
	MaxRequestsPerMinute  int  `mapstructure:"max_requests_per_minute"`
	Burst                 int  `mapstructure:"burst"`
	MinRequestIntervalSec int  `mapstructure:"min_request_interval_sec"`
	HealthCacheTTLSec     int  `mapstructure:"health_cache_ttl_sec"`
	TimeoutSec            int  `mapstructure:"timeout_sec"`
}

type Tushare struct {
	Source        `mapstructure:",squash"`
	Token         string `mapstructure:"token"`
	BaseURL       string `mapstructure:"base_url"`
	ConceptSource string `mapstructure:"concept_source"`
}

type Eastmoney struct {
	Source `mapstructure:",squash"`
	URL    string `mapstructure:"url"`
	// Adjust is the fqt parameter: 0 none, 1 forward, 2 backward.
	Adjust int `mapstructure:"adjust"`
}

type Fallback struct {
	FetchTimeoutSec  int `mapstructure:"fetch_timeout_sec"`
	HealthTimeoutSec int `mapstructure:"health_timeout_sec"`
	MaxErrors        int `mapstructure:"max_errors"`
}

type Coverage struct {
	Default   coverage.Rule            `mapstructure:"default"`
	Overrides map[string]coverage.Rule `mapstructure:"overrides"`
}

type Sync struct {
	Enabled bool     `mapstructure:"enabled"`
	Symbols []string `mapstructure:"symbols"`
	// Types lists the ranged data types the nightly job refreshes.
	Types       []string `mapstructure:"types"`
	Days        int      `mapstructure:"days"`
	Cron        string   `mapstructure:"cron"`
	HealthCron  string   `mapstructure:"health_cron"`
	Concurrency int      `mapstructure:"concurrency"`
}

type Config struct {
	Server    Server       `mapstructure:"server"`
	Tushare   Tushare      `mapstructure:"tushare"`
	Eastmoney Eastmoney    `mapstructure:"eastmoney"`
	Fallback  Fallback     `mapstructure:"fallback"`
	Coverage  Coverage     `mapstructure:"coverage"`
	Store     store.Config `mapstructure:"store"`
	Sync      Sync         `mapstructure:"sync"`
}

func Default() Config {
	return Config{
		Server: Server{Port: "8080", RequestTimeoutSec: 60, LogLevel: "info"},
		Tushare: Tushare{
			Source: Source{
				Enabled:              true,
				Priority:             1,
				MaxRequestsPerMinute: 200,
				Burst:                5,
				HealthCacheTTLSec:    60,
				TimeoutSec:           30,
			},
			BaseURL:       "http://api.tushare.pro",
			ConceptSource: "ts",
		},
		Eastmoney: Eastmoney{
			Source: Source{
				Enabled:               true,
				Priority:              2,
				MaxRequestsPerMinute:  60,
				Burst:                 2,
				MinRequestIntervalSec: 1,
				HealthCacheTTLSec:     60,
				TimeoutSec:            15,
			},
			URL:    "https://push2his.eastmoney.com/api/qt/stock/kline/get",
			Adjust: 1,
		},
		Fallback: Fallback{FetchTimeoutSec: 30, HealthTimeoutSec: 8, MaxErrors: 3},
		Coverage: Coverage{
			Default: coverage.DefaultRule(),
			Overrides: map[string]coverage.Rule{
				string(series.Macro): {TradingDayRatio: 1.0 / 30, DensityFactor: 0.8, MinPoints: 1, SnapshotTTL: 24 * time.Hour, Cadence: coverage.CadenceMonth},
				// One report per quarter, stamped at the period end.
				string(series.Financial): {TradingDayRatio: 1.0 / 91, DensityFactor: 0.8, MinPoints: 1, SnapshotTTL: 24 * time.Hour, Cadence: coverage.CadenceQuarter},
			},
		},
		Store: store.Config{Driver: "memory", SQLitePath: "marketfeed.db", RedisPrefix: store.DefaultRedisPrefix, PostgresMaxConns: 8},
		Sync: Sync{
			Types:       []string{string(series.Daily)},
			Days:        7,
			Cron:        "0 30 18 * * 1-5",
			HealthCron:  "@every 5m",
			Concurrency: 4,
		},
	}
}

// Load reads a YAML or JSON config from path. If path is empty it looks for
// config.yaml, config.yml and config.json in the working directory; with no
// file at all it returns defaults. MARKETFEED_<SECTION>_<KEY> environment
// variables override file values, and a few plain names override secrets.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		for _, name := range []string{"config.yaml", "config.yml", "config.json"} {
			if _, err := os.Stat(name); err == nil {
				path = name
				break
			}
		}
	}

	v := viper.New()
	v.SetEnvPrefix("MARKETFEED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := setDefaults(v, cfg); err != nil {
		return cfg, err
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return cfg, fmt.Errorf("read config: %w", err)
			}
		}
	}
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.WeaklyTypedInput = true
	}); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// setDefaults registers every scalar default key so AutomaticEnv can see it.
// coverage.overrides is left to the struct defaults; mapstructure merges file
// entries into that map.
func setDefaults(v *viper.Viper, cfg Config) error {
	var tree map[string]any
	if err := mapstructure.Decode(cfg, &tree); err != nil {
		return fmt.Errorf("config defaults: %w", err)
	}
	for key, val := range flatten("", tree) {
		if strings.HasSuffix(key, ".overrides") {
			continue
		}
		v.SetDefault(key, val)
	}
	return nil
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Server.LogLevel = v
	}
	if v := os.Getenv("TUSHARE_TOKEN"); v != "" {
		cfg.Tushare.Token = v
	}
	if v := os.Getenv("TUSHARE_BASE_URL"); v != "" {
		cfg.Tushare.BaseURL = v
	}
	if v := os.Getenv("STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Store.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Store.RedisPassword = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Store.PostgresDSN = v
	}
	if v := os.Getenv("SYNC_SYMBOLS"); v != "" {
		cfg.Sync.Symbols = splitCSV(v)
	}
	if v := os.Getenv("SYNC_ENABLED"); v != "" {
		if b, err := cast.ToBoolE(v); err == nil {
			cfg.Sync.Enabled = b
		}
	}
}

// Validate rejects values the components cannot run with.
func (c Config) Validate() error {
	if !c.Coverage.Default.Cadence.Valid() {
		return fmt.Errorf("coverage.default.cadence: %q is not one of day|month|quarter", c.Coverage.Default.Cadence)
	}
	if _, err := c.CoverageOverrides(); err != nil {
		return err
	}
	for _, t := range c.Sync.Types {
		dt, err := series.ParseDataType(t)
		if err != nil {
			return fmt.Errorf("sync.types: %w", err)
		}
		if !dt.Ranged() {
			return fmt.Errorf("sync.types: %s has no date range", dt)
		}
	}
	if c.Sync.Enabled && len(c.Sync.Symbols) == 0 {
		return errors.New("sync.enabled requires sync.symbols")
	}
	return nil
}

// CoverageOverrides keys the per-type coverage rules by data type. Fields a
// rule leaves at zero take the default rule's value.
func (c Config) CoverageOverrides() (map[series.DataType]coverage.Rule, error) {
	out := make(map[series.DataType]coverage.Rule, len(c.Coverage.Overrides))
	for name, r := range c.Coverage.Overrides {
		dt, err := series.ParseDataType(name)
		if err != nil {
			return nil, fmt.Errorf("coverage.overrides: %w", err)
		}
		def := c.Coverage.Default
		if r.TradingDayRatio <= 0 {
			r.TradingDayRatio = def.TradingDayRatio
		}
		if r.DensityFactor <= 0 {
			r.DensityFactor = def.DensityFactor
		}
		if r.MinPoints <= 0 {
			r.MinPoints = def.MinPoints
		}
		if r.SnapshotTTL <= 0 {
			r.SnapshotTTL = def.SnapshotTTL
		}
		if r.Cadence == "" {
			r.Cadence = def.Cadence
		}
		if !r.Cadence.Valid() {
			return nil, fmt.Errorf("coverage.overrides.%s.cadence: %q is not one of day|month|quarter", name, r.Cadence)
		}
		out[dt] = r
	}
	return out, nil
}

func Seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
