package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"marketfeed/internal/coverage"
	"marketfeed/internal/series"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_NoFileReturnsDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)

	def := Default()
	require.Equal(t, def.Server.Port, cfg.Server.Port)
	require.Equal(t, 1, cfg.Tushare.Priority)
	require.Equal(t, 2, cfg.Eastmoney.Priority)
	require.Equal(t, "memory", cfg.Store.Driver)
	require.Equal(t, 24*time.Hour, cfg.Coverage.Default.SnapshotTTL)

	overrides, err := cfg.CoverageOverrides()
	require.NoError(t, err)
	require.Equal(t, coverage.CadenceQuarter, overrides[series.Financial].Cadence)
	require.Equal(t, 1, overrides[series.Financial].MinPoints)
}

func TestLoad_YAMLOverridesAndKeepsUnsetDefaults(t *testing.T) {
	path := writeFile(t, "config.yaml", `
server:
  port: "9090"
tushare:
  token: abc
  max_requests_per_minute: 50
eastmoney:
  enabled: false
coverage:
  default:
    min_points: 5
  overrides:
    financial:
      trading_day_ratio: 0.011
      snapshot_ttl: 12h
store:
  driver: sqlite
  sqlite_path: /tmp/x.db
sync:
  symbols: [000001.SZ, 600000.SH]
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "9090", cfg.Server.Port)
	require.Equal(t, "abc", cfg.Tushare.Token)
	require.Equal(t, 50, cfg.Tushare.MaxRequestsPerMinute)
	require.Equal(t, 5, cfg.Tushare.Burst)
	require.False(t, cfg.Eastmoney.Enabled)
	require.Equal(t, 5, cfg.Coverage.Default.MinPoints)
	require.Equal(t, 0.7, cfg.Coverage.Default.TradingDayRatio)
	require.Equal(t, "sqlite", cfg.Store.Driver)
	require.Equal(t, []string{"000001.SZ", "600000.SH"}, cfg.Sync.Symbols)

	overrides, err := cfg.CoverageOverrides()
	require.NoError(t, err)
	require.Contains(t, overrides, series.Macro)
	fin := overrides[series.Financial]
	require.Equal(t, 0.011, fin.TradingDayRatio)
	require.Equal(t, 12*time.Hour, fin.SnapshotTTL)
	require.Equal(t, 0.8, fin.DensityFactor, "unset override fields take the default rule")
	require.Equal(t, 5, fin.MinPoints)
	require.Equal(t, coverage.CadenceDay, fin.Cadence, "a file entry replaces the shipped override")
	require.Equal(t, coverage.CadenceMonth, overrides[series.Macro].Cadence)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("TUSHARE_TOKEN", "secret")
	t.Setenv("PORT", "7000")
	t.Setenv("MARKETFEED_STORE_DRIVER", "redis")
	t.Setenv("MARKETFEED_FALLBACK_FETCH_TIMEOUT_SEC", "12")
	t.Setenv("SYNC_SYMBOLS", "000001.SZ, 600000.SH,")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "secret", cfg.Tushare.Token)
	require.Equal(t, "7000", cfg.Server.Port)
	require.Equal(t, "redis", cfg.Store.Driver)
	require.Equal(t, 12, cfg.Fallback.FetchTimeoutSec)
	require.Equal(t, []string{"000001.SZ", "600000.SH"}, cfg.Sync.Symbols)
}

func TestLoad_RejectsBadValues(t *testing.T) {
	path := writeFile(t, "config.json", `{"coverage": {"overrides": {"tick": {"min_points": 1}}}}`)
	_, err := Load(path)
	require.ErrorIs(t, err, series.ErrUnsupportedDataType)

	path = writeFile(t, "config.json", `{"sync": {"types": ["industry"]}}`)
	_, err = Load(path)
	require.Error(t, err)

	path = writeFile(t, "config.json", `{"sync": {"enabled": true}}`)
	_, err = Load(path)
	require.Error(t, err)

	path = writeFile(t, "config.json", `{"coverage": {"overrides": {"macro": {"cadence": "week"}}}}`)
	_, err = Load(path)
	require.Error(t, err)

	path = writeFile(t, "config.json", `{"server": `)
	_, err = Load(path)
	require.Error(t, err)
}
