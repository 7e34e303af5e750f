package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"marketfeed/internal/series"
)

func day(d int) time.Time { return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC) }

func bar(d int, close float64) series.Row {
	return series.Row{Timestamp: day(d), Fields: map[string]any{
		"close":  close,
		"volume": series.Sentinel,
		"symbol": "000001.SZ",
		"name":   nil,
	}}
}

type backend struct {
	name string
	open func(t *testing.T) Store
}

func backends() []backend {
	return []backend{
		{"memory", func(t *testing.T) Store { return NewMemory() }},
		{"sqlite", func(t *testing.T) Store {
			s, err := NewSQLite(":memory:")
			require.NoError(t, err)
			return s
		}},
		{"redis", func(t *testing.T) Store {
			mr := miniredis.RunT(t)
			return NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test:")
		}},
		{"postgres", func(t *testing.T) Store {
			dsn := os.Getenv("MARKETFEED_TEST_POSTGRES_DSN")
			if dsn == "" {
				t.Skip("MARKETFEED_TEST_POSTGRES_DSN not set")
			}
			s, err := NewPostgres(context.Background(), dsn, 2)
			require.NoError(t, err)
			_, err = s.pool.Exec(context.Background(), "TRUNCATE points")
			require.NoError(t, err)
			return s
		}},
	}
}

func TestStoreContract(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s := b.open(t)
			defer s.Close()

			tags := map[string]string{"symbol": "000001.SZ"}
			require.NoError(t, s.Write(ctx, "daily", tags, []series.Row{bar(2, 9.21), bar(3, 9.20), bar(31, 9.5)}))
			require.NoError(t, s.Write(ctx, "daily", map[string]string{"symbol": "600000.SH"}, []series.Row{bar(2, 7.0)}))

			t.Run("range is half open and filtered by tag", func(t *testing.T) {
				tbl, err := s.Query(ctx, "daily", tags, day(2), day(31))
				require.NoError(t, err)
				require.Equal(t, 2, tbl.Len())
				require.Equal(t, day(2), tbl.Rows[0].Timestamp)
				require.Equal(t, 9.21, tbl.Rows[0].Fields["close"])
				require.Equal(t, series.Sentinel, tbl.Rows[0].Fields["volume"])
				require.Equal(t, "000001.SZ", tbl.Rows[0].Fields["symbol"])
				require.NotContains(t, tbl.Rows[0].Fields, "name", "nil fields are not stored")
				require.Equal(t, []string{"timestamp", "close", "symbol", "volume"}, tbl.Columns)
			})

			t.Run("last write wins", func(t *testing.T) {
				require.NoError(t, s.Write(ctx, "daily", tags, []series.Row{bar(3, 10.0)}))
				tbl, err := s.Query(ctx, "daily", tags, day(3), day(4))
				require.NoError(t, err)
				require.Equal(t, 1, tbl.Len())
				require.Equal(t, 10.0, tbl.Rows[0].Fields["close"])
			})

			t.Run("no filter returns every series", func(t *testing.T) {
				tbl, err := s.Query(ctx, "daily", nil, day(2), day(3))
				require.NoError(t, err)
				require.Equal(t, 2, tbl.Len())
			})

			t.Run("batches write several series at once", func(t *testing.T) {
				require.NoError(t, s.WriteBatches(ctx, "industry", []Batch{
					{Tags: map[string]string{"symbol": "600000.SH"}, Rows: []series.Row{{Timestamp: day(5), Fields: map[string]any{"name": "PFB"}}}},
					{Tags: map[string]string{"symbol": "000001.SZ"}, Rows: []series.Row{{Timestamp: day(5), Fields: map[string]any{"name": "PAB"}}}},
					{Tags: map[string]string{"symbol": "000002.SZ"}},
				}))
				tbl, err := s.Query(ctx, "industry", nil, time.Time{}, day(6))
				require.NoError(t, err)
				require.Equal(t, 2, tbl.Len())
				require.Equal(t, "PAB", tbl.Rows[0].Fields["name"])
				require.Equal(t, "600000.SH", tbl.Rows[1].Fields["symbol"])
			})

			t.Run("other measurements are isolated", func(t *testing.T) {
				tbl, err := s.Query(ctx, "minute_1min", tags, day(1), day(31))
				require.NoError(t, err)
				require.True(t, tbl.Empty())
			})
		})
	}
}

func TestSeriesKeyRoundTrip(t *testing.T) {
	tags := map[string]string{"symbol": "a,b", "src": "x=y"}
	key := SeriesKey("minute_5min", tags)
	require.Equal(t, `minute_5min,src=x\=y,symbol=a\,b`, key)

	m, got, err := ParseSeriesKey(key)
	require.NoError(t, err)
	require.Equal(t, "minute_5min", m)
	require.Equal(t, tags, got)

	m, got, err = ParseSeriesKey("concept")
	require.NoError(t, err)
	require.Equal(t, "concept", m)
	require.Empty(t, got)
}

func TestOpen(t *testing.T) {
	s, err := Open(context.Background(), Config{})
	require.NoError(t, err)
	require.IsType(t, &Memory{}, s)

	_, err = Open(context.Background(), Config{Driver: "influx"})
	require.ErrorContains(t, err, "unknown store driver")

	_, err = Open(context.Background(), Config{Driver: "redis"})
	require.Error(t, err)
}

func TestMemory_ClosedAndCancelled(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, m.Write(ctx, "daily", nil, []series.Row{bar(2, 1)}), context.Canceled)

	require.NoError(t, m.Close())
	_, err := m.Query(context.Background(), "daily", nil, day(1), day(2))
	require.ErrorIs(t, err, ErrClosed)
}
