package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"marketfeed/internal/series"
)

// DefaultRedisPrefix namespaces every key the redis store touches.
const DefaultRedisPrefix = "marketfeed:"

// Redis keeps one sorted set per series, scored by unix milliseconds, plus a
// set per measurement indexing its series keys. A write replaces whole points.
type Redis struct {
	client *redis.Client
	prefix string
}

type redisPoint struct {
	TS     int64          `json:"ts"`
	Fields map[string]any `json:"fields"`
}

// NewRedis wraps an existing client. The caller's client is closed by Close.
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &Redis{client: client, prefix: prefix}
}

// DialRedis connects and pings.
func DialRedis(ctx context.Context, addr, password string, db int, prefix string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedis(client, prefix), nil
}

func (r *Redis) seriesKey(key string) string         { return r.prefix + "series:" + key }
func (r *Redis) indexKey(measurement string) string { return r.prefix + "index:" + measurement }

func (r *Redis) Write(ctx context.Context, measurement string, tags map[string]string, rows []series.Row) error {
	return r.WriteBatches(ctx, measurement, []Batch{{Tags: tags, Rows: rows}})
}

// WriteBatches sends every series in one MULTI/EXEC pipeline.
func (r *Redis) WriteBatches(ctx context.Context, measurement string, batches []Batch) error {
	n := 0
	for _, b := range batches {
		n += len(b.Rows)
	}
	if n == 0 {
		return nil
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, b := range batches {
			if len(b.Rows) == 0 {
				continue
			}
			key := SeriesKey(measurement, b.Tags)
			pipe.SAdd(ctx, r.indexKey(measurement), key)
			if err := r.queuePoints(ctx, pipe, r.seriesKey(key), b.Rows); err != nil {
				return err
			}
		}
		return nil
	})
	return err
}

func (r *Redis) queuePoints(ctx context.Context, pipe redis.Pipeliner, zkey string, rows []series.Row) error {
	for _, row := range rows {
		ts := utc(row.Timestamp).UnixMilli()
		p := redisPoint{TS: ts, Fields: make(map[string]any, len(row.Fields))}
		for f, v := range row.Fields {
			num, text, ok := fieldValue(v)
			switch {
			case !ok:
			case num != nil:
				p.Fields[f] = *num
			default:
				p.Fields[f] = *text
			}
		}
		member, err := json.Marshal(p)
		if err != nil {
			return err
		}
		score := strconv.FormatInt(ts, 10)
		pipe.ZRemRangeByScore(ctx, zkey, score, score)
		pipe.ZAdd(ctx, zkey, redis.Z{Score: float64(ts), Member: member})
	}
	return nil
}

func (r *Redis) Query(ctx context.Context, measurement string, filter map[string]string, from, to time.Time) (series.Table, error) {
	keys, err := r.client.SMembers(ctx, r.indexKey(measurement)).Result()
	if err != nil {
		return series.Table{}, err
	}
	rng := &redis.ZRangeBy{
		Min: strconv.FormatInt(utc(from).UnixMilli(), 10),
		Max: "(" + strconv.FormatInt(utc(to).UnixMilli(), 10),
	}
	var points []point
	for _, key := range keys {
		_, tags, err := ParseSeriesKey(key)
		if err != nil || !Matches(tags, filter) {
			continue
		}
		members, err := r.client.ZRangeByScore(ctx, r.seriesKey(key), rng).Result()
		if err != nil {
			return series.Table{}, err
		}
		for _, m := range members {
			var p redisPoint
			if err := json.Unmarshal([]byte(m), &p); err != nil {
				return series.Table{}, fmt.Errorf("decoding point in %s: %w", key, err)
			}
			points = append(points, point{key: key, tags: tags, ts: time.UnixMilli(p.TS).UTC(), fields: p.Fields})
		}
	}
	return pivot(points), nil
}

func (r *Redis) Close() error { return r.client.Close() }
