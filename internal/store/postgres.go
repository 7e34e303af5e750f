package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"marketfeed/internal/series"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS points (
	measurement TEXT             NOT NULL,
	series_key  TEXT             NOT NULL,
	tags        JSONB            NOT NULL,
	ts          TIMESTAMP        NOT NULL,
	field       TEXT             NOT NULL,
	num         DOUBLE PRECISION,
	txt         TEXT,
	PRIMARY KEY (measurement, series_key, ts, field)
);
CREATE INDEX IF NOT EXISTS idx_points_measurement_ts ON points (measurement, ts);
CREATE INDEX IF NOT EXISTS idx_points_tags ON points USING GIN (tags);`

const upsertPoint = `
INSERT INTO points (measurement, series_key, tags, ts, field, num, txt)
VALUES ($1, $2, $3::jsonb, $4, $5, $6, $7)
ON CONFLICT (measurement, series_key, ts, field)
DO UPDATE SET tags = EXCLUDED.tags, num = EXCLUDED.num, txt = EXCLUDED.txt`

const selectPoints = `
SELECT series_key, tags, ts, field, num, txt
FROM points
WHERE measurement = $1 AND tags @> $2::jsonb AND ts >= $3 AND ts < $4
ORDER BY ts`

// Postgres keeps points in one long-format table behind a pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects, sizes the pool and ensures the schema.
func NewPostgres(ctx context.Context, dsn string, maxConns int32) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("error parsing pgx connection string: %w", err)
	}
	if maxConns > 0 {
		config.MaxConns = maxConns
	}
	config.MinConns = 1
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("error making new pgx pool: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring points schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Write(ctx context.Context, measurement string, tags map[string]string, rows []series.Row) error {
	return p.WriteBatches(ctx, measurement, []Batch{{Tags: tags, Rows: rows}})
}

// WriteBatches queues every upsert into one pgx batch inside one transaction.
func (p *Postgres) WriteBatches(ctx context.Context, measurement string, batches []Batch) error {
	batch := &pgx.Batch{}
	for _, b := range batches {
		if len(b.Rows) == 0 {
			continue
		}
		key := SeriesKey(measurement, b.Tags)
		tagJSON, err := json.Marshal(b.Tags)
		if err != nil {
			return err
		}
		if b.Tags == nil {
			tagJSON = []byte("{}")
		}
		for _, r := range b.Rows {
			ts := utc(r.Timestamp)
			for f, v := range r.Fields {
				num, text, ok := fieldValue(v)
				if !ok {
					continue
				}
				batch.Queue(upsertPoint, measurement, key, string(tagJSON), ts, f, num, text)
			}
		}
	}
	if batch.Len() == 0 {
		return nil
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("writing %s: %w", measurement, err)
	}
	return tx.Commit(ctx)
}

func (p *Postgres) Query(ctx context.Context, measurement string, filter map[string]string, from, to time.Time) (series.Table, error) {
	if filter == nil {
		filter = map[string]string{}
	}
	filterJSON, err := json.Marshal(filter)
	if err != nil {
		return series.Table{}, err
	}
	rows, err := p.pool.Query(ctx, selectPoints, measurement, string(filterJSON), utc(from), utc(to))
	if err != nil {
		return series.Table{}, fmt.Errorf("unable to query: %w", err)
	}
	defer rows.Close()

	var points []point
	for rows.Next() {
		var (
			key   string
			tags  map[string]string
			ts    time.Time
			field string
			num   *float64
			txt   *string
		)
		if err := rows.Scan(&key, &tags, &ts, &field, &num, &txt); err != nil {
			return series.Table{}, err
		}
		pt := point{key: key, tags: tags, ts: utc(ts), fields: make(map[string]any, 1)}
		switch {
		case num != nil:
			pt.fields[field] = *num
		case txt != nil:
			pt.fields[field] = *txt
		}
		points = append(points, pt)
	}
	if err := rows.Err(); err != nil {
		return series.Table{}, err
	}
	return pivot(points), nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
