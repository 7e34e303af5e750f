package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"marketfeed/internal/series"
)

// pointModel is one field of one point in long format.
type pointModel struct {
	ID          uint              `gorm:"primaryKey"`
	Measurement string            `gorm:"column:measurement;size:64;not null;uniqueIndex:idx_points_key,priority:1"`
	SeriesKey   string            `gorm:"column:series_key;size:255;not null;uniqueIndex:idx_points_key,priority:2"`
	TS          int64             `gorm:"column:ts;not null;uniqueIndex:idx_points_key,priority:3;index:idx_points_ts"`
	Field       string            `gorm:"column:field;size:64;not null;uniqueIndex:idx_points_key,priority:4"`
	Tags        datatypes.JSONMap `gorm:"column:tags"`
	Num         *float64          `gorm:"column:num"`
	Text        *string           `gorm:"column:text"`
}

func (pointModel) TableName() string { return "points" }

// SQLite keeps points in one gorm-managed table. Timestamps are unix
// milliseconds.
type SQLite struct {
	db *gorm.DB
}

// NewSQLite opens (or creates) the database at path. ":memory:" gives a
// private in-memory database.
func NewSQLite(path string) (*SQLite, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("sqlite store: path is required")
	}
	dsn := "file::memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		dsn = fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&pointModel{}); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Write(ctx context.Context, measurement string, tags map[string]string, rows []series.Row) error {
	return s.WriteBatches(ctx, measurement, []Batch{{Tags: tags, Rows: rows}})
}

// WriteBatches upserts every series in one statement; gorm wraps multiple
// insert batches in a single transaction.
func (s *SQLite) WriteBatches(ctx context.Context, measurement string, batches []Batch) error {
	var models []pointModel
	for _, b := range batches {
		models = appendModels(models, measurement, b.Tags, b.Rows)
	}
	if len(models) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "measurement"}, {Name: "series_key"}, {Name: "ts"}, {Name: "field"}},
			DoUpdates: clause.AssignmentColumns([]string{"tags", "num", "text"}),
		}).
		CreateInBatches(&models, 500).Error
}

func appendModels(models []pointModel, measurement string, tags map[string]string, rows []series.Row) []pointModel {
	if len(rows) == 0 {
		return models
	}
	key := SeriesKey(measurement, tags)
	tagMap := make(datatypes.JSONMap, len(tags))
	for k, v := range tags {
		tagMap[k] = v
	}
	for _, r := range rows {
		ts := utc(r.Timestamp).UnixMilli()
		for f, v := range r.Fields {
			num, text, ok := fieldValue(v)
			if !ok {
				continue
			}
			models = append(models, pointModel{
				Measurement: measurement,
				SeriesKey:   key,
				TS:          ts,
				Field:       f,
				Tags:        tagMap,
				Num:         num,
				Text:        text,
			})
		}
	}
	return models
}

func (s *SQLite) Query(ctx context.Context, measurement string, filter map[string]string, from, to time.Time) (series.Table, error) {
	q := s.db.WithContext(ctx).
		Where("measurement = ? AND ts >= ? AND ts < ?", measurement, utc(from).UnixMilli(), utc(to).UnixMilli())
	for k, v := range filter {
		q = q.Where(datatypes.JSONQuery("tags").Equals(v, k))
	}
	var models []pointModel
	if err := q.Order("ts").Find(&models).Error; err != nil {
		return series.Table{}, err
	}
	points := make([]point, 0, len(models))
	for _, m := range models {
		p := point{key: m.SeriesKey, ts: time.UnixMilli(m.TS).UTC(), fields: make(map[string]any, 1)}
		p.tags = make(map[string]string, len(m.Tags))
		for k, v := range m.Tags {
			p.tags[k] = fmt.Sprint(v)
		}
		switch {
		case m.Num != nil:
			p.fields[m.Field] = *m.Num
		case m.Text != nil:
			p.fields[m.Field] = *m.Text
		}
		points = append(points, p)
	}
	return pivot(points), nil
}

func (s *SQLite) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
