package store

import (
	"context"
	"fmt"
	"strings"
)

// Config selects and configures a backend.
type Config struct {
	// Driver is one of memory, sqlite, redis, postgres.
	Driver string `mapstructure:"driver" json:"driver"`

	SQLitePath string `mapstructure:"sqlite_path" json:"sqlite_path"`

	RedisAddr     string `mapstructure:"redis_addr" json:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password" json:"-"`
	RedisDB       int    `mapstructure:"redis_db" json:"redis_db"`
	RedisPrefix   string `mapstructure:"redis_prefix" json:"redis_prefix"`

	PostgresDSN      string `mapstructure:"postgres_dsn" json:"-"`
	PostgresMaxConns int32  `mapstructure:"postgres_max_conns" json:"postgres_max_conns"`
}

// Open builds the configured backend. An empty driver means memory.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite":
		return NewSQLite(cfg.SQLitePath)
	case "redis":
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("redis store: redis_addr is required")
		}
		return DialRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisPrefix)
	case "postgres", "postgresql":
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres store: postgres_dsn is required")
		}
		return NewPostgres(ctx, cfg.PostgresDSN, cfg.PostgresMaxConns)
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}
