package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"relentless-harvester/internal/config"
)

const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Open builds the configured Store: SQLite for everything, with job records moved to
// Redis when the job backend is "redis".
func Open(ctx context.Context, cfg config.Config) (Store, error) {
	base, err := OpenSQLite(cfg.Store.SQLitePath)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(cfg.Store.JobBackend) {
	case "", BackendSQLite:
		return base, nil
	case BackendRedis:
		jobs := NewRedisJobStore(cfg.Redis.Addr, cfg.Redis.Prefix, cfg.Redis.ClaimTTL)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := jobs.Ping(pingCtx); err != nil {
			_ = jobs.Close()
			_ = base.Close()
			return nil, fmt.Errorf("redis job store: %w", err)
		}
		return WithJobStore(base, jobs), nil
	default:
		_ = base.Close()
		return nil, fmt.Errorf("unknown job backend %q", cfg.Store.JobBackend)
	}
}
