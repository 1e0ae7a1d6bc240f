package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/LeventeLantos/group-messaging/internal/config"
	"github.com/LeventeLantos/group-messaging/internal/repo"
	"github.com/redis/go-redis/v9"
)

func openDatabase(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, repo.Dialect, error) {
	dialect := repo.Dialect(cfg.Driver)
	db, err := repo.Open(ctx, dialect, cfg.URL)
	if err != nil {
		return nil, "", fmt.Errorf("open %s: %w", dialect, err)
	}
	return db, dialect, nil
}

func openRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Address, err)
	}
	return rdb, nil
}
