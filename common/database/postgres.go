package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"artlift-orchestrator/common/config"

	_ "github.com/lib/pq"
)

const (
	pingTimeout     = 5 * time.Second
	connectAttempts = 5
	connectBackoff  = 2 * time.Second
)

// NewPostgresDB 打开连接池并等待数据库可用（启动时数据库可能尚未就绪）
func NewPostgresDB(ctx context.Context, cfg *config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	configurePool(db, cfg)

	var lastErr error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		if lastErr = ping(ctx, db); lastErr == nil {
			return db, nil
		}
		if attempt == connectAttempts {
			break
		}
		select {
		case <-ctx.Done():
			db.Close()
			return nil, fmt.Errorf("failed to ping database: %w", ctx.Err())
		case <-time.After(connectBackoff):
		}
	}
	db.Close()
	return nil, fmt.Errorf("failed to ping database %s:%d after %d attempts: %w",
		cfg.Host, cfg.Port, connectAttempts, lastErr)
}

func configurePool(db *sql.DB, cfg *config.DatabaseConfig) {
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}
	if cfg.MaxIdle > 0 {
		db.SetMaxIdleConns(cfg.MaxIdle)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
}

func ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return db.PingContext(ctx)
}

func Close(db *sql.DB) error {
	if db == nil {
		return nil
	}
	return db.Close()
}
