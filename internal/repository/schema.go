package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// uniqueViolation 多个实例并发执行 CREATE TABLE IF NOT EXISTS 时可能返回
const uniqueViolation = "23505"

// schemaStatements 建表语句（幂等）
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS installations (
		id               BIGINT PRIMARY KEY,
		name             TEXT NOT NULL,
		painter_name     TEXT,
		base_height      DOUBLE PRECISION NOT NULL DEFAULT 0,
		height           DOUBLE PRECISION NOT NULL DEFAULT 0,
		width            DOUBLE PRECISION NOT NULL DEFAULT 0,
		weight           DOUBLE PRECISION NOT NULL DEFAULT 0,
		status           TEXT NOT NULL DEFAULT 'Inactive',
		sensor_present   BOOLEAN NOT NULL DEFAULT FALSE,
		wheelchair_state TEXT NOT NULL DEFAULT 'none',
		height_adjusted  BOOLEAN NOT NULL DEFAULT FALSE,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS installation_stats (
		installation_id       BIGINT PRIMARY KEY,
		name                  TEXT NOT NULL DEFAULT '',
		is_still              BOOLEAN NOT NULL DEFAULT TRUE,
		total_views           BIGINT NOT NULL DEFAULT 0,
		total_view_duration   BIGINT NOT NULL DEFAULT 0,
		average_view_duration DOUBLE PRECISION NOT NULL DEFAULT 0,
		last_viewed           TIMESTAMPTZ,
		viewing_sessions      JSONB NOT NULL DEFAULT '[]'::jsonb,
		daily_stats           JSONB NOT NULL DEFAULT '[]'::jsonb,
		updated_at            TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// EnsureSchema 创建所需的表
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
				continue
			}
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
