package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"artlift-orchestrator/internal/models"

	"go.uber.org/zap"
)

// StatsRepository 统计仓库（PostgreSQL，会话和按日汇总以 JSONB 存储）
type StatsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewStatsRepository 创建统计仓库
func NewStatsRepository(db *sql.DB, logger *zap.Logger) *StatsRepository {
	return &StatsRepository{
		db:     db,
		logger: logger,
	}
}

const statsColumns = `
	installation_id, name, is_still, total_views, total_view_duration,
	average_view_duration, last_viewed, viewing_sessions, daily_stats`

func scanStats(row rowScanner) (*models.StatsAggregate, error) {
	var s models.StatsAggregate
	var lastViewed sql.NullTime
	var sessionsJSON, dailyJSON []byte

	err := row.Scan(
		&s.InstallationID,
		&s.Name,
		&s.IsStill,
		&s.TotalViews,
		&s.TotalViewDuration,
		&s.AverageViewDuration,
		&lastViewed,
		&sessionsJSON,
		&dailyJSON,
	)
	if err != nil {
		return nil, err
	}

	if lastViewed.Valid {
		s.LastViewed = &lastViewed.Time
	}
	if len(sessionsJSON) > 0 {
		if err := json.Unmarshal(sessionsJSON, &s.ViewingSessions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal viewing_sessions: %w", err)
		}
	}
	if len(dailyJSON) > 0 {
		if err := json.Unmarshal(dailyJSON, &s.DailyStats); err != nil {
			return nil, fmt.Errorf("failed to unmarshal daily_stats: %w", err)
		}
	}
	return &s, nil
}

// FindStats 根据安装ID获取统计
func (r *StatsRepository) FindStats(ctx context.Context, installationID int64) (*models.StatsAggregate, error) {
	query := `SELECT` + statsColumns + ` FROM installation_stats WHERE installation_id = $1`

	s, err := scanStats(r.db.QueryRowContext(ctx, query, installationID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("stats %d: %w", installationID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query stats: %w", err)
	}
	return s, nil
}

// ListStats 获取全部统计
func (r *StatsRepository) ListStats(ctx context.Context) ([]*models.StatsAggregate, error) {
	query := `SELECT` + statsColumns + ` FROM installation_stats ORDER BY installation_id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query stats: %w", err)
	}
	defer rows.Close()

	var out []*models.StatsAggregate
	for rows.Next() {
		s, err := scanStats(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stats: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SaveStats 插入或更新统计
func (r *StatsRepository) SaveStats(ctx context.Context, s *models.StatsAggregate) error {
	sessions := s.ViewingSessions
	if sessions == nil {
		sessions = []models.ViewingSession{}
	}
	sessionsJSON, err := json.Marshal(sessions)
	if err != nil {
		return fmt.Errorf("failed to marshal viewing_sessions: %w", err)
	}
	daily := s.DailyStats
	if daily == nil {
		daily = []models.DailyStat{}
	}
	dailyJSON, err := json.Marshal(daily)
	if err != nil {
		return fmt.Errorf("failed to marshal daily_stats: %w", err)
	}

	var lastViewed sql.NullTime
	if s.LastViewed != nil {
		lastViewed = sql.NullTime{Time: *s.LastViewed, Valid: true}
	}

	query := `
		INSERT INTO installation_stats (
			installation_id, name, is_still, total_views, total_view_duration,
			average_view_duration, last_viewed, viewing_sessions, daily_stats, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9::jsonb, NOW())
		ON CONFLICT (installation_id) DO UPDATE SET
			name = EXCLUDED.name,
			is_still = EXCLUDED.is_still,
			total_views = EXCLUDED.total_views,
			total_view_duration = EXCLUDED.total_view_duration,
			average_view_duration = EXCLUDED.average_view_duration,
			last_viewed = EXCLUDED.last_viewed,
			viewing_sessions = EXCLUDED.viewing_sessions,
			daily_stats = EXCLUDED.daily_stats,
			updated_at = NOW()
	`

	_, err = r.db.ExecContext(ctx, query,
		s.InstallationID,
		s.Name,
		s.IsStill,
		s.TotalViews,
		s.TotalViewDuration,
		s.AverageViewDuration,
		lastViewed,
		string(sessionsJSON),
		string(dailyJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to save stats %d: %w", s.InstallationID, err)
	}
	return nil
}
