package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"artlift-orchestrator/internal/models"

	"go.uber.org/zap"
)

// InstallationRepository 安装记录仓库（PostgreSQL）
type InstallationRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewInstallationRepository 创建安装记录仓库
func NewInstallationRepository(db *sql.DB, logger *zap.Logger) *InstallationRepository {
	return &InstallationRepository{
		db:     db,
		logger: logger,
	}
}

const installationColumns = `
	id, name, painter_name, base_height, height, width, weight,
	status, sensor_present, wheelchair_state, height_adjusted,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInstallation(row rowScanner) (*models.Installation, error) {
	var inst models.Installation
	var painter sql.NullString
	err := row.Scan(
		&inst.ID,
		&inst.Name,
		&painter,
		&inst.BaseHeight,
		&inst.Height,
		&inst.Width,
		&inst.Weight,
		&inst.Status,
		&inst.SensorPresent,
		&inst.WheelchairState,
		&inst.HeightAdjusted,
		&inst.CreatedAt,
		&inst.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	inst.PainterName = painter.String
	return &inst, nil
}

// FindInstallation 根据ID获取安装记录
func (r *InstallationRepository) FindInstallation(ctx context.Context, id int64) (*models.Installation, error) {
	query := `SELECT` + installationColumns + ` FROM installations WHERE id = $1`

	inst, err := scanInstallation(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("installation %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query installation: %w", err)
	}
	return inst, nil
}

// ListInstallations 获取全部安装记录
func (r *InstallationRepository) ListInstallations(ctx context.Context) ([]*models.Installation, error) {
	query := `SELECT` + installationColumns + ` FROM installations ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query installations: %w", err)
	}
	defer rows.Close()

	var out []*models.Installation
	for rows.Next() {
		inst, err := scanInstallation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan installation: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// SaveInstallation 插入或更新安装记录
func (r *InstallationRepository) SaveInstallation(ctx context.Context, inst *models.Installation) error {
	query := `
		INSERT INTO installations (
			id, name, painter_name, base_height, height, width, weight,
			status, sensor_present, wheelchair_state, height_adjusted,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			painter_name = EXCLUDED.painter_name,
			base_height = EXCLUDED.base_height,
			height = EXCLUDED.height,
			width = EXCLUDED.width,
			weight = EXCLUDED.weight,
			status = EXCLUDED.status,
			sensor_present = EXCLUDED.sensor_present,
			wheelchair_state = EXCLUDED.wheelchair_state,
			height_adjusted = EXCLUDED.height_adjusted,
			updated_at = EXCLUDED.updated_at
	`

	_, err := r.db.ExecContext(ctx, query,
		inst.ID,
		inst.Name,
		nullString(inst.PainterName),
		inst.BaseHeight,
		inst.Height,
		inst.Width,
		inst.Weight,
		inst.Status,
		inst.SensorPresent,
		inst.WheelchairState,
		inst.HeightAdjusted,
		inst.CreatedAt,
		inst.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save installation %d: %w", inst.ID, err)
	}
	return nil
}

// DeleteInstallation 删除安装记录
func (r *InstallationRepository) DeleteInstallation(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM installations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete installation %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("installation %d: %w", id, ErrNotFound)
	}
	return nil
}

// BulkSetAllInactive 启动时将所有安装置为 Inactive 并重置实时标志
func (r *InstallationRepository) BulkSetAllInactive(ctx context.Context) (int64, error) {
	query := `
		UPDATE installations
		SET status = $1,
			sensor_present = FALSE,
			wheelchair_state = $2,
			height_adjusted = FALSE,
			updated_at = NOW()
	`
	res, err := r.db.ExecContext(ctx, query, models.StatusInactive, models.WheelchairNone)
	if err != nil {
		return 0, fmt.Errorf("failed to reset installations: %w", err)
	}
	n, _ := res.RowsAffected()
	r.logger.Info("Reset all installations to inactive", zap.Int64("count", n))
	return n, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
