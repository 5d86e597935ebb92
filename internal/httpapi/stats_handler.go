package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"artlift-orchestrator/internal/models"
	"artlift-orchestrator/internal/stats"

	"go.uber.org/zap"
)

// defaultExportDays 未指定 from 时导出最近 30 天
const defaultExportDays = 30

// StatsReader 统计查询能力
type StatsReader interface {
	Get(ctx context.Context, installationID int64) (*models.StatsAggregate, error)
	DailyRange(ctx context.Context, from, to time.Time) ([]models.DailyRow, error)
}

// StatsHandler 观看统计查询与导出
type StatsHandler struct {
	stats  StatsReader
	logger *zap.Logger
	now    func() time.Time
}

// NewStatsHandler 创建统计 Handler
func NewStatsHandler(reader StatsReader, logger *zap.Logger) *StatsHandler {
	return &StatsHandler{stats: reader, logger: logger, now: time.Now}
}

// Get GET /api/v1/installations/{id}/stats
func (h *StatsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, FailCode(ResultInvalidRequest, err.Error()))
		return
	}
	s, err := h.stats.Get(r.Context(), id)
	if err != nil {
		status, body := failure(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("Get stats failed", zap.Int64("installation_id", id), zap.Error(err))
		}
		writeJSON(w, status, body)
		return
	}
	writeJSON(w, http.StatusOK, Ok(s))
}

// dateRange 解析 from/to 查询参数（含两端）
func (h *StatsHandler) dateRange(r *http.Request) (time.Time, time.Time, error) {
	today := h.now().UTC().Truncate(24 * time.Hour)
	to, err := parseDate(r.URL.Query().Get("to"), today)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	from, err := parseDate(r.URL.Query().Get("from"), to.AddDate(0, 0, -(defaultExportDays-1)))
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if from.After(to) {
		return time.Time{}, time.Time{}, fmt.Errorf("from %s is after to %s", from.Format("2006-01-02"), to.Format("2006-01-02"))
	}
	return from, to, nil
}

// Daily GET /api/v1/stats/daily?from=YYYY-MM-DD&to=YYYY-MM-DD
func (h *StatsHandler) Daily(w http.ResponseWriter, r *http.Request) {
	from, to, err := h.dateRange(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, FailCode(ResultInvalidRequest, err.Error()))
		return
	}
	rows, err := h.stats.DailyRange(r.Context(), from, to)
	if err != nil {
		h.logger.Error("Daily stats failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail(err.Error()))
		return
	}
	if rows == nil {
		rows = []models.DailyRow{}
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"items": rows,
		"total": len(rows),
	}))
}

// Export GET /api/v1/stats/export?from=YYYY-MM-DD&to=YYYY-MM-DD
func (h *StatsHandler) Export(w http.ResponseWriter, r *http.Request) {
	from, to, err := h.dateRange(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, FailCode(ResultInvalidRequest, err.Error()))
		return
	}
	rows, err := h.stats.DailyRange(r.Context(), from, to)
	if err != nil {
		h.logger.Error("Export stats failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail(err.Error()))
		return
	}
	data, err := stats.ExportWorkbook(rows)
	if err != nil {
		h.logger.Error("Build workbook failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail(err.Error()))
		return
	}

	filename := fmt.Sprintf("installation-stats-%s-%s.xlsx", from.Format("20060102"), to.Format("20060102"))
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", "attachment; filename="+filename)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
