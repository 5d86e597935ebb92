package stats

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"artlift-orchestrator/internal/models"
	"artlift-orchestrator/internal/repository"

	"go.uber.org/zap"
)

var (
	// ErrSessionOpen 已存在未关闭的观看会话
	ErrSessionOpen = errors.New("viewing session already open")
	// ErrNoOpenSession 没有与开始时间匹配的未关闭会话
	ErrNoOpenSession = errors.New("no matching open viewing session")
)

const dateLayout = "2006-01-02"

// Repository 统计持久化
type Repository interface {
	FindStats(ctx context.Context, installationID int64) (*models.StatsAggregate, error)
	SaveStats(ctx context.Context, s *models.StatsAggregate) error
	ListStats(ctx context.Context) ([]*models.StatsAggregate, error)
}

// Aggregator 观看会话统计，所有读改写由自身的锁串行化
type Aggregator struct {
	repo   Repository
	logger *zap.Logger
	mu     sync.Mutex
}

// NewAggregator 创建统计聚合器
func NewAggregator(repo Repository, logger *zap.Logger) *Aggregator {
	return &Aggregator{repo: repo, logger: logger}
}

// load 读取统计，不存在时返回新的空记录
func (a *Aggregator) load(ctx context.Context, installationID int64) (*models.StatsAggregate, error) {
	s, err := a.repo.FindStats(ctx, installationID)
	if errors.Is(err, repository.ErrNotFound) {
		return &models.StatsAggregate{InstallationID: installationID, IsStill: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load stats for installation %d: %w", installationID, err)
	}
	return s, nil
}

func (a *Aggregator) save(ctx context.Context, s *models.StatsAggregate) error {
	if err := a.repo.SaveStats(ctx, s); err != nil {
		return fmt.Errorf("failed to save stats for installation %d: %w", s.InstallationID, err)
	}
	return nil
}

// Ensure 确保统计记录存在并记录当前名称
func (a *Aggregator) Ensure(ctx context.Context, installationID int64, name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, err := a.load(ctx, installationID)
	if err != nil {
		return err
	}
	s.IsStill = true
	if name != "" {
		s.Name = name
	}
	return a.save(ctx, s)
}

// OpenSession 在 start 处开启观看会话
func (a *Aggregator) OpenSession(ctx context.Context, installationID int64, start time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, err := a.load(ctx, installationID)
	if err != nil {
		return err
	}
	if openIndex(s) >= 0 {
		return ErrSessionOpen
	}

	s.ViewingSessions = append(s.ViewingSessions, models.ViewingSession{StartTime: start})
	lastViewed := start
	s.LastViewed = &lastViewed
	return a.save(ctx, s)
}

// CloseSession 关闭以 start 开始的会话，更新累计与按日汇总
func (a *Aggregator) CloseSession(ctx context.Context, installationID int64, start, end time.Time) (models.ViewingSession, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, err := a.load(ctx, installationID)
	if err != nil {
		return models.ViewingSession{}, err
	}

	i := openIndex(s)
	if i < 0 || !s.ViewingSessions[i].StartTime.Equal(start) {
		return models.ViewingSession{}, ErrNoOpenSession
	}

	duration := int64(end.Sub(start) / time.Second)
	if duration < 0 {
		duration = 0
	}
	endTime := end
	s.ViewingSessions[i].EndTime = &endTime
	s.ViewingSessions[i].DurationSeconds = &duration

	s.TotalViews++
	s.TotalViewDuration += duration
	s.AverageViewDuration = float64(s.TotalViewDuration) / float64(s.TotalViews)
	addDaily(s, start.UTC().Format(dateLayout), duration)

	if err := a.save(ctx, s); err != nil {
		return models.ViewingSession{}, err
	}
	return s.ViewingSessions[i], nil
}

// CurrentSession 返回未关闭的会话，没有时返回 nil
func (a *Aggregator) CurrentSession(ctx context.Context, installationID int64) (*models.ViewingSession, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, err := a.load(ctx, installationID)
	if err != nil {
		return nil, err
	}
	i := openIndex(s)
	if i < 0 {
		return nil, nil
	}
	v := s.ViewingSessions[i]
	return &v, nil
}

// HasOpenSession 是否存在未关闭的会话
func (a *Aggregator) HasOpenSession(ctx context.Context, installationID int64) (bool, error) {
	v, err := a.CurrentSession(ctx, installationID)
	return v != nil, err
}

// MarkRemoved 标记安装已删除，保留历史和最后名称
func (a *Aggregator) MarkRemoved(ctx context.Context, installationID int64, name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, err := a.load(ctx, installationID)
	if err != nil {
		return err
	}
	s.IsStill = false
	if name != "" {
		s.Name = name
	}
	return a.save(ctx, s)
}

// DiscardOpenSessions 丢弃重启前遗留的未关闭会话（不计入统计）
func (a *Aggregator) DiscardOpenSessions(ctx context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	all, err := a.repo.ListStats(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list stats: %w", err)
	}

	discarded := 0
	for _, s := range all {
		kept := s.ViewingSessions[:0]
		for _, v := range s.ViewingSessions {
			if v.Open() {
				discarded++
				continue
			}
			kept = append(kept, v)
		}
		if len(kept) == len(s.ViewingSessions) {
			continue
		}
		s.ViewingSessions = kept
		if err := a.save(ctx, s); err != nil {
			return discarded, err
		}
		a.logger.Info("Discarded dangling viewing session", zap.Int64("installation_id", s.InstallationID))
	}
	return discarded, nil
}

// Get 获取统计副本
func (a *Aggregator) Get(ctx context.Context, installationID int64) (*models.StatsAggregate, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, err := a.repo.FindStats(ctx, installationID)
	if err != nil {
		return nil, err
	}
	return s.Clone(), nil
}

// DailyRange 按日期范围（含两端，UTC 日历日）展开每个安装的按日汇总
func (a *Aggregator) DailyRange(ctx context.Context, from, to time.Time) ([]models.DailyRow, error) {
	a.mu.Lock()
	all, err := a.repo.ListStats(ctx)
	a.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to list stats: %w", err)
	}

	fromDate := from.UTC().Format(dateLayout)
	toDate := to.UTC().Format(dateLayout)

	var rows []models.DailyRow
	for _, s := range all {
		for _, d := range s.DailyStats {
			if d.Date < fromDate || d.Date > toDate {
				continue
			}
			rows = append(rows, models.DailyRow{
				InstallationID: s.InstallationID,
				Name:           s.Name,
				IsStill:        s.IsStill,
				Date:           d.Date,
				Views:          d.Views,
				TotalDuration:  d.TotalDuration,
			})
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Date != rows[j].Date {
			return rows[i].Date < rows[j].Date
		}
		return rows[i].InstallationID < rows[j].InstallationID
	})
	return rows, nil
}

func openIndex(s *models.StatsAggregate) int {
	for i := len(s.ViewingSessions) - 1; i >= 0; i-- {
		if s.ViewingSessions[i].Open() {
			return i
		}
	}
	return -1
}

// addDaily 更新或插入日期桶，保持按日期升序
func addDaily(s *models.StatsAggregate, date string, duration int64) {
	i := sort.Search(len(s.DailyStats), func(i int) bool { return s.DailyStats[i].Date >= date })
	if i < len(s.DailyStats) && s.DailyStats[i].Date == date {
		s.DailyStats[i].Views++
		s.DailyStats[i].TotalDuration += duration
		return
	}
	s.DailyStats = append(s.DailyStats, models.DailyStat{})
	copy(s.DailyStats[i+1:], s.DailyStats[i:])
	s.DailyStats[i] = models.DailyStat{Date: date, Views: 1, TotalDuration: duration}
}
