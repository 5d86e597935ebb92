package models

import (
	"time"
)

// ViewingSession 一次连续的观看区间
type ViewingSession struct {
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time,omitempty"`         // 进行中为 nil
	DurationSeconds *int64     `json:"duration_seconds,omitempty"` // 关闭时计算
}

// Open 是否仍在进行中
func (v ViewingSession) Open() bool {
	return v.EndTime == nil
}

// DailyStat 按日汇总（日期为 UTC 日历日）
type DailyStat struct {
	Date          string `json:"date"` // "2006-01-02"
	Views         int64  `json:"views"`
	TotalDuration int64  `json:"total_duration"` // 秒
}

// StatsAggregate 安装的统计汇总（对应 installation_stats 表）
type StatsAggregate struct {
	InstallationID      int64            `json:"installation_id" db:"installation_id"`
	Name                string           `json:"name" db:"name"`
	IsStill             bool             `json:"is_still" db:"is_still"` // false 表示安装已删除
	TotalViews          int64            `json:"total_views" db:"total_views"`
	TotalViewDuration   int64            `json:"total_view_duration" db:"total_view_duration"`
	AverageViewDuration float64          `json:"average_view_duration" db:"average_view_duration"`
	LastViewed          *time.Time       `json:"last_viewed,omitempty" db:"last_viewed"`
	ViewingSessions     []ViewingSession `json:"viewing_sessions" db:"viewing_sessions"`
	DailyStats          []DailyStat      `json:"daily_stats" db:"daily_stats"` // 按日期升序
}

// Clone 深拷贝，避免调用方修改内部状态
func (s *StatsAggregate) Clone() *StatsAggregate {
	if s == nil {
		return nil
	}
	out := *s
	if s.LastViewed != nil {
		t := *s.LastViewed
		out.LastViewed = &t
	}
	out.ViewingSessions = make([]ViewingSession, len(s.ViewingSessions))
	for i, v := range s.ViewingSessions {
		cp := ViewingSession{StartTime: v.StartTime}
		if v.EndTime != nil {
			t := *v.EndTime
			cp.EndTime = &t
		}
		if v.DurationSeconds != nil {
			d := *v.DurationSeconds
			cp.DurationSeconds = &d
		}
		out.ViewingSessions[i] = cp
	}
	out.DailyStats = append([]DailyStat(nil), s.DailyStats...)
	return &out
}

// DailyRow 日期范围导出的一行
type DailyRow struct {
	InstallationID int64  `json:"installation_id"`
	Name           string `json:"name"`
	IsStill        bool   `json:"is_still"`
	Date           string `json:"date"`
	Views          int64  `json:"views"`
	TotalDuration  int64  `json:"total_duration"`
}
