package models

import (
	"time"
)

// InstallationStatus 安装生命周期状态
type InstallationStatus string

const (
	StatusActive   InstallationStatus = "Active"
	StatusInactive InstallationStatus = "Inactive"
)

// WheelchairState 轮椅检测状态
type WheelchairState string

const (
	WheelchairNone      WheelchairState = "none"
	WheelchairChecking  WheelchairState = "checking"
	WheelchairConfirmed WheelchairState = "confirmed"
)

// Installation 安装记录（对应 installations 表）
type Installation struct {
	ID          int64   `json:"id" db:"id"`
	Name        string  `json:"name" db:"name"`
	PainterName string  `json:"painter_name" db:"painter_name"`
	BaseHeight  float64 `json:"base_height" db:"base_height"` // cm
	Height      float64 `json:"height" db:"height"`           // cm
	Width       float64 `json:"width" db:"width"`
	Weight      float64 `json:"weight" db:"weight"`

	Status          InstallationStatus `json:"status" db:"status"`
	SensorPresent   bool               `json:"sensor_present" db:"sensor_present"`
	WheelchairState WheelchairState    `json:"wheelchair_state" db:"wheelchair_state"`
	HeightAdjusted  bool               `json:"height_adjusted" db:"height_adjusted"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// ResetLiveFlags 重置实时标志（离开、停用、重启恢复时使用）
func (i *Installation) ResetLiveFlags() {
	i.SensorPresent = false
	i.WheelchairState = WheelchairNone
	i.HeightAdjusted = false
}

// Status 广播给观察者的实时状态
type Status struct {
	InstallationID  int64              `json:"installation_id"`
	Status          InstallationStatus `json:"status"`
	SensorPresent   bool               `json:"sensor_present"`
	WheelchairState WheelchairState    `json:"wheelchair_state"`
	HeightAdjusted  bool               `json:"height_adjusted"`
	Removed         bool               `json:"removed,omitempty"`
	Timestamp       int64              `json:"timestamp"` // Unix 毫秒
}

// StatusOf 从安装记录生成广播状态
func StatusOf(inst *Installation, at time.Time) Status {
	return Status{
		InstallationID:  inst.ID,
		Status:          inst.Status,
		SensorPresent:   inst.SensorPresent,
		WheelchairState: inst.WheelchairState,
		HeightAdjusted:  inst.HeightAdjusted,
		Timestamp:       at.UnixMilli(),
	}
}
