package detection

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrClassification 取帧或分类失败（计入错误预算后重试）
	ErrClassification = errors.New("classification error")
	// ErrFatal 单次迭代中出现意外 panic
	ErrFatal = errors.New("fatal detection error")
)

// Reason 检测结束原因
type Reason string

const (
	ReasonDetected         Reason = "detected"
	ReasonTimeout          Reason = "timeout"
	ReasonErrorTimeout     Reason = "error_timeout"
	ReasonStopped          Reason = "stopped"
	ReasonManuallyResolved Reason = "manually_resolved"
	ReasonFatalError       Reason = "fatal_error"
)

// Result 一次检测运行的结果
type Result struct {
	Detected   bool          `json:"detected"`
	Reason     Reason        `json:"reason"`
	Confidence float64       `json:"confidence,omitempty"`
	Frames     int           `json:"frames"`
	Elapsed    time.Duration `json:"elapsed"`
}

// Classification 分类结果
type Classification struct {
	Positive   bool
	Confidence float64
}

// FrameSource 取一帧图像
type FrameSource interface {
	RequestFrame(ctx context.Context, installationID int64) ([]byte, error)
}

// Classifier 远程图像分类
type Classifier interface {
	Classify(ctx context.Context, image []byte) (Classification, error)
}

// FrameStore 帧持久化（失败只记录日志）
type FrameStore interface {
	SaveFrame(ctx context.Context, installationID int64, image []byte, at time.Time) error
}

// Options 检测参数
type Options struct {
	OverallTimeout      time.Duration
	ErrorBudget         time.Duration
	FrameInterval       time.Duration
	MinWait             time.Duration
	ErrorBackoff        time.Duration
	FrameTimeout        time.Duration
	ConfidenceThreshold float64
}

// DefaultOptions 默认检测参数
func DefaultOptions() Options {
	return Options{
		OverallTimeout:      12 * time.Second,
		ErrorBudget:         25 * time.Second,
		FrameInterval:       2 * time.Second,
		MinWait:             time.Second,
		ErrorBackoff:        time.Second,
		FrameTimeout:        5 * time.Second,
		ConfidenceThreshold: 0.60,
	}
}
