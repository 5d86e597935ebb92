package detection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const frameSaveTimeout = 5 * time.Second

// run 单次检测运行
type run struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	stopped bool
	reason  Reason
}

// stop 标记停止并取消运行，重复调用返回 false
func (r *run) stop(reason Reason) bool {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return false
	}
	r.stopped = true
	r.reason = reason
	r.mu.Unlock()
	r.cancel()
	return true
}

func (r *run) stopReason() (Reason, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reason, r.stopped
}

// Loop 有界轮询检测：取帧、分类、等待，直到检测到、超时、错误预算耗尽或被停止
// 同一安装同时最多一个运行
type Loop struct {
	frames     FrameSource
	classifier Classifier
	store      FrameStore
	opts       Options
	logger     *zap.Logger

	mu   sync.Mutex
	runs map[int64]*run
}

// NewLoop 创建检测循环，store 可以为 nil
func NewLoop(frames FrameSource, classifier Classifier, store FrameStore, opts Options, logger *zap.Logger) *Loop {
	return &Loop{
		frames:     frames,
		classifier: classifier,
		store:      store,
		opts:       opts,
		logger:     logger,
		runs:       make(map[int64]*run),
	}
}

// Start 启动检测并阻塞到运行结束
func (l *Loop) Start(ctx context.Context, installationID int64) Result {
	return l.Begin(ctx, installationID)()
}

// Begin 同步登记一次运行并停止旧运行，返回的 wait 阻塞到本次运行结束
// 登记顺序即调用顺序；wait 必须调用，后续运行会等待本次运行退出
func (l *Loop) Begin(ctx context.Context, installationID int64) (wait func() Result) {
	if ctx.Err() != nil {
		return func() Result { return Result{Reason: ReasonStopped} }
	}

	runCtx, cancel := context.WithCancel(ctx)
	r := &run{cancel: cancel, done: make(chan struct{})}

	l.mu.Lock()
	prev := l.runs[installationID]
	l.runs[installationID] = r
	l.mu.Unlock()

	if prev != nil {
		prev.stop(ReasonStopped)
	}

	var (
		once   sync.Once
		result Result
	)
	return func() Result {
		once.Do(func() {
			result = l.wait(runCtx, installationID, r, prev)
		})
		return result
	}
}

func (l *Loop) wait(ctx context.Context, installationID int64, r, prev *run) Result {
	defer func() {
		r.cancel()
		l.mu.Lock()
		if l.runs[installationID] == r {
			delete(l.runs, installationID)
		}
		l.mu.Unlock()
		close(r.done)
	}()

	if prev != nil {
		<-prev.done
	}

	result := l.loop(ctx, installationID, r)

	l.logger.Info("Detection finished",
		zap.Int64("installation_id", installationID),
		zap.String("reason", string(result.Reason)),
		zap.Bool("detected", result.Detected),
		zap.Float64("confidence", result.Confidence),
		zap.Int("frames", result.Frames),
		zap.Duration("elapsed", result.Elapsed),
	)
	return result
}

// Stop 停止正在进行的检测，没有运行时返回 false
func (l *Loop) Stop(installationID int64, reason Reason) bool {
	l.mu.Lock()
	r := l.runs[installationID]
	l.mu.Unlock()
	if r == nil {
		return false
	}
	if reason == "" {
		reason = ReasonStopped
	}
	return r.stop(reason)
}

// Running 是否有未停止的运行
func (l *Loop) Running(installationID int64) bool {
	l.mu.Lock()
	r := l.runs[installationID]
	l.mu.Unlock()
	if r == nil {
		return false
	}
	_, stopped := r.stopReason()
	return !stopped
}

// StopAll 停止所有运行
func (l *Loop) StopAll(reason Reason) int {
	l.mu.Lock()
	runs := make([]*run, 0, len(l.runs))
	for _, r := range l.runs {
		runs = append(runs, r)
	}
	l.mu.Unlock()

	stopped := 0
	for _, r := range runs {
		if r.stop(reason) {
			stopped++
		}
	}
	return stopped
}

func (l *Loop) loop(ctx context.Context, installationID int64, r *run) Result {
	start := time.Now()
	frames := 0

	finish := func(reason Reason, confidence float64) Result {
		return Result{
			Detected:   reason == ReasonDetected,
			Reason:     reason,
			Confidence: confidence,
			Frames:     frames,
			Elapsed:    time.Since(start),
		}
	}
	stopped := func() Result {
		reason, ok := r.stopReason()
		if !ok {
			reason = ReasonStopped
		}
		return finish(reason, 0)
	}

	for {
		if time.Since(start) >= l.opts.OverallTimeout {
			return finish(ReasonTimeout, 0)
		}
		if _, ok := r.stopReason(); ok || ctx.Err() != nil {
			return stopped()
		}

		iterStart := time.Now()
		c, gotFrame, err := l.iterate(ctx, installationID)
		if gotFrame {
			frames++
		}

		if err != nil {
			if errors.Is(err, ErrFatal) {
				l.logger.Error("Detection iteration panicked",
					zap.Int64("installation_id", installationID),
					zap.Error(err),
				)
				return finish(ReasonFatalError, 0)
			}
			if ctx.Err() != nil {
				return stopped()
			}
			if time.Since(start) >= l.opts.ErrorBudget {
				l.logger.Warn("Detection error budget exhausted",
					zap.Int64("installation_id", installationID),
					zap.Error(err),
				)
				return finish(ReasonErrorTimeout, 0)
			}
			l.logger.Warn("Detection iteration failed, retrying",
				zap.Int64("installation_id", installationID),
				zap.Duration("backoff", l.opts.ErrorBackoff),
				zap.Error(err),
			)
			if !sleep(ctx, l.opts.ErrorBackoff) {
				return stopped()
			}
			continue
		}

		if c.Positive && c.Confidence >= l.opts.ConfidenceThreshold {
			return finish(ReasonDetected, c.Confidence)
		}

		wait := l.opts.FrameInterval - time.Since(iterStart)
		if wait < l.opts.MinWait {
			wait = l.opts.MinWait
		}
		// 不越过总超时
		if remaining := l.opts.OverallTimeout - time.Since(start); wait > remaining {
			wait = remaining
		}
		if !sleep(ctx, wait) {
			return stopped()
		}
	}
}

// iterate 取帧、保存、分类；panic 转为 ErrFatal
func (l *Loop) iterate(ctx context.Context, installationID int64) (c Classification, gotFrame bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", ErrFatal, p)
		}
	}()

	frameCtx, cancel := context.WithTimeout(ctx, l.opts.FrameTimeout)
	image, err := l.frames.RequestFrame(frameCtx, installationID)
	cancel()
	if err != nil {
		return Classification{}, false, fmt.Errorf("%w: frame request: %w", ErrClassification, err)
	}

	l.saveFrame(installationID, image)

	c, err = l.classifier.Classify(ctx, image)
	if err != nil {
		return Classification{}, true, fmt.Errorf("%w: classify: %w", ErrClassification, err)
	}
	return c, true, nil
}

func (l *Loop) saveFrame(installationID int64, image []byte) {
	if l.store == nil {
		return
	}
	at := time.Now()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), frameSaveTimeout)
		defer cancel()
		if err := l.store.SaveFrame(ctx, installationID, image, at); err != nil {
			l.logger.Warn("Failed to save frame",
				zap.Int64("installation_id", installationID),
				zap.Error(err),
			)
		}
	}()
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
