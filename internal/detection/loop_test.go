package detection

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeFrames struct {
	fn      func(ctx context.Context, id int64) ([]byte, error)
	calls   int32
	active  int32
	maxSeen int32
}

func (f *fakeFrames) RequestFrame(ctx context.Context, id int64) ([]byte, error) {
	atomic.AddInt32(&f.calls, 1)
	n := atomic.AddInt32(&f.active, 1)
	defer atomic.AddInt32(&f.active, -1)
	for {
		m := atomic.LoadInt32(&f.maxSeen)
		if n <= m || atomic.CompareAndSwapInt32(&f.maxSeen, m, n) {
			break
		}
	}
	if f.fn != nil {
		return f.fn(ctx, id)
	}
	return []byte("jpeg"), nil
}

type fakeClassifier struct {
	fn func(image []byte) (Classification, error)
}

func (c *fakeClassifier) Classify(_ context.Context, image []byte) (Classification, error) {
	return c.fn(image)
}

type fakeFrameStore struct {
	mu    sync.Mutex
	saved []int64
	err   error
}

func (s *fakeFrameStore) SaveFrame(_ context.Context, id int64, _ []byte, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, id)
	return s.err
}

func (s *fakeFrameStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

func negative(_ []byte) (Classification, error) { return Classification{}, nil }

func testOptions() Options {
	return Options{
		OverallTimeout:      120 * time.Millisecond,
		ErrorBudget:         300 * time.Millisecond,
		FrameInterval:       30 * time.Millisecond,
		MinWait:             5 * time.Millisecond,
		ErrorBackoff:        10 * time.Millisecond,
		FrameTimeout:        50 * time.Millisecond,
		ConfidenceThreshold: 0.60,
	}
}

// blockingFrames 阻塞到 ctx 结束
func blockingFrames(ctx context.Context, _ int64) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestLoop_DetectedOnFirstFrame(t *testing.T) {
	frames := &fakeFrames{}
	store := &fakeFrameStore{}
	classifier := &fakeClassifier{fn: func([]byte) (Classification, error) {
		return Classification{Positive: true, Confidence: 0.9}, nil
	}}
	loop := NewLoop(frames, classifier, store, testOptions(), zap.NewNop())

	res := loop.Start(context.Background(), 1)

	assert.True(t, res.Detected)
	assert.Equal(t, ReasonDetected, res.Reason)
	assert.Equal(t, 0.9, res.Confidence)
	assert.Equal(t, 1, res.Frames)
	assert.False(t, loop.Running(1))
	require.Eventually(t, func() bool { return store.count() == 1 }, time.Second, time.Millisecond)
}

func TestLoop_LowConfidenceIsNegative(t *testing.T) {
	classifier := &fakeClassifier{fn: func([]byte) (Classification, error) {
		return Classification{Positive: true, Confidence: 0.59}, nil
	}}
	loop := NewLoop(&fakeFrames{}, classifier, nil, testOptions(), zap.NewNop())

	res := loop.Start(context.Background(), 1)

	assert.False(t, res.Detected)
	assert.Equal(t, ReasonTimeout, res.Reason)
}

func TestLoop_TimeoutBoundsRuntime(t *testing.T) {
	frames := &fakeFrames{}
	opts := testOptions()
	loop := NewLoop(frames, &fakeClassifier{fn: negative}, nil, opts, zap.NewNop())

	res := loop.Start(context.Background(), 1)

	assert.Equal(t, ReasonTimeout, res.Reason)
	assert.GreaterOrEqual(t, res.Elapsed, opts.OverallTimeout)
	assert.Less(t, res.Elapsed, opts.OverallTimeout+60*time.Millisecond)
	// 每个间隔一帧：0, 30, 60, 90ms
	assert.InDelta(t, 4, res.Frames, 1)
}

func TestLoop_ErrorBudgetExhausted(t *testing.T) {
	frames := &fakeFrames{fn: func(context.Context, int64) ([]byte, error) {
		return nil, errors.New("camera offline")
	}}
	opts := testOptions()
	opts.OverallTimeout = time.Second
	opts.ErrorBudget = 60 * time.Millisecond
	loop := NewLoop(frames, &fakeClassifier{fn: negative}, nil, opts, zap.NewNop())

	res := loop.Start(context.Background(), 1)

	assert.Equal(t, ReasonErrorTimeout, res.Reason)
	assert.GreaterOrEqual(t, res.Elapsed, opts.ErrorBudget)
	assert.Less(t, res.Elapsed, opts.ErrorBudget+60*time.Millisecond)
	assert.Greater(t, atomic.LoadInt32(&frames.calls), int32(1), "errors are retried")
	assert.Equal(t, 0, res.Frames)
}

func TestLoop_ErrorsDoNotResetOverallTimeout(t *testing.T) {
	var calls int32
	classifier := &fakeClassifier{fn: func([]byte) (Classification, error) {
		if atomic.AddInt32(&calls, 1)%2 == 0 {
			return Classification{}, errors.New("classifier 502")
		}
		return Classification{}, nil
	}}
	opts := testOptions()
	loop := NewLoop(&fakeFrames{}, classifier, nil, opts, zap.NewNop())

	res := loop.Start(context.Background(), 1)

	assert.Equal(t, ReasonTimeout, res.Reason)
	assert.Less(t, res.Elapsed, opts.OverallTimeout+60*time.Millisecond)
}

func TestLoop_StopResolvesInFlightStart(t *testing.T) {
	loop := NewLoop(&fakeFrames{fn: blockingFrames}, &fakeClassifier{fn: negative}, nil, testOptions(), zap.NewNop())

	done := make(chan Result, 1)
	go func() { done <- loop.Start(context.Background(), 7) }()
	require.Eventually(t, func() bool { return loop.Running(7) }, time.Second, time.Millisecond)

	assert.True(t, loop.Stop(7, ReasonManuallyResolved))
	assert.False(t, loop.Stop(7, ReasonManuallyResolved), "second stop is a no-op")

	select {
	case res := <-done:
		assert.False(t, res.Detected)
		assert.Equal(t, ReasonManuallyResolved, res.Reason)
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Stop")
	}
	assert.False(t, loop.Running(7))
}

func TestLoop_StopWithoutRun(t *testing.T) {
	loop := NewLoop(&fakeFrames{}, &fakeClassifier{fn: negative}, nil, testOptions(), zap.NewNop())
	assert.False(t, loop.Stop(42, ReasonStopped))
	assert.False(t, loop.Running(42))
}

func TestLoop_RestartStopsPriorRun(t *testing.T) {
	frames := &fakeFrames{fn: blockingFrames}
	opts := testOptions()
	opts.OverallTimeout = 500 * time.Millisecond
	opts.FrameTimeout = time.Second
	loop := NewLoop(frames, &fakeClassifier{fn: negative}, nil, opts, zap.NewNop())

	first := make(chan Result, 1)
	go func() { first <- loop.Start(context.Background(), 3) }()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&frames.calls) == 1 }, time.Second, time.Millisecond)

	second := make(chan Result, 1)
	go func() { second <- loop.Start(context.Background(), 3) }()

	select {
	case res := <-first:
		assert.Equal(t, ReasonStopped, res.Reason)
	case <-time.After(time.Second):
		t.Fatal("prior run was not stopped")
	}

	require.Eventually(t, func() bool { return atomic.LoadInt32(&frames.calls) == 2 }, time.Second, time.Millisecond)
	assert.True(t, loop.Running(3))
	assert.True(t, loop.Stop(3, ReasonStopped))
	<-second

	assert.Equal(t, int32(1), atomic.LoadInt32(&frames.maxSeen), "never two loops for the same installation")
}

func TestLoop_BeginOrderDecidesLatestRun(t *testing.T) {
	frames := &fakeFrames{fn: func(ctx context.Context, _ int64) ([]byte, error) {
		select {
		case <-time.After(20 * time.Millisecond):
			return []byte("jpeg"), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}
	classifier := &fakeClassifier{fn: func([]byte) (Classification, error) {
		return Classification{Positive: true, Confidence: 0.9}, nil
	}}
	loop := NewLoop(frames, classifier, nil, testOptions(), zap.NewNop())

	waitFirst := loop.Begin(context.Background(), 5)
	waitSecond := loop.Begin(context.Background(), 5)
	assert.True(t, loop.Running(5))

	// 后登记的运行先被调度
	second := make(chan Result, 1)
	go func() { second <- waitSecond() }()
	time.Sleep(10 * time.Millisecond)

	first := waitFirst()
	assert.Equal(t, ReasonStopped, first.Reason)
	assert.Equal(t, 0, first.Frames)

	select {
	case res := <-second:
		assert.Equal(t, ReasonDetected, res.Reason)
		assert.Equal(t, 1, res.Frames)
	case <-time.After(time.Second):
		t.Fatal("latest run did not finish")
	}
	assert.False(t, loop.Running(5))
	assert.Equal(t, int32(1), atomic.LoadInt32(&frames.maxSeen))
}

func TestLoop_BeginWithCancelledContextLeavesLiveRun(t *testing.T) {
	loop := NewLoop(&fakeFrames{fn: blockingFrames}, &fakeClassifier{fn: negative}, nil, testOptions(), zap.NewNop())

	live := loop.Begin(context.Background(), 9)
	done := make(chan Result, 1)
	go func() { done <- live() }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := loop.Begin(ctx, 9)()
	assert.Equal(t, ReasonStopped, res.Reason)
	assert.True(t, loop.Running(9))

	assert.True(t, loop.Stop(9, ReasonManuallyResolved))
	assert.Equal(t, ReasonManuallyResolved, (<-done).Reason)
}

func TestLoop_IndependentInstallations(t *testing.T) {
	loop := NewLoop(&fakeFrames{fn: blockingFrames}, &fakeClassifier{fn: negative}, nil, testOptions(), zap.NewNop())

	done := make(chan Result, 2)
	go func() { done <- loop.Start(context.Background(), 1) }()
	go func() { done <- loop.Start(context.Background(), 2) }()
	require.Eventually(t, func() bool { return loop.Running(1) && loop.Running(2) }, time.Second, time.Millisecond)

	assert.Equal(t, 2, loop.StopAll(ReasonStopped))
	<-done
	<-done
}

func TestLoop_PanicIsFatal(t *testing.T) {
	classifier := &fakeClassifier{fn: func([]byte) (Classification, error) {
		panic("decoder exploded")
	}}
	loop := NewLoop(&fakeFrames{}, classifier, nil, testOptions(), zap.NewNop())

	res := loop.Start(context.Background(), 1)

	assert.Equal(t, ReasonFatalError, res.Reason)
	assert.False(t, loop.Running(1))
}

func TestLoop_ParentContextCancel(t *testing.T) {
	loop := NewLoop(&fakeFrames{fn: blockingFrames}, &fakeClassifier{fn: negative}, nil, testOptions(), zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan Result, 1)
	go func() { done <- loop.Start(ctx, 1) }()
	require.Eventually(t, func() bool { return loop.Running(1) }, time.Second, time.Millisecond)
	cancel()

	select {
	case res := <-done:
		assert.Equal(t, ReasonStopped, res.Reason)
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestLoop_FrameStoreFailureIsNonFatal(t *testing.T) {
	store := &fakeFrameStore{err: errors.New("redis down")}
	classifier := &fakeClassifier{fn: func([]byte) (Classification, error) {
		return Classification{Positive: true, Confidence: 0.8}, nil
	}}
	loop := NewLoop(&fakeFrames{}, classifier, store, testOptions(), zap.NewNop())

	res := loop.Start(context.Background(), 1)

	assert.Equal(t, ReasonDetected, res.Reason)
	require.Eventually(t, func() bool { return store.count() == 1 }, time.Second, time.Millisecond)
}
