package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"artlift-orchestrator/internal/correlator"
	"artlift-orchestrator/internal/detection"
	"artlift-orchestrator/internal/models"
	"artlift-orchestrator/internal/repository"
	"artlift-orchestrator/internal/stats"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeSender 按请求类型返回预设应答，依次交给 Accept 过滤
type fakeSender struct {
	mu       sync.Mutex
	requests []correlator.Request
	replies  map[string][]string
	errs     map[string]error
}

func newFakeSender() *fakeSender {
	return &fakeSender{replies: map[string][]string{}, errs: map[string]error{}}
}

func (s *fakeSender) reply(kind string, payloads ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies[kind] = payloads
}

func (s *fakeSender) fail(kind string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[kind] = err
}

func (s *fakeSender) Send(_ context.Context, req correlator.Request) (*correlator.Response, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	err := s.errs[req.Kind]
	replies := s.replies[req.Kind]
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}
	for _, p := range replies {
		if req.Accept == nil || req.Accept([]byte(p)) {
			return &correlator.Response{Kind: req.Kind, Payload: []byte(p)}, nil
		}
	}
	return nil, &correlator.RequestError{InstallationID: req.InstallationID, Kind: req.Kind, Err: correlator.ErrTimeout}
}

func (s *fakeSender) sent(kind string) []correlator.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []correlator.Request
	for _, r := range s.requests {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

type recordingBroadcaster struct {
	mu       sync.Mutex
	statuses []models.Status
}

func (b *recordingBroadcaster) Publish(status models.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statuses = append(b.statuses, status)
}

func (b *recordingBroadcaster) all(id int64) []models.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []models.Status
	for _, s := range b.statuses {
		if s.InstallationID == id {
			out = append(out, s)
		}
	}
	return out
}

// wheelchairStates 去掉相邻重复后的检测状态序列
func (b *recordingBroadcaster) wheelchairStates(id int64) []models.WheelchairState {
	var out []models.WheelchairState
	for _, s := range b.all(id) {
		if len(out) == 0 || out[len(out)-1] != s.WheelchairState {
			out = append(out, s.WheelchairState)
		}
	}
	return out
}

type fakeFrames struct {
	block bool
	delay time.Duration
}

func (f *fakeFrames) RequestFrame(ctx context.Context, _ int64) ([]byte, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return []byte("jpeg"), nil
}

type fakeClassifier struct {
	result detection.Classification
}

func (c *fakeClassifier) Classify(context.Context, []byte) (detection.Classification, error) {
	return c.result, nil
}

// recordingDetector 记录每次检测的结果
type recordingDetector struct {
	*detection.Loop

	mu      sync.Mutex
	results []detection.Result
}

func (d *recordingDetector) Begin(ctx context.Context, id int64) func() detection.Result {
	wait := d.Loop.Begin(ctx, id)
	return func() detection.Result {
		res := wait()
		d.mu.Lock()
		d.results = append(d.results, res)
		d.mu.Unlock()
		return res
	}
}

func (d *recordingDetector) finished() []detection.Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]detection.Result(nil), d.results...)
}

type testEnv struct {
	manager     *Manager
	repo        *repository.MemoryInstallationRepository
	stats       *stats.Aggregator
	sender      *fakeSender
	broadcaster *recordingBroadcaster
	detector    *recordingDetector
	frames      *fakeFrames
	classifier  *fakeClassifier
}

func detectionOptions() detection.Options {
	return detection.Options{
		OverallTimeout:      150 * time.Millisecond,
		ErrorBudget:         300 * time.Millisecond,
		FrameInterval:       30 * time.Millisecond,
		MinWait:             5 * time.Millisecond,
		ErrorBackoff:        10 * time.Millisecond,
		FrameTimeout:        50 * time.Millisecond,
		ConfidenceThreshold: 0.60,
	}
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	logger := zap.NewNop()

	env := &testEnv{
		repo:        repository.NewMemoryInstallationRepository(),
		stats:       stats.NewAggregator(repository.NewMemoryStatsRepository(), logger),
		sender:      newFakeSender(),
		broadcaster: &recordingBroadcaster{},
		frames:      &fakeFrames{},
		classifier:  &fakeClassifier{},
	}
	env.detector = &recordingDetector{
		Loop: detection.NewLoop(env.frames, env.classifier, nil, detectionOptions(), logger),
	}

	if opts.HeightOffset == 0 {
		opts.HeightOffset = DefaultHeightOffset
	}
	if opts.InstallTimeout == 0 {
		opts.InstallTimeout = time.Second
	}
	if opts.HeightAckTimeout == 0 {
		opts.HeightAckTimeout = time.Second
	}
	if opts.DeleteTimeout == 0 {
		opts.DeleteTimeout = time.Second
	}

	env.manager = NewManager(env.repo, env.stats, env.detector, env.sender, env.broadcaster, opts, logger)
	t.Cleanup(env.manager.Close)
	return env
}

// install 完成一次成功的安装握手
func (e *testEnv) install(t *testing.T, inst models.Installation) *models.Installation {
	t.Helper()
	e.sender.reply(correlator.KindInstall, `{"success":true,"device":"m5stack"}`)
	out, err := e.manager.Install(context.Background(), &inst)
	require.NoError(t, err)
	return out
}

func (e *testEnv) snapshot(t *testing.T, id int64) models.Installation {
	t.Helper()
	inst, err := e.manager.Snapshot(context.Background(), id)
	require.NoError(t, err)
	return *inst
}
