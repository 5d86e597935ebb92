package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"artlift-orchestrator/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingSink struct {
	name string
	err  error

	mu       sync.Mutex
	received []models.Status
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Send(_ context.Context, status models.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, status)
	return s.err
}

func (s *recordingSink) ids() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, 0, len(s.received))
	for _, st := range s.received {
		out = append(out, st.InstallationID)
	}
	return out
}

func TestGateway_DeliversInOrderToAllSinks(t *testing.T) {
	failing := &recordingSink{name: "failing", err: errors.New("down")}
	ok := &recordingSink{name: "ok"}
	g := NewGateway(16, zap.NewNop(), failing, ok)
	g.Start(context.Background())
	defer g.Stop()

	for id := int64(1); id <= 3; id++ {
		g.Publish(models.Status{InstallationID: id})
	}

	require.Eventually(t, func() bool { return len(ok.ids()) == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, []int64{1, 2, 3}, ok.ids())
	assert.Equal(t, []int64{1, 2, 3}, failing.ids())
}

func TestGateway_PublishNeverBlocks(t *testing.T) {
	sink := &recordingSink{name: "ok"}
	g := NewGateway(1, zap.NewNop(), sink)

	// 未启动时队列只能容纳一条
	done := make(chan struct{})
	go func() {
		g.Publish(models.Status{InstallationID: 1})
		g.Publish(models.Status{InstallationID: 2})
		g.Publish(models.Status{InstallationID: 3})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked")
	}
	assert.Equal(t, uint64(2), g.Dropped())
}

func TestGateway_StopDrainsQueue(t *testing.T) {
	sink := &recordingSink{name: "ok"}
	g := NewGateway(8, zap.NewNop(), sink)

	g.Publish(models.Status{InstallationID: 1})
	g.Publish(models.Status{InstallationID: 2})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	g.Start(ctx)
	g.Stop()

	assert.ElementsMatch(t, []int64{1, 2}, sink.ids())
}
