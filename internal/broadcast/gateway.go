package broadcast

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"artlift-orchestrator/internal/models"

	"go.uber.org/zap"
)

const sinkTimeout = 3 * time.Second

// Sink 状态推送目标
type Sink interface {
	Name() string
	Send(ctx context.Context, status models.Status) error
}

// Gateway 广播网关：Publish 只入队不阻塞，后台协程按顺序推送到所有 Sink
type Gateway struct {
	sinks  []Sink
	queue  chan models.Status
	logger *zap.Logger

	dropped atomic.Uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewGateway 创建广播网关
func NewGateway(buffer int, logger *zap.Logger, sinks ...Sink) *Gateway {
	if buffer <= 0 {
		buffer = 256
	}
	return &Gateway{
		sinks:  sinks,
		queue:  make(chan models.Status, buffer),
		logger: logger,
	}
}

// Publish 入队，队列满时丢弃并记录
func (g *Gateway) Publish(status models.Status) {
	select {
	case g.queue <- status:
	default:
		n := g.dropped.Add(1)
		g.logger.Warn("Broadcast queue full, dropping status",
			zap.Int64("installation_id", status.InstallationID),
			zap.Uint64("dropped_total", n),
		)
	}
}

// Dropped 累计丢弃数
func (g *Gateway) Dropped() uint64 {
	return g.dropped.Load()
}

// Start 启动推送协程
func (g *Gateway) Start(ctx context.Context) {
	ctx, g.cancel = context.WithCancel(ctx)
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		for {
			select {
			case <-ctx.Done():
				g.drain()
				return
			case status := <-g.queue:
				g.deliver(status)
			}
		}
	}()
}

// Stop 停止并推送队列中剩余的状态
func (g *Gateway) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
	g.wg.Wait()
}

func (g *Gateway) drain() {
	for {
		select {
		case status := <-g.queue:
			g.deliver(status)
		default:
			return
		}
	}
}

func (g *Gateway) deliver(status models.Status) {
	for _, sink := range g.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		err := sink.Send(ctx, status)
		cancel()
		if err != nil {
			g.logger.Warn("Failed to broadcast status",
				zap.String("sink", sink.Name()),
				zap.Int64("installation_id", status.InstallationID),
				zap.Error(err),
			)
		}
	}
}
