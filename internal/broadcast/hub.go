package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"artlift-orchestrator/internal/models"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

const (
	clientBuffer = 64
	writeTimeout = 5 * time.Second
)

// SnapshotFunc 新连接建立时推送的当前状态
type SnapshotFunc func() []models.Status

// message 已编码的状态，at 为状态时间戳（Unix 毫秒）
type message struct {
	installationID int64
	at             int64
	data           []byte
}

type wsClient struct {
	conn *websocket.Conn
	send chan message
}

// Hub WebSocket 观察者集合
type Hub struct {
	logger   *zap.Logger
	snapshot SnapshotFunc
	opts     *websocket.AcceptOptions

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

// NewHub 创建 WebSocket Hub，originPatterns 为空时只允许同源
func NewHub(snapshot SnapshotFunc, originPatterns []string, logger *zap.Logger) *Hub {
	return &Hub{
		logger:   logger,
		snapshot: snapshot,
		opts:     &websocket.AcceptOptions{OriginPatterns: originPatterns},
		clients:  make(map[*wsClient]struct{}),
	}
}

func (h *Hub) Name() string {
	return "websocket"
}

// Clients 当前连接数
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Send 推送给所有连接；发送队列满的连接被断开
func (h *Hub) Send(_ context.Context, status models.Status) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}

	msg := message{installationID: status.InstallationID, at: status.Timestamp, data: data}

	h.mu.RLock()
	var slow []*wsClient
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("Dropping slow websocket client")
		h.remove(c)
		c.conn.Close(websocket.StatusPolicyViolation, "client too slow")
	}
	return nil
}

// ServeHTTP 升级为 WebSocket 并推送状态直到连接关闭
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, h.opts)
	if err != nil {
		h.logger.Warn("Failed to accept websocket", zap.Error(err))
		return
	}

	// 先登记再取快照，期间的实时更新进入队列
	c := &wsClient{conn: conn, send: make(chan message, clientBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("Websocket client connected", zap.String("remote_addr", r.RemoteAddr))

	defer func() {
		h.remove(c)
		conn.CloseNow()
	}()

	// 只推送，客户端消息丢弃
	ctx := conn.CloseRead(r.Context())
	write := func(data []byte) bool {
		writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
		defer cancel()
		return conn.Write(writeCtx, websocket.MessageText, data) == nil
	}

	// 快照之前的排队更新已被快照覆盖
	snapshotAt := make(map[int64]int64)
	if h.snapshot != nil {
		for _, s := range h.snapshot() {
			data, err := json.Marshal(s)
			if err != nil {
				continue
			}
			if !write(data) {
				return
			}
			snapshotAt[s.InstallationID] = s.Timestamp
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if at, seen := snapshotAt[msg.installationID]; seen && msg.at < at {
				continue
			}
			if !write(msg.data) {
				return
			}
		}
	}
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// Close 断开所有连接
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*wsClient]struct{})
	h.mu.Unlock()

	for c := range clients {
		c.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}
