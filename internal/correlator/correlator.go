package correlator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// 请求类型
const (
	KindInstall = "install"
	KindHeight  = "height"
	KindFrame   = "frame"
	KindDelete  = "delete"
)

// replyKinds 请求类型 -> 应答主题类型
var replyKinds = map[string]string{
	KindInstall: "install",
	KindHeight:  "height_done",
	KindFrame:   "frame_response",
	KindDelete:  "delete_done",
}

// requestKinds 应答主题类型 -> 请求类型
var requestKinds = func() map[string]string {
	m := make(map[string]string, len(replyKinds))
	for req, reply := range replyKinds {
		m[reply] = req
	}
	return m
}()

const defaultTimeout = 10 * time.Second

// Publisher 命令发送能力（MQTT 客户端或测试替身）
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// Envelope 下发命令的外层结构
type Envelope struct {
	RequestID      string      `json:"request_id"`
	InstallationID int64       `json:"installation_id"`
	Kind           string      `json:"kind"`
	Data           interface{} `json:"data,omitempty"`
}

// Request 一次关联请求
type Request struct {
	InstallationID int64
	Kind           string
	Payload        interface{}
	Timeout        time.Duration
	// Accept 为 nil 时任何应答都完成请求；返回 false 的应答被忽略，请求继续等待
	Accept func(payload []byte) bool
}

// Response 匹配到的应答
type Response struct {
	RequestID string
	Kind      string
	Payload   []byte
	Latency   time.Duration
}

type key struct {
	id   int64
	kind string
}

type result struct {
	resp *Response
	err  error
}

type entry struct {
	requestID string
	accept    func([]byte) bool
	sentAt    time.Time
	ch        chan result // 容量 1，只写一次
}

// Correlator 基于发布/订阅的请求-应答关联表
// 每个 (installationID, kind) 同时最多一个待完成请求
type Correlator struct {
	publisher Publisher
	prefix    string
	qos       byte
	logger    *zap.Logger

	mu      sync.Mutex
	pending map[key]*entry
	closed  bool
}

// New 创建关联器
func New(publisher Publisher, topicPrefix string, qos byte, logger *zap.Logger) *Correlator {
	return &Correlator{
		publisher: publisher,
		prefix:    topicPrefix,
		qos:       qos,
		logger:    logger,
		pending:   make(map[key]*entry),
	}
}

// CommandTopic 命令主题：{prefix}/{id}/cmd/{kind}
func CommandTopic(prefix string, id int64, kind string) string {
	return fmt.Sprintf("%s/%d/cmd/%s", prefix, id, kind)
}

// Send 发送命令并等待匹配的应答、超时或 ctx 取消
func (c *Correlator) Send(ctx context.Context, req Request) (*Response, error) {
	if _, ok := replyKinds[req.Kind]; !ok {
		return nil, fmt.Errorf("unknown request kind: %s", req.Kind)
	}

	requestID := uuid.NewString()
	data, err := json.Marshal(Envelope{
		RequestID:      requestID,
		InstallationID: req.InstallationID,
		Kind:           req.Kind,
		Data:           req.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s command: %w", req.Kind, err)
	}

	k := key{id: req.InstallationID, kind: req.Kind}
	e := &entry{
		requestID: requestID,
		accept:    req.Accept,
		sentAt:    time.Now(),
		ch:        make(chan result, 1),
	}
	reqErr := func(err error) *RequestError {
		return &RequestError{InstallationID: req.InstallationID, Kind: req.Kind, RequestID: requestID, Err: err}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, reqErr(ErrClosed)
	}
	if old, ok := c.pending[k]; ok {
		c.logger.Debug("Superseding pending request",
			zap.Int64("installation_id", req.InstallationID),
			zap.String("kind", req.Kind),
			zap.String("request_id", old.requestID),
		)
		old.ch <- result{err: &RequestError{InstallationID: req.InstallationID, Kind: req.Kind, RequestID: old.requestID, Err: ErrSuperseded}}
	}
	c.pending[k] = e
	c.mu.Unlock()

	topic := CommandTopic(c.prefix, req.InstallationID, req.Kind)
	if err := c.publisher.Publish(topic, c.qos, false, data); err != nil {
		if c.remove(k, e) {
			return nil, reqErr(&publishError{cause: err})
		}
		// 发布期间已被应答或替换
		r := <-e.ch
		return r.resp, r.err
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-e.ch:
		return r.resp, r.err
	case <-timer.C:
		if c.remove(k, e) {
			c.logger.Debug("Request timed out",
				zap.Int64("installation_id", req.InstallationID),
				zap.String("kind", req.Kind),
				zap.Duration("timeout", timeout),
			)
			return nil, reqErr(ErrTimeout)
		}
	case <-ctx.Done():
		if c.remove(k, e) {
			return nil, reqErr(ctx.Err())
		}
	}
	// 超时与完成同时发生，以已写入的结果为准
	r := <-e.ch
	return r.resp, r.err
}

// remove 仅当 e 仍是该 key 的当前请求时删除，返回是否删除
func (c *Correlator) remove(k key, e *entry) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending[k] != e {
		return false
	}
	delete(c.pending, k)
	return true
}

// Resolve 用入站应答完成待处理请求，返回是否完成了某个请求
// replyKind 为主题最后一段（install, height_done, frame_response, delete_done）
func (c *Correlator) Resolve(installationID int64, replyKind string, payload []byte) bool {
	kind, ok := requestKinds[replyKind]
	if !ok {
		return false
	}
	k := key{id: installationID, kind: kind}

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.pending[k]
	if !ok {
		return false
	}
	if e.accept != nil && !e.accept(payload) {
		return false
	}
	delete(c.pending, k)

	body := make([]byte, len(payload))
	copy(body, payload)
	e.ch <- result{resp: &Response{
		RequestID: e.requestID,
		Kind:      kind,
		Payload:   body,
		Latency:   time.Since(e.sentAt),
	}}
	return true
}

// Pending 当前待完成请求数
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close 以 ErrClosed 结束所有待完成请求，之后的 Send 直接失败
func (c *Correlator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for k, e := range c.pending {
		e.ch <- result{err: &RequestError{InstallationID: k.id, Kind: k.kind, RequestID: e.requestID, Err: ErrClosed}}
		delete(c.pending, k)
	}
}
