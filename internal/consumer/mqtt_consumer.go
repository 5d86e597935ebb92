package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	mqttcommon "artlift-orchestrator/common/mqtt"
	"artlift-orchestrator/internal/models"
	"artlift-orchestrator/internal/session"

	"go.uber.org/zap"
)

const handleTimeout = 10 * time.Second

// Subscriber MQTT 订阅能力
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqttcommon.MessageHandler) error
	Unsubscribe(topics ...string) error
}

// Resolver 关联应答
type Resolver interface {
	Resolve(installationID int64, replyKind string, payload []byte) bool
}

// Handler 会话事件处理
type Handler interface {
	HandleSensor(ctx context.Context, id int64, ev models.SensorEvent) error
	HandleHeightDone(ctx context.Context, id int64, ack models.HeightDonePayload) error
	HandleActive(ctx context.Context, id int64, active bool) error
}

// MQTTConsumer 设备消息消费者
// 主题格式: {prefix}/{installation_id}/{kind}
type MQTTConsumer struct {
	subscriber Subscriber
	resolver   Resolver
	handler    Handler
	prefix     string
	qos        byte
	logger     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewMQTTConsumer 创建MQTT消费者
func NewMQTTConsumer(
	subscriber Subscriber,
	resolver Resolver,
	handler Handler,
	topicPrefix string,
	qos byte,
	logger *zap.Logger,
) *MQTTConsumer {
	ctx, cancel := context.WithCancel(context.Background())
	return &MQTTConsumer{
		subscriber: subscriber,
		resolver:   resolver,
		handler:    handler,
		prefix:     topicPrefix,
		qos:        qos,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Topic 订阅的通配主题
func (c *MQTTConsumer) Topic() string {
	return c.prefix + "/+/+"
}

// Start 订阅设备主题
func (c *MQTTConsumer) Start() error {
	if err := c.subscriber.Subscribe(c.Topic(), c.qos, c.HandleMessage); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", c.Topic(), err)
	}
	c.logger.Info("MQTT consumer started", zap.String("topic", c.Topic()))
	return nil
}

// Stop 取消订阅
func (c *MQTTConsumer) Stop() {
	c.cancel()
	if err := c.subscriber.Unsubscribe(c.Topic()); err != nil {
		c.logger.Error("Failed to unsubscribe", zap.Error(err))
	}
	c.logger.Info("MQTT consumer stopped")
}

// ParseTopic 解析 {prefix}/{id}/{kind}
func ParseTopic(prefix, topic string) (int64, string, error) {
	rest, ok := strings.CutPrefix(topic, prefix+"/")
	if !ok {
		return 0, "", fmt.Errorf("topic %q outside prefix %q", topic, prefix)
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[1] == "" {
		return 0, "", fmt.Errorf("invalid topic format: %s", topic)
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("invalid installation id in topic %s: %w", topic, err)
	}
	return id, parts[1], nil
}

// HandleMessage 处理一条设备消息：先交给关联器，再分发会话事件
func (c *MQTTConsumer) HandleMessage(topic string, payload []byte) error {
	id, kind, err := ParseTopic(c.prefix, topic)
	if err != nil {
		c.logger.Warn("Ignoring message", zap.String("topic", topic), zap.Error(err))
		return err
	}

	c.logger.Debug("Received MQTT message",
		zap.Int64("installation_id", id),
		zap.String("kind", kind),
		zap.Int("payload_size", len(payload)),
	)

	ctx, cancel := context.WithTimeout(c.ctx, handleTimeout)
	defer cancel()

	switch kind {
	case models.KindInstall, models.KindFrameResponse, models.KindDeleteDone:
		if !c.resolver.Resolve(id, kind, payload) {
			c.logger.Debug("Unmatched reply",
				zap.Int64("installation_id", id),
				zap.String("kind", kind),
			)
		}
		return nil

	case models.KindHeightDone:
		c.resolver.Resolve(id, kind, payload)
		var ack models.HeightDonePayload
		if err := json.Unmarshal(payload, &ack); err != nil {
			return c.malformed(id, kind, err)
		}
		return c.dispatch(id, kind, c.handler.HandleHeightDone(ctx, id, ack))

	case models.KindSensor:
		var ev models.SensorEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return c.malformed(id, kind, err)
		}
		return c.dispatch(id, kind, c.handler.HandleSensor(ctx, id, ev))

	case models.KindActive:
		var p models.ActivePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return c.malformed(id, kind, err)
		}
		return c.dispatch(id, kind, c.handler.HandleActive(ctx, id, p.Status))

	case models.KindError:
		c.logger.Warn("Device reported error",
			zap.Int64("installation_id", id),
			zap.ByteString("payload", payload),
		)
		return nil

	default:
		c.logger.Debug("Ignoring unknown message kind",
			zap.Int64("installation_id", id),
			zap.String("kind", kind),
		)
		return nil
	}
}

func (c *MQTTConsumer) malformed(id int64, kind string, err error) error {
	c.logger.Warn("Failed to unmarshal MQTT message",
		zap.Int64("installation_id", id),
		zap.String("kind", kind),
		zap.Error(err),
	)
	return fmt.Errorf("failed to unmarshal %s message: %w", kind, err)
}

func (c *MQTTConsumer) dispatch(id int64, kind string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, session.ErrNotFound) {
		c.logger.Debug("Event for unknown installation",
			zap.Int64("installation_id", id),
			zap.String("kind", kind),
		)
		return err
	}
	c.logger.Error("Failed to handle event",
		zap.Int64("installation_id", id),
		zap.String("kind", kind),
		zap.Error(err),
	)
	return err
}
