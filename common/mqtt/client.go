package mqtt

import (
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"artlift-orchestrator/common/config"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// ErrOperationTimeout broker 未在限定时间内确认操作
var ErrOperationTimeout = errors.New("mqtt operation timed out")

const defaultOperationTimeout = 10 * time.Second

// MessageHandler 消息处理函数类型
type MessageHandler func(topic string, payload []byte) error

type subscription struct {
	qos     byte
	handler MessageHandler
}

// Client MQTT客户端封装
type Client struct {
	client  mqtt.Client
	config  *config.MQTTConfig
	logger  *zap.Logger
	timeout time.Duration

	mu   sync.RWMutex
	subs map[string]subscription
}

// NewClient 创建MQTT客户端并连接 broker
func NewClient(cfg *config.MQTTConfig, logger *zap.Logger) (*Client, error) {
	c := &Client{
		config:  cfg,
		logger:  logger,
		timeout: defaultOperationTimeout,
		subs:    make(map[string]subscription),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	if cfg.KeepAlive > 0 {
		opts.SetKeepAlive(cfg.KeepAlive)
	}
	if cfg.ConnectTimeout > 0 {
		opts.SetConnectTimeout(cfg.ConnectTimeout)
	}
	if isTLSBroker(cfg.Broker) {
		opts.SetTLSConfig(&tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: cfg.TLSInsecureSkipVerify, //nolint:gosec // opt-in for self-signed brokers
		})
	}

	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	// 回调按到达顺序串行执行
	opts.SetOrderMatters(true)
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("MQTT connection lost", zap.String("broker", cfg.Broker), zap.Error(err))
	})

	c.client = mqtt.NewClient(opts)

	token := c.client.Connect()
	if !token.WaitTimeout(c.timeout) {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", ErrOperationTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	return c, nil
}

// onConnect clean session 下重连后订阅会丢失，需要重新订阅
func (c *Client) onConnect(_ mqtt.Client) {
	c.mu.RLock()
	subs := make(map[string]subscription, len(c.subs))
	for topic, s := range c.subs {
		subs[topic] = s
	}
	c.mu.RUnlock()

	c.logger.Info("MQTT connected", zap.String("broker", c.config.Broker), zap.Int("resubscribe_count", len(subs)))

	for topic, s := range subs {
		if err := c.subscribe(topic, s.qos, s.handler); err != nil {
			c.logger.Error("Failed to resubscribe", zap.String("topic", topic), zap.Error(err))
		}
	}
}

// Subscribe 订阅主题
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	if err := c.subscribe(topic, qos, handler); err != nil {
		return err
	}

	c.mu.Lock()
	c.subs[topic] = subscription{qos: qos, handler: handler}
	c.mu.Unlock()
	return nil
}

func (c *Client) subscribe(topic string, qos byte, handler MessageHandler) error {
	token := c.client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			// 记录错误，但不中断处理
			c.logger.Warn("Error handling MQTT message",
				zap.String("topic", msg.Topic()),
				zap.Error(err),
			)
		}
	})
	if !token.WaitTimeout(c.timeout) {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, ErrOperationTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
	}
	return nil
}

// Publish 发布消息
func (c *Client) Publish(topic string, qos byte, retained bool, payload []byte) error {
	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(c.timeout) {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, ErrOperationTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, err)
	}
	return nil
}

// Unsubscribe 取消订阅
func (c *Client) Unsubscribe(topics ...string) error {
	c.mu.Lock()
	for _, topic := range topics {
		delete(c.subs, topic)
	}
	c.mu.Unlock()

	token := c.client.Unsubscribe(topics...)
	if !token.WaitTimeout(c.timeout) {
		return fmt.Errorf("failed to unsubscribe: %w", ErrOperationTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to unsubscribe: %w", err)
	}
	return nil
}

// Disconnect 断开连接
func (c *Client) Disconnect() {
	c.client.Disconnect(250) // 250ms等待时间
}

// IsConnected 检查连接状态
func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}

func isTLSBroker(broker string) bool {
	for _, scheme := range []string{"ssl://", "tls://", "mqtts://", "tcps://"} {
		if strings.HasPrefix(broker, scheme) {
			return true
		}
	}
	return false
}
