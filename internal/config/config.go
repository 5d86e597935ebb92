package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"artlift-orchestrator/common/config"

	"gopkg.in/yaml.v3"
)

// Config 编排服务配置
// 加载顺序：默认值 -> YAML 文件（CONFIG_FILE，可选）-> 环境变量
type Config struct {
	Database config.DatabaseConfig `yaml:"database"`
	Redis    config.RedisConfig    `yaml:"redis"`
	MQTT     config.MQTTConfig     `yaml:"mqtt"`

	HTTP struct {
		Addr string `yaml:"addr"`
		// WebSocket 允许的跨域来源，空表示只允许同源
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"http"`

	// 编排服务特定配置
	Orchestrator struct {
		TopicPrefix string `yaml:"topic_prefix"` // 主题前缀，如 "device" -> device/{id}/sensor
		Storage     string `yaml:"storage"`      // "postgres" 或 "memory"

		InstallTimeout   time.Duration `yaml:"install_timeout"`
		HeightAckTimeout time.Duration `yaml:"height_ack_timeout"`
		DeleteTimeout    time.Duration `yaml:"delete_timeout"`

		// 高度公式中的固定偏移（cm）
		HeightOffset float64 `yaml:"height_offset"`
		// 安装握手需要确认的设备，空表示收到第一个明确结果即完成
		InstallRequiredDevices []string `yaml:"install_required_devices"`
	} `yaml:"orchestrator"`

	Detection struct {
		OverallTimeout      time.Duration `yaml:"overall_timeout"`
		ErrorBudget         time.Duration `yaml:"error_budget"`
		FrameInterval       time.Duration `yaml:"frame_interval"`
		MinWait             time.Duration `yaml:"min_wait"`
		ErrorBackoff        time.Duration `yaml:"error_backoff"`
		FrameTimeout        time.Duration `yaml:"frame_timeout"`
		ConfidenceThreshold float64       `yaml:"confidence_threshold"`
	} `yaml:"detection"`

	Classifier struct {
		URL        string        `yaml:"url"`
		APIKey     string        `yaml:"api_key"`
		Timeout    time.Duration `yaml:"timeout"`
		RetryCount int           `yaml:"retry_count"`
	} `yaml:"classifier"`

	Frames struct {
		Enabled   bool          `yaml:"enabled"`
		KeyPrefix string        `yaml:"key_prefix"`
		TTL       time.Duration `yaml:"ttl"`
	} `yaml:"frames"`

	Broadcast struct {
		Channel      string `yaml:"channel"`        // Redis Pub/Sub 频道
		Stream       string `yaml:"stream"`         // Redis Streams 历史，空表示不写
		StreamMaxLen int64  `yaml:"stream_max_len"` // 近似裁剪长度
		Buffer       int    `yaml:"buffer"`         // 网关队列长度
	} `yaml:"broadcast"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Load 加载配置（CONFIG_FILE 可指定 YAML 文件）
func Load() (*Config, error) {
	return LoadFile(os.Getenv("CONFIG_FILE"))
}

// LoadFile 从指定 YAML 文件加载配置，path 为空时只使用默认值和环境变量
func LoadFile(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	cfg := &Config{}

	cfg.Database.Host = "localhost"
	cfg.Database.Port = 5432
	cfg.Database.User = "postgres"
	cfg.Database.Password = "postgres"
	cfg.Database.Database = "artlift"
	cfg.Database.SSLMode = "disable"
	cfg.Database.MaxConns = 10
	cfg.Database.MaxIdle = 2

	cfg.Redis.Addr = "localhost:6379"

	cfg.MQTT.Broker = "tcp://localhost:1883"
	cfg.MQTT.ClientID = "artlift-orchestrator"
	cfg.MQTT.QoS = 1
	cfg.MQTT.KeepAlive = 30 * time.Second
	cfg.MQTT.ConnectTimeout = 10 * time.Second

	cfg.HTTP.Addr = ":8080"

	cfg.Orchestrator.TopicPrefix = "device"
	cfg.Orchestrator.Storage = "postgres"
	cfg.Orchestrator.InstallTimeout = 9 * time.Second
	cfg.Orchestrator.HeightAckTimeout = 10 * time.Second
	cfg.Orchestrator.DeleteTimeout = 9 * time.Second
	cfg.Orchestrator.HeightOffset = 122

	cfg.Detection.OverallTimeout = 12 * time.Second
	cfg.Detection.ErrorBudget = 25 * time.Second
	cfg.Detection.FrameInterval = 2 * time.Second
	cfg.Detection.MinWait = time.Second
	cfg.Detection.ErrorBackoff = time.Second
	cfg.Detection.FrameTimeout = 5 * time.Second
	cfg.Detection.ConfidenceThreshold = 0.60

	cfg.Classifier.URL = "https://detect.roboflow.com/wheelchair-merged/1"
	cfg.Classifier.Timeout = 5 * time.Second
	cfg.Classifier.RetryCount = 1

	cfg.Frames.Enabled = true
	cfg.Frames.KeyPrefix = "frame:"
	cfg.Frames.TTL = 24 * time.Hour

	cfg.Broadcast.Channel = "installation:status"
	cfg.Broadcast.Stream = "installation:status:stream"
	cfg.Broadcast.StreamMaxLen = 10000
	cfg.Broadcast.Buffer = 256

	cfg.Log.Level = "info"
	cfg.Log.Format = "json"

	return cfg
}

func applyEnv(cfg *Config) {
	cfg.Database.LoadFromEnv("DB")
	cfg.Redis.LoadFromEnv("REDIS")
	cfg.MQTT.LoadFromEnv("MQTT")

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", cfg.HTTP.Addr)
	if v := os.Getenv("HTTP_ALLOWED_ORIGINS"); v != "" {
		cfg.HTTP.AllowedOrigins = splitList(v)
	}

	cfg.Orchestrator.TopicPrefix = getEnv("MQTT_TOPIC_PREFIX", cfg.Orchestrator.TopicPrefix)
	cfg.Orchestrator.Storage = getEnv("STORAGE", cfg.Orchestrator.Storage)
	cfg.Orchestrator.InstallTimeout = getDuration("INSTALL_TIMEOUT", cfg.Orchestrator.InstallTimeout)
	cfg.Orchestrator.HeightAckTimeout = getDuration("HEIGHT_ACK_TIMEOUT", cfg.Orchestrator.HeightAckTimeout)
	cfg.Orchestrator.DeleteTimeout = getDuration("DELETE_TIMEOUT", cfg.Orchestrator.DeleteTimeout)
	cfg.Orchestrator.HeightOffset = getFloat("HEIGHT_OFFSET", cfg.Orchestrator.HeightOffset)
	if v := os.Getenv("INSTALL_REQUIRED_DEVICES"); v != "" {
		cfg.Orchestrator.InstallRequiredDevices = splitList(v)
	}

	cfg.Detection.OverallTimeout = getDuration("DETECTION_TIMEOUT", cfg.Detection.OverallTimeout)
	cfg.Detection.ErrorBudget = getDuration("DETECTION_ERROR_BUDGET", cfg.Detection.ErrorBudget)
	cfg.Detection.FrameInterval = getDuration("DETECTION_FRAME_INTERVAL", cfg.Detection.FrameInterval)
	cfg.Detection.MinWait = getDuration("DETECTION_MIN_WAIT", cfg.Detection.MinWait)
	cfg.Detection.ErrorBackoff = getDuration("DETECTION_ERROR_BACKOFF", cfg.Detection.ErrorBackoff)
	cfg.Detection.FrameTimeout = getDuration("DETECTION_FRAME_TIMEOUT", cfg.Detection.FrameTimeout)
	cfg.Detection.ConfidenceThreshold = getFloat("DETECTION_CONFIDENCE_THRESHOLD", cfg.Detection.ConfidenceThreshold)

	cfg.Classifier.URL = getEnv("CLASSIFIER_URL", cfg.Classifier.URL)
	cfg.Classifier.APIKey = getEnv("CLASSIFIER_API_KEY", cfg.Classifier.APIKey)
	cfg.Classifier.Timeout = getDuration("CLASSIFIER_TIMEOUT", cfg.Classifier.Timeout)
	cfg.Classifier.RetryCount = getInt("CLASSIFIER_RETRY_COUNT", cfg.Classifier.RetryCount)

	if v := os.Getenv("FRAMES_ENABLED"); v != "" {
		cfg.Frames.Enabled = v == "true"
	}
	cfg.Frames.TTL = getDuration("FRAMES_TTL", cfg.Frames.TTL)

	cfg.Broadcast.Channel = getEnv("BROADCAST_CHANNEL", cfg.Broadcast.Channel)
	cfg.Broadcast.Stream = getEnv("BROADCAST_STREAM", cfg.Broadcast.Stream)

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("LOG_FORMAT", cfg.Log.Format)
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Orchestrator.Storage != "postgres" && c.Orchestrator.Storage != "memory" {
		return fmt.Errorf("unsupported storage: %s", c.Orchestrator.Storage)
	}
	if c.Orchestrator.TopicPrefix == "" || strings.ContainsAny(c.Orchestrator.TopicPrefix, "+#") {
		return fmt.Errorf("invalid topic prefix: %q", c.Orchestrator.TopicPrefix)
	}
	if c.Detection.FrameInterval <= 0 || c.Detection.OverallTimeout <= 0 || c.Detection.ErrorBudget <= 0 {
		return fmt.Errorf("detection durations must be positive")
	}
	if c.Detection.ConfidenceThreshold <= 0 || c.Detection.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence threshold must be in (0, 1], got %v", c.Detection.ConfidenceThreshold)
	}
	if c.Broadcast.Buffer <= 0 {
		return fmt.Errorf("broadcast buffer must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

func getFloat(key string, defaultValue float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return v
	}
	return defaultValue
}

// getDuration 支持 "16s" 形式，也兼容纯数字（毫秒）
func getDuration(key string, defaultValue time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
