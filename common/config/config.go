package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxConns        int           `yaml:"max_conns"`
	MaxIdle         int           `yaml:"max_idle"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string `yaml:"addr"` // 为空表示不使用 Redis
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
	// 连接与读写超时，0 使用 go-redis 默认值
	DialTimeout time.Duration `yaml:"dial_timeout"`
	IOTimeout   time.Duration `yaml:"io_timeout"`
}

// MQTTConfig MQTT配置
type MQTTConfig struct {
	Broker         string        `yaml:"broker"`
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	QoS            byte          `yaml:"qos"`
	KeepAlive      time.Duration `yaml:"keep_alive"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// TLS 仅在 broker 使用 ssl:// / mqtts:// 时生效
	TLSInsecureSkipVerify bool `yaml:"tls_insecure_skip_verify"`
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// LoadFromEnv 从环境变量加载配置
func (c *DatabaseConfig) LoadFromEnv(prefix string) {
	if host := os.Getenv(prefix + "_HOST"); host != "" {
		c.Host = host
	}
	if port, ok := envInt(prefix + "_PORT"); ok {
		c.Port = port
	}
	if user := os.Getenv(prefix + "_USER"); user != "" {
		c.User = user
	}
	if password := os.Getenv(prefix + "_PASSWORD"); password != "" {
		c.Password = password
	}
	if database := os.Getenv(prefix + "_NAME"); database != "" {
		c.Database = database
	}
	if sslMode := os.Getenv(prefix + "_SSLMODE"); sslMode != "" {
		c.SSLMode = sslMode
	}
	if maxConns, ok := envInt(prefix + "_MAX_CONNS"); ok {
		c.MaxConns = maxConns
	}
	if maxIdle, ok := envInt(prefix + "_MAX_IDLE"); ok {
		c.MaxIdle = maxIdle
	}
}

// LoadFromEnv 从环境变量加载Redis配置
func (c *RedisConfig) LoadFromEnv(prefix string) {
	if addr := os.Getenv(prefix + "_ADDR"); addr != "" {
		c.Addr = addr
	}
	if password := os.Getenv(prefix + "_PASSWORD"); password != "" {
		c.Password = password
	}
	if db, ok := envInt(prefix + "_DB"); ok {
		c.DB = db
	}
	if size, ok := envInt(prefix + "_POOL_SIZE"); ok {
		c.PoolSize = size
	}
}

// LoadFromEnv 从环境变量加载MQTT配置
func (c *MQTTConfig) LoadFromEnv(prefix string) {
	if broker := os.Getenv(prefix + "_BROKER"); broker != "" {
		c.Broker = broker
	}
	if clientID := os.Getenv(prefix + "_CLIENT_ID"); clientID != "" {
		c.ClientID = clientID
	}
	if username := os.Getenv(prefix + "_USERNAME"); username != "" {
		c.Username = username
	}
	if password := os.Getenv(prefix + "_PASSWORD"); password != "" {
		c.Password = password
	}
	if qos, ok := envInt(prefix + "_QOS"); ok && qos >= 0 && qos <= 2 {
		c.QoS = byte(qos)
	}
	if v := os.Getenv(prefix + "_TLS_INSECURE"); v != "" {
		c.TLSInsecureSkipVerify = v == "true"
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return i, true
}
