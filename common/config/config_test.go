package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDatabaseConfig(t *testing.T) {
	t.Setenv("DB_HOST", "pg")
	t.Setenv("DB_PORT", "6543")
	t.Setenv("DB_NAME", "artlift")
	t.Setenv("DB_MAX_CONNS", "not-a-number")

	cfg := DatabaseConfig{Port: 5432, User: "postgres", Password: "secret", SSLMode: "disable", MaxConns: 10}
	cfg.LoadFromEnv("DB")

	assert.Equal(t, "pg", cfg.Host)
	assert.Equal(t, 6543, cfg.Port)
	assert.Equal(t, 10, cfg.MaxConns)
	assert.Equal(t, "host=pg port=6543 user=postgres password=secret dbname=artlift sslmode=disable", cfg.GetDSN())
}

func TestMQTTConfig(t *testing.T) {
	t.Setenv("MQTT_BROKER", "ssl://broker:8883")
	t.Setenv("MQTT_QOS", "5")
	t.Setenv("MQTT_TLS_INSECURE", "true")

	cfg := MQTTConfig{QoS: 1}
	cfg.LoadFromEnv("MQTT")

	assert.Equal(t, "ssl://broker:8883", cfg.Broker)
	assert.Equal(t, byte(1), cfg.QoS)
	assert.True(t, cfg.TLSInsecureSkipVerify)
}

func TestRedisConfig(t *testing.T) {
	t.Setenv("REDIS_ADDR", "cache:6379")
	t.Setenv("REDIS_DB", "2")
	t.Setenv("REDIS_POOL_SIZE", "20")

	var cfg RedisConfig
	cfg.LoadFromEnv("REDIS")

	assert.Equal(t, "cache:6379", cfg.Addr)
	assert.Equal(t, 2, cfg.DB)
	assert.Equal(t, 20, cfg.PoolSize)
}
