package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	commoncfg "hokhau/common/config"
)

// CodeAllocator 户口编号计数器的后端
const (
	AllocatorPostgres = "postgres"
	AllocatorRedis    = "redis"
	AllocatorMemory   = "memory"
)

// Config hokhau-data（HTTP API）配置
type Config struct {
	HTTP struct {
		Addr string
	}
	DBEnabled      bool
	Database       commoncfg.DatabaseConfig
	TxTimeout      time.Duration
	MigrateOnStart bool
	Redis          commoncfg.RedisConfig
	Log            struct {
		Level  string
		Format string
	}

	CodeAllocator      string
	HouseholdCodeStart int64
	IdempotencyTTL     time.Duration

	Events  EventsConfig
	Tracing commoncfg.TracingConfig
}

// EventsConfig 领域事件投递目标；留空的目标不启用
type EventsConfig struct {
	RedisStream string

	MQTTEnabled bool
	MQTT        commoncfg.MQTTConfig
	MQTTTopic   string

	KafkaEnabled bool
	Kafka        commoncfg.KafkaConfig
	KafkaTopic   string

	WebhookURL string
}

func Load() *Config {
	cfg := &Config{}
	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8080")

	// DB 不可用时 hokhau-data 回落到内存存储
	cfg.DBEnabled = getEnv("DB_ENABLED", "true") == "true"
	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = parseInt(getEnv("DB_PORT", "5432"), 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "hokhau")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = parseInt(getEnv("DB_MAX_CONNS", "20"), 20)
	cfg.Database.ConnectRetries = parseInt(getEnv("DB_CONNECT_RETRIES", "3"), 3)
	cfg.TxTimeout = parseDuration(getEnv("TX_TIMEOUT", "5s"), 5*time.Second)
	cfg.MigrateOnStart = getEnv("MIGRATE_ON_START", "true") == "true"

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = parseInt(getEnv("REDIS_DB", "0"), 0)

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	cfg.CodeAllocator = strings.ToLower(getEnv("CODE_ALLOCATOR", AllocatorPostgres))
	cfg.HouseholdCodeStart = int64(parseInt(getEnv("HOUSEHOLD_CODE_START", "1"), 1))
	cfg.IdempotencyTTL = parseDuration(getEnv("IDEMPOTENCY_TTL", "24h"), 24*time.Hour)

	cfg.Events.RedisStream = getEnv("EVENTS_REDIS_STREAM", "hokhau:events")

	cfg.Events.MQTTEnabled = getEnv("MQTT_ENABLED", "false") == "true"
	cfg.Events.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.Events.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "hokhau-data")
	cfg.Events.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.Events.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.Events.MQTT.QoS = 1
	cfg.Events.MQTTTopic = getEnv("MQTT_TOPIC", "hokhau/events")

	cfg.Events.KafkaEnabled = getEnv("KAFKA_ENABLED", "false") == "true"
	cfg.Events.Kafka.ClientID = "hokhau-data"
	cfg.Events.Kafka.LoadFromEnv("KAFKA")
	cfg.Events.KafkaTopic = getEnv("KAFKA_TOPIC", "hokhau.events")

	cfg.Events.WebhookURL = getEnv("WEBHOOK_URL", "")

	cfg.Tracing = commoncfg.TracingConfig{ServiceName: "hokhau-data", SamplingRatio: 1}
	cfg.Tracing.LoadFromEnv("OTEL")

	return cfg
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseInt(s string, def int) int {
	i, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return i
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
