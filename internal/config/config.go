// Package config 提供服务配置管理
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config 服务配置
type Config struct {
	Server    ServerConfig
	MQTT      MQTTConfig
	OPCUA     OPCUAConfig
	Stream    StreamConfig
	Alert     AlertConfig
	Catalog   CatalogConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
	Aggregate AggregateConfig
	Auth      AuthConfig
	Log       LogConfig

	// 仅 cmd/dashboard 使用
	Subscriber SubscriberConfig
}

// ServerConfig HTTP 服务器配置
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// 查询接口每秒请求上限，0 表示不限
	RateLimit int
	// 查询接口并发上限，0 表示不限
	MaxConcurrent int
}

// ReconnectConfig 重连策略
type ReconnectConfig struct {
	// 首次重连等待
	InitialInterval time.Duration
	// 最大等待
	MaxInterval time.Duration
	// 指数因子
	Multiplier float64
	// 抖动比例 [0,1)
	Jitter float64
	// 最大重连次数，0 表示使用默认值
	MaxAttempts int
}

// MQTTConfig MQTT 配置
type MQTTConfig struct {
	Enabled        bool
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	Topics         []string
	QoS            int
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	TLSSkipVerify  bool
	Reconnect      ReconnectConfig
}

// OPCUAConfig OPC-UA 配置
type OPCUAConfig struct {
	Enabled        bool
	Endpoint       string
	SessionName    string
	Username       string
	Password       string
	SecurityPolicy string
	SecurityMode   string
	PollInterval   time.Duration
	RequestTimeout time.Duration
	ConnectTimeout time.Duration
	// 节点映射文件（YAML）
	NodeMapFile string
	Reconnect   ReconnectConfig
}

// StreamConfig 推送流配置
type StreamConfig struct {
	// simulate 或 live
	Mode              string
	DataInterval      time.Duration
	HeartbeatInterval time.Duration
	// 附带 OEE 更新的概率
	OEEProbability float64
	// 非正常设备产生告警的概率
	AlertProbability float64
	// 单个订阅者缓冲区大小
	SubscriberBuffer int
	MaxSubscribers   int
}

// AlertConfig 告警配置
type AlertConfig struct {
	// 环形缓冲容量
	Capacity int
}

// CatalogConfig 设备目录配置
type CatalogConfig struct {
	// builtin、file 或 redis
	Source string
	File   string
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	CatalogKey string
}

// KafkaConfig Kafka 配置
type KafkaConfig struct {
	Enabled      bool
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
	RequiredAcks int
}

// AggregateConfig 传感器窗口统计配置
type AggregateConfig struct {
	Window time.Duration
	// 每个传感器保留的已完成窗口数
	Retain int
}

// AuthConfig 鉴权配置
type AuthConfig struct {
	// HS256 密钥，未关闭鉴权时必填
	JWTSecret  string
	Issuer     string
	CookieName string
	// 显式关闭鉴权（仅开发环境），所有请求视为匿名身份
	Disabled bool
}

// SubscriberConfig 推送流订阅端配置
type SubscriberConfig struct {
	URL       string
	Token     string
	Reconnect ReconnectConfig
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string
	Encoding   string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Load 从环境变量加载配置
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Host:          getEnv("SERVER_HOST", "0.0.0.0"),
			Port:          getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:   getEnvDuration("SERVER_READ_TIMEOUT", 5*time.Second),
			WriteTimeout:  getEnvDuration("SERVER_WRITE_TIMEOUT", 0),
			IdleTimeout:   getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
			RateLimit:     getEnvInt("SERVER_RATE_LIMIT", 0),
			MaxConcurrent: getEnvInt("SERVER_MAX_CONCURRENT", 256),
		},
		MQTT: MQTTConfig{
			Enabled:        getEnvBool("MQTT_ENABLED", true),
			BrokerURL:      getEnv("MQTT_BROKER", "tcp://localhost:1883"),
			ClientID:       getEnv("MQTT_CLIENT_ID", "equipment-stream"),
			Username:       getEnv("MQTT_USER", ""),
			Password:       getEnv("MQTT_PASS", ""),
			Topics:         getEnvSlice("MQTT_TOPICS", []string{"equipment/+/sensors"}),
			QoS:            getEnvInt("MQTT_QOS", 1),
			KeepAlive:      getEnvDuration("MQTT_KEEPALIVE", 60*time.Second),
			ConnectTimeout: getEnvDuration("MQTT_CONNECT_TIMEOUT", 30*time.Second),
			TLSSkipVerify:  getEnvBool("MQTT_TLS_SKIP_VERIFY", false),
			Reconnect:      loadReconnect("MQTT", 5*time.Second),
		},
		OPCUA: OPCUAConfig{
			Enabled:        getEnvBool("OPCUA_ENABLED", false),
			Endpoint:       getEnv("OPCUA_ENDPOINT", "opc.tcp://localhost:4840"),
			SessionName:    getEnv("OPCUA_SESSION_NAME", "equipment-stream"),
			Username:       getEnv("OPCUA_USER", ""),
			Password:       getEnv("OPCUA_PASS", ""),
			SecurityPolicy: getEnv("OPCUA_SECURITY_POLICY", "None"),
			SecurityMode:   getEnv("OPCUA_SECURITY_MODE", "None"),
			PollInterval:   getEnvDuration("OPCUA_POLL_INTERVAL", 1*time.Second),
			RequestTimeout: getEnvDuration("OPCUA_REQUEST_TIMEOUT", 10*time.Second),
			ConnectTimeout: getEnvDuration("OPCUA_CONNECT_TIMEOUT", 30*time.Second),
			NodeMapFile:    getEnv("OPCUA_NODE_MAP", "opcua-nodes.yaml"),
			Reconnect:      loadReconnect("OPCUA", 5*time.Second),
		},
		Stream: StreamConfig{
			Mode:              getEnv("STREAM_MODE", "simulate"),
			DataInterval:      getEnvDuration("STREAM_DATA_INTERVAL", 3*time.Second),
			HeartbeatInterval: getEnvDuration("STREAM_HEARTBEAT_INTERVAL", 15*time.Second),
			OEEProbability:    getEnvFloat("STREAM_OEE_PROBABILITY", 0.33),
			AlertProbability:  getEnvFloat("STREAM_ALERT_PROBABILITY", 0.10),
			SubscriberBuffer:  getEnvInt("STREAM_SUBSCRIBER_BUFFER", 64),
			MaxSubscribers:    getEnvInt("STREAM_MAX_SUBSCRIBERS", 1000),
		},
		Alert: AlertConfig{
			Capacity: getEnvInt("ALERT_CAPACITY", 100),
		},
		Catalog: CatalogConfig{
			Source: getEnv("CATALOG_SOURCE", "builtin"),
			File:   getEnv("CATALOG_FILE", "equipment.yaml"),
		},
		Redis: RedisConfig{
			Addr:       getEnv("REDIS_ADDR", "localhost:6379"),
			Password:   getEnv("REDIS_PASSWORD", ""),
			DB:         getEnvInt("REDIS_DB", 0),
			PoolSize:   getEnvInt("REDIS_POOL_SIZE", 10),
			CatalogKey: getEnv("REDIS_CATALOG_KEY", "equipment:catalog"),
		},
		Kafka: KafkaConfig{
			Enabled:      getEnvBool("KAFKA_ENABLED", false),
			Brokers:      getEnvSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
			Topic:        getEnv("KAFKA_TOPIC", "equipment-readings"),
			BatchSize:    getEnvInt("KAFKA_BATCH_SIZE", 100),
			BatchTimeout: getEnvDuration("KAFKA_BATCH_TIMEOUT", 100*time.Millisecond),
			RequiredAcks: getEnvInt("KAFKA_REQUIRED_ACKS", 1),
		},
		Aggregate: AggregateConfig{
			Window: getEnvDuration("AGGREGATE_WINDOW", time.Minute),
			Retain: getEnvInt("AGGREGATE_RETAIN", 10),
		},
		Auth: AuthConfig{
			JWTSecret:  getEnv("AUTH_JWT_SECRET", ""),
			Issuer:     getEnv("AUTH_ISSUER", ""),
			CookieName: getEnv("AUTH_COOKIE_NAME", "auth_token"),
			Disabled:   getEnvBool("AUTH_DISABLED", false),
		},
		Log: LogConfig{
			Level:      getEnv("LOG_LEVEL", "info"),
			Encoding:   getEnv("LOG_ENCODING", "json"),
			File:       getEnv("LOG_FILE", ""),
			MaxSizeMB:  getEnvInt("LOG_MAX_SIZE_MB", 100),
			MaxBackups: getEnvInt("LOG_MAX_BACKUPS", 5),
			MaxAgeDays: getEnvInt("LOG_MAX_AGE_DAYS", 7),
		},
		Subscriber: SubscriberConfig{
			URL:       getEnv("SUBSCRIBER_URL", "http://localhost:8080/api/v1/stream"),
			Token:     getEnv("SUBSCRIBER_TOKEN", ""),
			Reconnect: loadReconnect("SUBSCRIBER", time.Second),
		},
	}
}

// loadReconnect 读取 <PREFIX>_RECONNECT_* 重连配置
func loadReconnect(prefix string, initial time.Duration) ReconnectConfig {
	return ReconnectConfig{
		InitialInterval: getEnvDuration(prefix+"_RECONNECT_INITIAL", initial),
		MaxInterval:     getEnvDuration(prefix+"_RECONNECT_MAX", 60*time.Second),
		Multiplier:      getEnvFloat(prefix+"_RECONNECT_MULTIPLIER", 2.0),
		Jitter:          getEnvFloat(prefix+"_RECONNECT_JITTER", 0.2),
		MaxAttempts:     getEnvInt(prefix+"_RECONNECT_MAX_ATTEMPTS", 10),
	}
}

// 辅助函数

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var result []string
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				result = append(result, part)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
