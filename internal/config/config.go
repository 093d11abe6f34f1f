package config

import (
	"os"
	"time"

	"dianping/internal/cache"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	LockModeRedis = "redis"
	LockModeLocal = "local"
)

// AppConfig 聚合运行时配置，全部通过环境变量注入，可选 .env 文件兜底。
type AppConfig struct {
	HTTPAddr string `envconfig:"HTTP_ADDR" default:":8080"`
	DBPath   string `envconfig:"DB_PATH" default:"dianping.db"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	Redis   RedisConfig
	Kafka   KafkaConfig
	Stream  StreamConfig
	Cache   CacheConfig
	Seckill SeckillConfig

	// 预热与发券接口的简单管理员令牌（demo 级别保护）
	AdminToken string `envconfig:"ADMIN_TOKEN" default:"dev-admin-token"`
}

type RedisConfig struct {
	Addr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
	Password string `envconfig:"REDIS_PASSWORD"`
}

// KafkaConfig 关闭时不发布下单事件，回执直接由数据库回源。
type KafkaConfig struct {
	Enabled bool     `envconfig:"KAFKA_ENABLED" default:"false"`
	Brokers []string `envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
	Topic   string   `envconfig:"KAFKA_TOPIC" default:"dianping-voucher-orders"`
	GroupID string   `envconfig:"KAFKA_GROUP_ID" default:"dianping-receipt-consumer"`
}

// StreamConfig Redis Stream outbox（下单后入流，Relay 异步转 Kafka）
type StreamConfig struct {
	Name     string `envconfig:"ORDER_EVENT_STREAM" default:"stream.orders"`
	Group    string `envconfig:"ORDER_EVENT_GROUP" default:"dianping-relay-group"`
	Consumer string `envconfig:"ORDER_EVENT_CONSUMER" default:"dianping-relay-1"`
	MaxLen   int64  `envconfig:"ORDER_EVENT_MAXLEN" default:"100000"`
}

type CacheConfig struct {
	Strategy       string        `envconfig:"CACHE_STRATEGY" default:"logical"`
	ShopTTL        time.Duration `envconfig:"CACHE_SHOP_TTL" default:"30m"`
	NullTTL        time.Duration `envconfig:"CACHE_NULL_TTL" default:"2m"`
	LockTTL        time.Duration `envconfig:"CACHE_LOCK_TTL" default:"10s"`
	RetryInterval  time.Duration `envconfig:"CACHE_RETRY_INTERVAL" default:"50ms"`
	MaxRetries     int           `envconfig:"CACHE_MAX_RETRIES" default:"20"`
	LogicalTTL     time.Duration `envconfig:"CACHE_LOGICAL_TTL" default:"20s"`
	RebuildWorkers int64         `envconfig:"CACHE_REBUILD_WORKERS" default:"10"`
	RebuildTimeout time.Duration `envconfig:"CACHE_REBUILD_TIMEOUT" default:"5s"`
}

type SeckillConfig struct {
	LockMode   string        `envconfig:"SECKILL_LOCK_MODE" default:"redis"`
	LockTTL    time.Duration `envconfig:"SECKILL_LOCK_TTL" default:"10s"`
	ReceiptTTL time.Duration `envconfig:"SECKILL_RECEIPT_TTL" default:"24h"`

	// 下单接口限流
	RateLimit  int           `envconfig:"SECKILL_RATE_LIMIT" default:"1000"`
	RateWindow time.Duration `envconfig:"SECKILL_RATE_WINDOW" default:"1s"`
}

// Load 读取并校验配置，缺失时使用默认值。
// 工作目录下存在 .env 时先加载，已存在的环境变量不会被覆盖。
func Load() (AppConfig, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return AppConfig{}, errors.Wrap(err, "load .env")
	}

	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return AppConfig{}, errors.Wrap(err, "process env config")
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c AppConfig) Validate() error {
	if c.HTTPAddr == "" {
		return errors.New("HTTP_ADDR must not be empty")
	}
	if c.DBPath == "" {
		return errors.New("DB_PATH must not be empty")
	}
	if c.Redis.Addr == "" {
		return errors.New("REDIS_ADDR must not be empty")
	}

	if _, err := cache.ParseStrategy(c.Cache.Strategy); err != nil {
		return errors.Wrap(err, "invalid CACHE_STRATEGY")
	}
	for name, d := range map[string]time.Duration{
		"CACHE_SHOP_TTL":        c.Cache.ShopTTL,
		"CACHE_NULL_TTL":        c.Cache.NullTTL,
		"CACHE_LOCK_TTL":        c.Cache.LockTTL,
		"CACHE_RETRY_INTERVAL":  c.Cache.RetryInterval,
		"CACHE_LOGICAL_TTL":     c.Cache.LogicalTTL,
		"CACHE_REBUILD_TIMEOUT": c.Cache.RebuildTimeout,
		"SECKILL_LOCK_TTL":      c.Seckill.LockTTL,
		"SECKILL_RECEIPT_TTL":   c.Seckill.ReceiptTTL,
		"SECKILL_RATE_WINDOW":   c.Seckill.RateWindow,
	} {
		if d <= 0 {
			return errors.Newf("%s must be > 0", name)
		}
	}
	if c.Cache.MaxRetries < 0 {
		return errors.New("CACHE_MAX_RETRIES must be >= 0")
	}
	if c.Cache.RebuildWorkers <= 0 {
		return errors.New("CACHE_REBUILD_WORKERS must be > 0")
	}

	switch c.Seckill.LockMode {
	case LockModeRedis, LockModeLocal:
	default:
		return errors.Newf("SECKILL_LOCK_MODE must be %q or %q, got %q", LockModeRedis, LockModeLocal, c.Seckill.LockMode)
	}
	if c.Seckill.RateLimit <= 0 {
		return errors.New("SECKILL_RATE_LIMIT must be > 0")
	}

	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return errors.New("KAFKA_BROKERS must not be empty")
		}
		if c.Kafka.Topic == "" {
			return errors.New("KAFKA_TOPIC must not be empty")
		}
		if c.Kafka.GroupID == "" {
			return errors.New("KAFKA_GROUP_ID must not be empty")
		}
		if c.Stream.Name == "" || c.Stream.Group == "" || c.Stream.Consumer == "" {
			return errors.New("ORDER_EVENT_STREAM/GROUP/CONSUMER must not be empty")
		}
	}
	return nil
}

// CacheOptions 转换为缓存客户端参数。
func (c CacheConfig) CacheOptions() cache.Options {
	return cache.Options{
		NullTTL:        c.NullTTL,
		LockTTL:        c.LockTTL,
		RetryInterval:  c.RetryInterval,
		MaxRetries:     c.MaxRetries,
		RebuildWorkers: c.RebuildWorkers,
		RebuildTimeout: c.RebuildTimeout,
	}
}
