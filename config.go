package tailstream

import (
	"time"

	"go.uber.org/zap"
)

type (
	Config struct {
		Logger      *zap.Logger
		Redis       RedisConfig
		Bolt        BoltConfig
		Postgres    PostgresConfig
		BatchSize   int
		CacheSize   int
		IncludeData bool
	}

	RedisConfig struct {
		Addr     string
		Password string
		Prefix   string
		DB       int
	}

	BoltConfig struct {
		Path    string
		Timeout time.Duration
	}

	PostgresConfig struct {
		URL     string
		Table   string
		Channel string
	}
)

const (
	DefaultBatchSize     = 32
	DefaultRedisEndpoint = "localhost:6379"
	DefaultRedisPrefix   = "tailstream"
	DefaultRedisDB       = 0
	DefaultBoltPath      = "tailstream.db"
	DefaultBoltTimeout   = time.Second
	DefaultPostgresURL   = "postgres://localhost:5432/tailstream"
	DefaultPostgresTable = "tailstream_records"
	DefaultNotifyChannel = "tailstream_appended"
)

func DefaultConfig() Config {
	return Config{
		Logger:      zap.NewNop(),
		Redis:       DefaultRedisConfig(),
		Bolt:        DefaultBoltConfig(),
		Postgres:    DefaultPostgresConfig(),
		BatchSize:   DefaultBatchSize,
		IncludeData: true,
	}
}

func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:   DefaultRedisEndpoint,
		Prefix: DefaultRedisPrefix,
		DB:     DefaultRedisDB,
	}
}

func DefaultBoltConfig() BoltConfig {
	return BoltConfig{
		Path:    DefaultBoltPath,
		Timeout: DefaultBoltTimeout,
	}
}

func DefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		URL:     DefaultPostgresURL,
		Table:   DefaultPostgresTable,
		Channel: DefaultNotifyChannel,
	}
}

func (c Config) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

func (c Config) batchSize() int {
	if c.BatchSize <= 0 {
		return DefaultBatchSize
	}
	return c.BatchSize
}
