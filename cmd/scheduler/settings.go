package main

import (
	"strings"
	"time"

	"github.com/RezaEskandarii/gofire/types/config"
	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
)

type postgresSettings struct {
	URL          string `mapstructure:"url"`
	Driver       string `mapstructure:"driver"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

type redisSettings struct {
	Address   string `mapstructure:"address"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type rabbitMQSettings struct {
	URL        string `mapstructure:"url"`
	Exchange   string `mapstructure:"exchange"`
	RoutingKey string `mapstructure:"routing_key"`
}

type notifierSettings struct {
	Driver   string           `mapstructure:"driver"`
	Queue    string           `mapstructure:"queue"`
	RabbitMQ rabbitMQSettings `mapstructure:"rabbitmq"`
}

// settings mirrors the YAML file. Every key can be overridden with a
// GOFIRE_ environment variable, dots replaced by underscores.
type settings struct {
	Instance string           `mapstructure:"instance"`
	Storage  string           `mapstructure:"storage"`
	Postgres postgresSettings `mapstructure:"postgres"`
	Redis    redisSettings    `mapstructure:"redis"`
	Notifier notifierSettings `mapstructure:"notifier"`

	Workers   int `mapstructure:"workers"`
	QueueSize int `mapstructure:"queue_size"`

	FallbackInterval     time.Duration `mapstructure:"fallback_interval"`
	FallbackWindow       time.Duration `mapstructure:"fallback_window"`
	ClaimWindow          time.Duration `mapstructure:"claim_window"`
	RestartDebounce      time.Duration `mapstructure:"restart_debounce"`
	NotifyDebounce       time.Duration `mapstructure:"notify_debounce"`
	DefaultRetryInterval time.Duration `mapstructure:"default_retry_interval"`
	ErrorBackoff         time.Duration `mapstructure:"error_backoff"`
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTTL         time.Duration `mapstructure:"heartbeat_ttl"`
	ShutdownTimeout      time.Duration `mapstructure:"shutdown_timeout"`

	LogLevel    string `mapstructure:"log_level"`
	MetricsAddr string `mapstructure:"metrics_addr"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("instance", "")
	v.SetDefault("storage", config.DefaultStorageDriver.String())
	v.SetDefault("postgres.url", "")
	v.SetDefault("postgres.driver", config.DefaultPostgresDriverName)
	v.SetDefault("postgres.max_open_conns", config.DefaultMaxOpenConns)
	v.SetDefault("redis.address", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", config.DefaultRedisKeyPrefix)
	v.SetDefault("notifier.driver", config.NoMessageQueue.String())
	v.SetDefault("notifier.queue", config.DefaultNotifyQueue)
	v.SetDefault("notifier.rabbitmq.url", "")
	v.SetDefault("notifier.rabbitmq.exchange", "")
	v.SetDefault("notifier.rabbitmq.routing_key", "")
	v.SetDefault("workers", config.DefaultMaxConcurrency)
	v.SetDefault("queue_size", config.DefaultQueueSize)
	v.SetDefault("fallback_interval", config.DefaultFallbackInterval)
	v.SetDefault("fallback_window", config.DefaultFallbackWindow)
	v.SetDefault("claim_window", config.DefaultClaimWindow)
	v.SetDefault("restart_debounce", config.DefaultRestartDebounce)
	v.SetDefault("notify_debounce", config.DefaultNotifyDebounce)
	v.SetDefault("default_retry_interval", config.DefaultRetryInterval)
	v.SetDefault("error_backoff", config.DefaultErrorBackoff)
	v.SetDefault("heartbeat_interval", config.DefaultHeartbeatInterval)
	v.SetDefault("heartbeat_ttl", config.DefaultHeartbeatTTL)
	v.SetDefault("shutdown_timeout", config.DefaultShutdownDrainTimeout)
	v.SetDefault("log_level", config.DefaultLogLevel)
	v.SetDefault("metrics_addr", "")
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("GOFIRE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// loadSettings reads path, when given, on top of the defaults. Environment
// variables win over both.
func loadSettings(v *viper.Viper, path string) (*settings, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config file %s", path)
		}
	}
	var s settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	return &s, nil
}

// toConfig validates s through the same options library users call.
func (s *settings) toConfig() (*config.GofireConfig, error) {
	storage, ok := config.ParseStorageDriver(s.Storage)
	if !ok {
		return nil, errors.Newf("unknown storage %q", s.Storage)
	}
	mq, ok := config.ParseMessageQueueDriver(s.Notifier.Driver)
	if !ok {
		return nil, errors.Newf("unknown notifier driver %q", s.Notifier.Driver)
	}

	opts := []config.ContainerOption{
		config.WithMaxConcurrency(s.Workers),
		config.WithQueueSize(s.QueueSize),
		config.WithFallbackInterval(s.FallbackInterval),
		config.WithFallbackWindow(s.FallbackWindow),
		config.WithClaimWindow(s.ClaimWindow),
		config.WithRestartDebounce(s.RestartDebounce),
		config.WithNotifyDebounce(s.NotifyDebounce),
		config.WithDefaultRetryInterval(s.DefaultRetryInterval),
		config.WithErrorBackoff(s.ErrorBackoff),
		config.WithHeartbeat(s.HeartbeatInterval, s.HeartbeatTTL),
		config.WithShutdownDrainTimeout(s.ShutdownTimeout),
		config.WithLogLevel(s.LogLevel),
		config.WithMetricsAddr(s.MetricsAddr),
	}
	switch storage {
	case config.Postgres:
		opts = append(opts, config.WithPostgresConfig(config.PostgresConfig{
			ConnectionUrl: s.Postgres.URL,
			DriverName:    s.Postgres.Driver,
			MaxOpenConns:  s.Postgres.MaxOpenConns,
		}))
	case config.InMemory:
		opts = append(opts, config.WithInMemoryStore())
	}
	if s.Redis.Address != "" {
		opts = append(opts, config.WithRedisConfig(config.RedisConfig{
			Address:   s.Redis.Address,
			Password:  s.Redis.Password,
			DB:        s.Redis.DB,
			KeyPrefix: s.Redis.KeyPrefix,
		}))
	}
	switch mq {
	case config.RabbitMQ:
		opts = append(opts, config.WithRabbitMQConfig(config.RabbitMQConfig{
			URL:        s.Notifier.RabbitMQ.URL,
			Exchange:   s.Notifier.RabbitMQ.Exchange,
			Queue:      s.Notifier.Queue,
			RoutingKey: s.Notifier.RabbitMQ.RoutingKey,
		}))
	case config.RedisPubSub:
		opts = append(opts, config.WithRedisNotifier(s.Notifier.Queue))
	}
	return config.NewGofireConfig(s.Instance, opts...)
}
