package app

import (
	"context"
	"database/sql"

	"github.com/RezaEskandarii/gofire/internal/db"
	"github.com/RezaEskandarii/gofire/internal/message_broaker"
	"github.com/RezaEskandarii/gofire/types/config"
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

func openPostgresDB(ctx context.Context, pg config.PostgresConfig) (*sql.DB, error) {
	return db.Open(ctx, pg.DriverName, pg.ConnectionUrl, pg.MaxOpenConns)
}

func newRedisClient(cfg *config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// newMessageBroker returns nil when events are not published anywhere.
func newMessageBroker(cfg *config.GofireConfig, redisClient *redis.Client) (message_broaker.MessageBroker, error) {
	switch cfg.MQDriver {
	case config.RabbitMQ:
		rc := cfg.RabbitMQConfig
		broker, err := message_broaker.NewRabbitMQ(rc.URL, rc.Exchange, cfg.NotifyQueue, rc.RoutingKey)
		if err != nil {
			return nil, errors.Wrap(err, "init rabbitmq")
		}
		return broker, nil
	case config.RedisPubSub:
		if redisClient == nil {
			return nil, errors.New("redis notifier requires a redis client")
		}
		return message_broaker.NewRedisPubSub(redisClient, cfg.RedisConfig.KeyPrefix), nil
	}
	return nil, nil
}
