package app

import (
	"database/sql"

	"github.com/RezaEskandarii/gofire/internal/clock"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ContainerOption configures Container creation. Used for testing and customization.
type ContainerOption func(*containerConfig)

type containerConfig struct {
	// Optional: inject custom connections instead of creating them from config
	db     *sql.DB
	redis  *redis.Client
	clock  clock.Clock
	logger *zap.SugaredLogger
}

// WithDB injects a custom database connection. Useful for testing.
func WithDB(db *sql.DB) ContainerOption {
	return func(c *containerConfig) {
		c.db = db
	}
}

// WithRedis injects a custom Redis client. Useful for testing.
func WithRedis(redis *redis.Client) ContainerOption {
	return func(c *containerConfig) {
		c.redis = redis
	}
}

func WithClock(clk clock.Clock) ContainerOption {
	return func(c *containerConfig) {
		c.clock = clk
	}
}

// WithLogger replaces the logger built from the configured level.
func WithLogger(logger *zap.SugaredLogger) ContainerOption {
	return func(c *containerConfig) {
		c.logger = logger
	}
}
