package config

import (
	"runtime"
	"time"
)

const (
	DefaultStorageDriver      = Postgres
	DefaultPostgresDriverName = PQDriverName
	DefaultMaxOpenConns       = 10

	DefaultFallbackInterval     = 30 * time.Second
	DefaultFallbackWindow       = time.Second
	DefaultClaimWindow          = time.Second
	DefaultRestartDebounce      = 50 * time.Millisecond
	DefaultNotifyDebounce       = 100 * time.Millisecond
	DefaultRetryInterval        = 30 * time.Second
	DefaultErrorBackoff         = 5 * time.Second
	DefaultQueueSize            = 1024
	DefaultHeartbeatInterval    = 5 * time.Second
	DefaultHeartbeatTTL         = 15 * time.Second
	DefaultLogLevel             = "info"
	DefaultNotifyQueue          = "gofire.events"
	DefaultRedisKeyPrefix       = "gofire"
	DefaultShutdownDrainTimeout = 30 * time.Second
)

// DefaultMaxConcurrency is the worker count when none is configured.
var DefaultMaxConcurrency = runtime.NumCPU()
