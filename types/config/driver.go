package config

type StorageDriver int

const (
	Postgres StorageDriver = iota + 1
	// InMemory keeps every ticker in process. Only one node can use it.
	InMemory
)

// String converts the StorageDriver enum to a human-readable string.
func (d StorageDriver) String() string {
	switch d {
	case Postgres:
		return "postgres"
	case InMemory:
		return "memory"
	}
	return "unknown"
}

// ParseStorageDriver is the inverse of String.
func ParseStorageDriver(s string) (StorageDriver, bool) {
	switch s {
	case "postgres":
		return Postgres, true
	case "memory":
		return InMemory, true
	}
	return 0, false
}

// MessageQueueDriver selects where notifier events are published.
type MessageQueueDriver int

const (
	NoMessageQueue MessageQueueDriver = iota
	RabbitMQ
	RedisPubSub
)

func (d MessageQueueDriver) String() string {
	switch d {
	case NoMessageQueue:
		return "none"
	case RabbitMQ:
		return "rabbitmq"
	case RedisPubSub:
		return "redis"
	default:
		return "unknown"
	}
}

// ParseMessageQueueDriver is the inverse of String.
func ParseMessageQueueDriver(s string) (MessageQueueDriver, bool) {
	switch s {
	case "", "none":
		return NoMessageQueue, true
	case "rabbitmq":
		return RabbitMQ, true
	case "redis":
		return RedisPubSub, true
	}
	return 0, false
}

// Postgres database/sql driver names.
const (
	PQDriverName  = "postgres"
	PgxDriverName = "pgx"
)
