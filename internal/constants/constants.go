package constants

import "time"

// Advisory lock ids.
const (
	MigrationLock = iota + 7300
	SeedCronTickersLock
)

const (
	Schema = "gofire_schema"

	DeadNodeReason = "Node is not alive!"

	// MaxExceptionMessageLength bounds the persisted exception message.
	MaxExceptionMessageLength = 500

	DefaultRetryInterval = 30 * time.Second
)
