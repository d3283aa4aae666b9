package types

import (
	"encoding/json"
	"time"

	"github.com/RezaEskandarii/gofire/internal/state"
	"github.com/google/uuid"
)

// TickerType distinguishes one-shot tickers from cron occurrences.
type TickerType int

const (
	TimeTickerType TickerType = iota + 1
	CronTickerOccurrenceType
)

func (t TickerType) String() string {
	switch t {
	case TimeTickerType:
		return "time_ticker"
	case CronTickerOccurrenceType:
		return "cron_ticker_occurrence"
	}
	return "unknown"
}

// Priority controls dequeue order inside one dispatch batch.
// LongRunning work bypasses the worker pool entirely.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
	PriorityLow
	PriorityLongRunning
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	case PriorityLongRunning:
		return "long_running"
	}
	return "normal"
}

// TimeTicker is a single-shot job. UpdatedAt doubles as the optimistic
// version stamp used by conditional claims.
type TimeTicker struct {
	ID               uuid.UUID           `json:"id"`
	Function         string              `json:"function" validate:"required"`
	Description      string              `json:"description,omitempty"`
	ExecutionTime    *time.Time          `json:"execution_time,omitempty"`
	Status           state.JobStatus     `json:"status"`
	LockHolder       *string             `json:"lock_holder,omitempty"`
	LockedAt         *time.Time          `json:"locked_at,omitempty"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
	Retries          int                 `json:"retries" validate:"gte=0"`
	RetryCount       int                 `json:"retry_count" validate:"gte=0,ltefield=Retries"`
	RetryIntervals   []int               `json:"retry_intervals,omitempty" validate:"dive,gte=0"`
	ParentID         *uuid.UUID          `json:"parent_id,omitempty"`
	RunCondition     *state.RunCondition `json:"run_condition,omitempty"`
	ExecutedAt       *time.Time          `json:"executed_at,omitempty"`
	ElapsedTime      time.Duration       `json:"elapsed_time"`
	ExceptionDetails *string             `json:"exception_details,omitempty"`
	SkippedReason    *string             `json:"skipped_reason,omitempty"`
	Request          json.RawMessage     `json:"request,omitempty"`
	Children         []TimeTicker        `json:"children,omitempty" validate:"dive"`
}

// CronTicker is a recurring job definition.
type CronTicker struct {
	ID             uuid.UUID       `json:"id"`
	Function       string          `json:"function" validate:"required"`
	Description    string          `json:"description,omitempty"`
	Expression     string          `json:"expression" validate:"required"`
	Retries        int             `json:"retries" validate:"gte=0"`
	RetryIntervals []int           `json:"retry_intervals,omitempty" validate:"dive,gte=0"`
	Request        json.RawMessage `json:"request,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// CronTickerOccurrence is one materialized firing of a CronTicker.
// (CronTickerID, ExecutionTime) is unique.
type CronTickerOccurrence struct {
	ID               uuid.UUID       `json:"id"`
	CronTickerID     uuid.UUID       `json:"cron_ticker_id"`
	ExecutionTime    time.Time       `json:"execution_time"`
	Status           state.JobStatus `json:"status"`
	LockHolder       *string         `json:"lock_holder,omitempty"`
	LockedAt         *time.Time      `json:"locked_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	RetryCount       int             `json:"retry_count"`
	ExecutedAt       *time.Time      `json:"executed_at,omitempty"`
	ElapsedTime      time.Duration   `json:"elapsed_time"`
	ExceptionDetails *string         `json:"exception_details,omitempty"`
	SkippedReason    *string         `json:"skipped_reason,omitempty"`
	CronTicker       *CronTicker     `json:"cron_ticker,omitempty"`
}

// Aliases so callers outside the module can build batch children and read statuses.
type (
	JobStatus    = state.JobStatus
	RunCondition = state.RunCondition
)

const (
	RunOnSuccess            = state.RunOnSuccess
	RunOnFailure            = state.RunOnFailure
	RunOnCancelled          = state.RunOnCancelled
	RunOnFailureOrCancelled = state.RunOnFailureOrCancelled
	RunOnAnyCompletedStatus = state.RunOnAnyCompletedStatus
	RunInProgress           = state.RunInProgress
)
