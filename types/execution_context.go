package types

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// Handler is the statically registered body of a job function.
type Handler interface {
	Handle(ctx context.Context, ec *ExecutionContext) error
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, ec *ExecutionContext) error

func (f HandlerFunc) Handle(ctx context.Context, ec *ExecutionContext) error {
	return f(ctx, ec)
}

// ExceptionHandler is notified once a job failed for good or was cancelled.
type ExceptionHandler interface {
	HandleException(ctx context.Context, err error, tickerID uuid.UUID, tickerType TickerType)
	HandleCanceledException(ctx context.Context, err error, tickerID uuid.UUID, tickerType TickerType)
}

// ExecutionContext is handed to a Handler for one attempt.
type ExecutionContext struct {
	ID           uuid.UUID
	Type         TickerType
	ParentID     *uuid.UUID // batch parent, or the cron ticker of an occurrence
	FunctionName string
	ScheduledFor time.Time
	RetryCount   int
	IsDue        bool
	Request      json.RawMessage

	mu             sync.Mutex
	terminated     bool
	reason         string
	siblingRunning func() bool
}

// WithSiblingCheck installs the check backing SiblingRunning.
func (ec *ExecutionContext) WithSiblingCheck(check func() bool) *ExecutionContext {
	ec.siblingRunning = check
	return ec
}

// Decode unmarshals the request payload into v.
func (ec *ExecutionContext) Decode(v any) error {
	if len(ec.Request) == 0 {
		return errors.Newf("ticker %s has no request payload", ec.ID)
	}
	if err := json.Unmarshal(ec.Request, v); err != nil {
		return errors.Wrapf(err, "decode request of ticker %s", ec.ID)
	}
	return nil
}

// RequestTermination ends the job as skipped once the handler returns.
// No further retry is attempted.
func (ec *ExecutionContext) RequestTermination(reason string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.terminated = true
	ec.reason = reason
}

// Termination returns the reason passed to RequestTermination, if any.
func (ec *ExecutionContext) Termination() (string, bool) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.reason, ec.terminated
}

// SiblingRunning reports whether another job with the same parent is in
// flight on this node.
func (ec *ExecutionContext) SiblingRunning() bool {
	if ec.siblingRunning == nil {
		return false
	}
	return ec.siblingRunning()
}
