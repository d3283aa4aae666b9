// Package job builds the in-memory execution context of a claimed ticker or
// occurrence and tracks which of its fields changed since the last write.
package job

import (
	"encoding/json"
	"time"

	"github.com/RezaEskandarii/gofire/internal/state"
	"github.com/RezaEskandarii/gofire/internal/store"
	"github.com/RezaEskandarii/gofire/types"
	"github.com/google/uuid"
)

// Resolver maps a function name to its registration.
type Resolver interface {
	Resolve(name string) (types.Function, bool)
}

type field uint8

const (
	fieldStatus field = 1 << iota
	fieldRetryCount
	fieldExecutedAt
	fieldElapsedTime
	fieldException
	fieldSkippedReason
	fieldAcquire
	fieldRelease
)

// Context is the execution state of one claimed ticker or occurrence.
type Context struct {
	TickerID      uuid.UUID
	Type          types.TickerType
	ParentID      *uuid.UUID
	FunctionName  string
	ExecutionTime time.Time
	Status        state.JobStatus
	Retries       int
	RetryCount    int
	// RetryIntervals are in seconds.
	RetryIntervals []int
	RunCondition   *state.RunCondition
	IsDue          bool
	Request        json.RawMessage

	Function   types.Function
	Registered bool
	Children   []*Context

	ExecutedAt       time.Time
	ElapsedTime      time.Duration
	ExceptionDetails string
	SkippedReason    string

	dirty field
}

// FromTimeTicker builds the context tree of a claimed ticker.
func FromTimeTicker(t *types.TimeTicker, resolver Resolver, due bool) *Context {
	c := &Context{
		TickerID:       t.ID,
		Type:           types.TimeTickerType,
		ParentID:       t.ParentID,
		FunctionName:   t.Function,
		Status:         t.Status,
		Retries:        t.Retries,
		RetryCount:     t.RetryCount,
		RetryIntervals: t.RetryIntervals,
		RunCondition:   t.RunCondition,
		IsDue:          due,
		Request:        t.Request,
	}
	if t.ExecutionTime != nil {
		c.ExecutionTime = *t.ExecutionTime
	}
	c.Function, c.Registered = resolver.Resolve(t.Function)
	for i := range t.Children {
		c.Children = append(c.Children, FromTimeTicker(&t.Children[i], resolver, due))
	}
	return c
}

// FromCronOccurrence builds the context of a claimed occurrence. The cron
// ticker acts as parent, so sibling checks see other occurrences of it.
func FromCronOccurrence(o *types.CronTickerOccurrence, resolver Resolver, due bool) *Context {
	parent := o.CronTickerID
	c := &Context{
		TickerID:      o.ID,
		Type:          types.CronTickerOccurrenceType,
		ParentID:      &parent,
		ExecutionTime: o.ExecutionTime,
		Status:        o.Status,
		RetryCount:    o.RetryCount,
		IsDue:         due,
	}
	if o.CronTicker != nil {
		c.FunctionName = o.CronTicker.Function
		c.Retries = o.CronTicker.Retries
		c.RetryIntervals = o.CronTicker.RetryIntervals
		c.Request = o.CronTicker.Request
	}
	c.Function, c.Registered = resolver.Resolve(c.FunctionName)
	return c
}

func (c *Context) Priority() types.Priority {
	return c.Function.Priority
}

func (c *Context) SetStatus(s state.JobStatus) {
	c.Status = s
	c.dirty |= fieldStatus
}

func (c *Context) SetRetryCount(n int) {
	c.RetryCount = n
	c.dirty |= fieldRetryCount
}

func (c *Context) SetExecuted(at time.Time, elapsed time.Duration) {
	c.ExecutedAt = at
	c.ElapsedTime = elapsed
	c.dirty |= fieldExecutedAt | fieldElapsedTime
}

func (c *Context) SetException(details string) {
	c.ExceptionDetails = details
	c.dirty |= fieldException
}

func (c *Context) SetSkippedReason(reason string) {
	c.SkippedReason = reason
	c.dirty |= fieldSkippedReason
}

// Acquire marks the row as held by the writing node.
func (c *Context) Acquire() {
	c.dirty = (c.dirty | fieldAcquire) &^ fieldRelease
}

// ReleaseLock clears the lock holder on the next write.
func (c *Context) ReleaseLock() {
	c.dirty = (c.dirty | fieldRelease) &^ fieldAcquire
}

func (c *Context) Dirty() bool {
	return c.dirty != 0
}

// Flush returns a sparse update holding only the changed fields and
// clears the tracker.
func (c *Context) Flush(node string, now time.Time) store.StatusUpdate {
	u := store.StatusUpdate{ID: c.TickerID, Node: node, Now: now}
	if c.dirty&fieldStatus != 0 {
		s := c.Status
		u.Status = &s
	}
	if c.dirty&fieldRetryCount != 0 {
		n := c.RetryCount
		u.RetryCount = &n
	}
	if c.dirty&fieldExecutedAt != 0 {
		at := c.ExecutedAt
		u.ExecutedAt = &at
	}
	if c.dirty&fieldElapsedTime != 0 {
		d := c.ElapsedTime
		u.ElapsedTime = &d
	}
	if c.dirty&fieldException != 0 {
		v := c.ExceptionDetails
		u.ExceptionDetails = &v
	}
	if c.dirty&fieldSkippedReason != 0 {
		v := c.SkippedReason
		u.SkippedReason = &v
	}
	u.Acquire = c.dirty&fieldAcquire != 0
	u.ReleaseLock = c.dirty&fieldRelease != 0
	c.dirty = 0
	return u
}
