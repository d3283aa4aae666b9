// Package parser resolves cron expressions to their next UTC occurrence.
//
// Expressions use the standard five fields with an optional leading seconds
// field, or a descriptor such as "@hourly". Parsed schedules are cached by
// their normalized (whitespace-collapsed) text so the scheduling loop does
// not re-parse on every cycle.
package parser

import (
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"
)

var standardParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Normalize collapses runs of whitespace so equivalent expressions share a cache entry.
func Normalize(expr string) string {
	return strings.Join(strings.Fields(expr), " ")
}

// Cache memoizes parsed schedules per normalized expression.
type Cache struct {
	mu        sync.RWMutex
	schedules map[string]cron.Schedule
	group     singleflight.Group
}

func NewCache() *Cache {
	return &Cache{schedules: make(map[string]cron.Schedule)}
}

// Schedule returns the parsed schedule for expr.
func (c *Cache) Schedule(expr string) (cron.Schedule, error) {
	key := Normalize(expr)
	if key == "" {
		return nil, errors.New("empty cron expression")
	}

	c.mu.RLock()
	s, ok := c.schedules[key]
	c.mu.RUnlock()
	if ok {
		return s, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		parsed, err := standardParser.Parse(key)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid cron expression %q", key)
		}
		c.mu.Lock()
		c.schedules[key] = parsed
		c.mu.Unlock()
		return parsed, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(cron.Schedule), nil
}

// Next returns the first occurrence strictly after the given instant, in UTC.
func (c *Cache) Next(expr string, after time.Time) (time.Time, error) {
	s, err := c.Schedule(expr)
	if err != nil {
		return time.Time{}, err
	}
	next := s.Next(after.UTC())
	if next.IsZero() {
		return time.Time{}, errors.Newf("cron expression %q has no future occurrence", Normalize(expr))
	}
	return next.UTC(), nil
}

// Len returns the number of cached schedules.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.schedules)
}

var defaultCache = NewCache()

// Validate reports whether expr can be parsed.
func Validate(expr string) error {
	_, err := defaultCache.Schedule(expr)
	return err
}

// CalculateNextRun finds the next run time after from. Invalid expressions
// fall back to one hour later.
func CalculateNextRun(expr string, from time.Time) time.Time {
	next, err := defaultCache.Next(expr, from)
	if err != nil {
		return from.Add(time.Hour)
	}
	return next
}
