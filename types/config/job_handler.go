package config

import (
	"sort"
	"sync"

	"github.com/RezaEskandarii/gofire/pgk/parser"
	"github.com/RezaEskandarii/gofire/types"
	"github.com/cockroachdb/errors"
)

// HandlerOption adjusts a function registration.
type HandlerOption func(*types.Function) error

func WithPriority(p types.Priority) HandlerOption {
	return func(f *types.Function) error {
		if p < types.PriorityNormal || p > types.PriorityLongRunning {
			return errors.Newf("unknown priority %d", p)
		}
		f.Priority = p
		return nil
	}
}

// WithCronExpression makes the function recurring. Its CronTicker is
// created at startup unless one already exists for the function.
func WithCronExpression(expr string) HandlerOption {
	return func(f *types.Function) error {
		if err := parser.Validate(expr); err != nil {
			return err
		}
		f.CronExpression = parser.Normalize(expr)
		return nil
	}
}

// SkipIfSiblingRunning skips a run while another job with the same parent
// is in flight on this node.
func SkipIfSiblingRunning() HandlerOption {
	return func(f *types.Function) error {
		f.SkipIfSiblingRunning = true
		return nil
	}
}

func WithDescription(description string) HandlerOption {
	return func(f *types.Function) error {
		f.Description = description
		return nil
	}
}

// JobHandler is the function table. It is filled before the node starts
// and read by every claim afterwards.
type JobHandler struct {
	handlers map[string]types.Function
	mutex    sync.RWMutex
}

func NewJobHandler() *JobHandler {
	return &JobHandler{
		handlers: make(map[string]types.Function),
	}
}

// Register adds a new job handler by name.
func (jh *JobHandler) Register(name string, handler types.Handler, opts ...HandlerOption) error {
	if name == "" || handler == nil {
		return errors.Newf("handler must have a job name and function")
	}
	fn := types.Function{Name: name, Handler: handler}
	for _, opt := range opts {
		if err := opt(&fn); err != nil {
			return errors.Wrapf(err, "handler '%s'", name)
		}
	}

	jh.mutex.Lock()
	defer jh.mutex.Unlock()

	if _, exists := jh.handlers[name]; exists {
		return errors.Newf("handler '%s' already registered", name)
	}
	jh.handlers[name] = fn
	return nil
}

func (jh *JobHandler) Exists(name string) bool {
	_, exists := jh.Resolve(name)
	return exists
}

// Resolve returns the registration of name.
func (jh *JobHandler) Resolve(name string) (types.Function, bool) {
	jh.mutex.RLock()
	defer jh.mutex.RUnlock()

	fn, exists := jh.handlers[name]
	return fn, exists
}

// List returns the registered names in order.
func (jh *JobHandler) List() []string {
	jh.mutex.RLock()
	defer jh.mutex.RUnlock()

	names := make([]string, 0, len(jh.handlers))
	for name := range jh.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Recurring returns the functions registered with a cron expression.
func (jh *JobHandler) Recurring() []types.Function {
	jh.mutex.RLock()
	defer jh.mutex.RUnlock()

	var out []types.Function
	for _, fn := range jh.handlers {
		if fn.CronExpression != "" {
			out = append(out, fn)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
