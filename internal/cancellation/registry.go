// Package cancellation tracks in-flight jobs so they can be cancelled by id
// and so a job can ask whether another run of the same parent is active.
package cancellation

import (
	"context"
	"sync"

	"github.com/RezaEskandarii/gofire/types"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// ErrCancellationRequested is the context cause set by RequestCancellation.
var ErrCancellationRequested = errors.New("cancellation requested")

// Entry describes one in-flight job.
type Entry struct {
	ID           uuid.UUID
	FunctionName string
	Type         types.TickerType
	ParentID     *uuid.UUID
}

type entry struct {
	Entry
	cancel context.CancelCauseFunc
}

// Registry is per node and holds entries only while their job runs.
type Registry struct {
	mu       sync.RWMutex
	entries  map[uuid.UUID]*entry
	children map[uuid.UUID]map[uuid.UUID]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		entries:  make(map[uuid.UUID]*entry),
		children: make(map[uuid.UUID]map[uuid.UUID]struct{}),
	}
}

// Add registers e and returns a context cancelled by RequestCancellation,
// plus a release func to call when the job finishes. Release is idempotent.
func (r *Registry) Add(parent context.Context, e Entry) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(parent)
	ent := &entry{Entry: e, cancel: cancel}

	r.mu.Lock()
	if old, ok := r.entries[e.ID]; ok {
		r.removeLocked(old)
	}
	r.entries[e.ID] = ent
	if e.ParentID != nil {
		set, ok := r.children[*e.ParentID]
		if !ok {
			set = make(map[uuid.UUID]struct{})
			r.children[*e.ParentID] = set
		}
		set[e.ID] = struct{}{}
	}
	r.mu.Unlock()

	release := func() {
		r.mu.Lock()
		if cur, ok := r.entries[e.ID]; ok && cur == ent {
			r.removeLocked(ent)
		}
		r.mu.Unlock()
		cancel(nil)
	}
	return ctx, release
}

// RequestCancellation cancels the job with the given id. It reports whether
// the job was in flight on this node.
func (r *Registry) RequestCancellation(id uuid.UUID) bool {
	r.mu.Lock()
	ent, ok := r.entries[id]
	if ok {
		r.removeLocked(ent)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	ent.cancel(ErrCancellationRequested)
	return true
}

// IsParentRunningExcludingSelf reports whether any job other than self that
// shares parent is in flight.
func (r *Registry) IsParentRunningExcludingSelf(parent, self uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id := range r.children[parent] {
		if id != self {
			return true
		}
	}
	return false
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.Entry)
	}
	return out
}

func (r *Registry) removeLocked(ent *entry) {
	delete(r.entries, ent.ID)
	if ent.ParentID == nil {
		return
	}
	set := r.children[*ent.ParentID]
	delete(set, ent.ID)
	if len(set) == 0 {
		delete(r.children, *ent.ParentID)
	}
}

// IsCancelled reports whether ctx was cancelled through RequestCancellation.
func IsCancelled(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), ErrCancellationRequested)
}
