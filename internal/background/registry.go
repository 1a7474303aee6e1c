// Package background tracks every detached goroutine a task spawns (the
// boot pipeline, the relay session, the idle-suspend timer) so that
// terminate can reach in and cancel them, and runs the per-task idle
// auto-suspend timer.
package background

import (
	"context"
	"sync"
)

// Registry is a cancellation set keyed by task id: every goroutine a task
// spawns registers its CancelFunc here so terminate can tear all of them
// down in one call without tracking them individually.
type Registry struct {
	mu     sync.Mutex
	byTask map[string][]context.CancelFunc
}

func NewRegistry() *Registry {
	return &Registry{byTask: make(map[string][]context.CancelFunc)}
}

// Register derives a cancellable context from parent and records its
// CancelFunc under taskID so Cancel(taskID) can later tear it down.
func (r *Registry) Register(parent context.Context, taskID string) context.Context {
	ctx, cancel := context.WithCancel(parent)

	r.mu.Lock()
	r.byTask[taskID] = append(r.byTask[taskID], cancel)
	r.mu.Unlock()

	return ctx
}

// Cancel invokes and drains every CancelFunc registered for taskID. Called
// from Store.mark_terminated call sites.
func (r *Registry) Cancel(taskID string) {
	r.mu.Lock()
	cancels := r.byTask[taskID]
	delete(r.byTask, taskID)
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}
