// Package reconcile enforces the invariant that every task row with status
// in {starting, running, suspended} has a live VmHandle, and every live
// VmHandle has a matching row in that set. It runs once at startup and
// periodically via an asynq-scheduled task.
package reconcile

import (
	"context"
	"log/slog"

	"github.com/lia-systems/vm-api/internal/store"
)

// Manager is the narrow slice of vmmanager.Manager the sweep needs.
type Manager interface {
	LiveTaskIDs() []string
	Terminate(ctx context.Context, taskID string) error
}

// Store is the narrow slice of store.Store the sweep needs.
type Store interface {
	List(ctx context.Context, filter store.ListFilter) ([]*store.Task, int, error)
	MarkTerminated(ctx context.Context, taskID string, exitCode *int, errorMessage string) error
}

// Sweep performs one reconciliation pass: orphaned handles (no matching
// live row) are terminated; orphaned rows (no matching handle) are
// transitioned to terminated with an error message.
func Sweep(ctx context.Context, vm Manager, st Store, logger *slog.Logger) {
	liveRows := make(map[string]struct{})
	for _, status := range []store.Status{store.StatusStarting, store.StatusRunning, store.StatusSuspended} {
		for page := 1; ; page++ {
			tasks, total, err := st.List(ctx, store.ListFilter{Status: status, Page: page, PerPage: 100})
			if err != nil {
				logger.Error("reconcile: list failed", "status", status, "error", err)
				break
			}
			for _, t := range tasks {
				liveRows[t.ID] = struct{}{}
			}
			if len(tasks) == 0 || page*100 >= total {
				break
			}
		}
	}

	liveHandles := make(map[string]struct{})
	for _, id := range vm.LiveTaskIDs() {
		liveHandles[id] = struct{}{}
	}

	for id := range liveHandles {
		if _, ok := liveRows[id]; !ok {
			logger.Warn("reconcile: killing orphaned vm handle with no matching row", "task_id", id)
			if err := vm.Terminate(ctx, id); err != nil {
				logger.Error("reconcile: terminate orphaned handle failed", "task_id", id, "error", err)
			}
		}
	}

	for id := range liveRows {
		if _, ok := liveHandles[id]; !ok {
			logger.Warn("reconcile: marking orphaned row terminated with no matching vm handle", "task_id", id)
			code := 1
			if err := st.MarkTerminated(ctx, id, &code, "reconciled: no matching vm handle"); err != nil {
				logger.Error("reconcile: mark_terminated orphaned row failed", "task_id", id, "error", err)
			}
		}
	}
}
