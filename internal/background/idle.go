package background

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Suspender is the narrow slice of VmManager/Store the idle timer needs,
// kept as local interfaces so this package never imports vmmanager or
// store directly.
type Suspender interface {
	Pause(ctx context.Context, taskID string) error
}

type StatusWriter interface {
	MarkSuspended(ctx context.Context, taskID string) error
}

// StatusNotifier lets the idle timer publish the suspend transition onto
// the Hub like every other status change, without this package importing
// the hub package directly.
type StatusNotifier interface {
	PublishStatus(taskID, status string, exitCode *int)
}

// IdleTimer resets on every non-heartbeat output or subscriber input and
// pauses the VM once timeout elapses with no activity. It is driven by a
// reset channel rather than a periodic staleness scan, since idleness here
// is measured from the last activity, not from creation time.
type IdleTimer struct {
	taskID  string
	timeout time.Duration
	vm      Suspender
	store   StatusWriter
	notify  StatusNotifier
	logger  *slog.Logger

	resetCh chan struct{}

	mu      sync.Mutex
	stopped bool
	stopCh  chan struct{}
}

func NewIdleTimer(taskID string, timeout time.Duration, vm Suspender, store StatusWriter, notify StatusNotifier, logger *slog.Logger) *IdleTimer {
	return &IdleTimer{
		taskID:  taskID,
		timeout: timeout,
		vm:      vm,
		store:   store,
		notify:  notify,
		logger:  logger.With("component", "idle-timer", "task_id", taskID),
		resetCh: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
}

// Reset is called on every non-heartbeat output frame and every subscriber
// input frame; it's non-blocking so the relay's hot path never stalls on it.
func (t *IdleTimer) Reset() {
	select {
	case t.resetCh <- struct{}{}:
	default:
	}
}

// Stop ends the timer's loop without suspending the VM; used when the task
// terminates through any other path.
func (t *IdleTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.stopped {
		t.stopped = true
		close(t.stopCh)
	}
}

// Run blocks until ctx is cancelled or Stop is called. Intended to be run
// in its own goroutine, registered in a Registry so terminate can cancel it.
func (t *IdleTimer) Run(ctx context.Context) {
	timer := time.NewTimer(t.timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return
		case <-t.resetCh:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(t.timeout)
		case <-timer.C:
			// Left stopped (not re-armed) until Reset is called again on
			// resume or the next activity; re-arming immediately would
			// re-fire every timeout against an already-suspended VM.
			t.suspend(ctx)
		}
	}
}

func (t *IdleTimer) suspend(ctx context.Context) {
	pauseCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := t.vm.Pause(pauseCtx, t.taskID); err != nil {
		t.logger.Error("idle auto-suspend pause failed", "error", err)
		return
	}
	if err := t.store.MarkSuspended(pauseCtx, t.taskID); err != nil {
		t.logger.Error("idle auto-suspend mark_suspended failed", "error", err)
		return
	}
	if t.notify != nil {
		t.notify.PublishStatus(t.taskID, "suspended", nil)
	}
}
