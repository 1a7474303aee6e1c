package vmmanager

import "context"

// Manager owns the hypervisor-process lifecycle for each task: create,
// pause, resume, terminate, all serialized per task id. Pause, resume and
// terminate are idempotent; create is not: it does not check for an
// existing handle, so a second Create for the same task id runs the boot
// pipeline again.
type Manager interface {
	// Reserve atomically allocates a context id and returns it alongside
	// the deterministic vm id, without starting any process. Lets the
	// HTTP front synchronously record pending->starting with real ids
	// before the rest of the boot pipeline runs in the background.
	Reserve(taskID string) (vmID string, contextID int, err error)
	Create(ctx context.Context, params CreateParams, onProgress ProgressFunc) (*Handle, error)
	Pause(ctx context.Context, taskID string) error
	Resume(ctx context.Context, taskID string) error
	Terminate(ctx context.Context, taskID string) error
	Handle(taskID string) (*Handle, bool)
	// LiveTaskIDs lists every task id with a currently-held VmHandle, used
	// by the startup/periodic reconciliation sweep that enforces invariant
	// I1 (every {starting,running,suspended} row has a handle and vice versa).
	LiveTaskIDs() []string
}
