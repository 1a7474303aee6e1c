package store

import "context"

// Store is the single durable record of every task. It is the only
// component that writes task status; every other component reads or
// requests a transition through it.
type Store interface {
	Create(ctx context.Context, userID string, source Source, repositories []string, cfg Config, files []File, sshPublicKey string, groupID string) (*Task, error)
	MarkStarting(ctx context.Context, taskID, vmID string, contextID int) error
	MarkRunning(ctx context.Context, taskID, ip string) error
	MarkSuspended(ctx context.Context, taskID string) error
	MarkResumed(ctx context.Context, taskID string) error
	MarkTerminated(ctx context.Context, taskID string, exitCode *int, errorMessage string) error
	Get(ctx context.Context, taskID string) (*Task, error)
	List(ctx context.Context, filter ListFilter) ([]*Task, int, error)
	GroupID(ctx context.Context, taskID string) (string, error)
}
