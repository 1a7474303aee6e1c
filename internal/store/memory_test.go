package store_test

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lia-systems/vm-api/internal/store"
)

// memoryStore is a fake Store implementing store.Store entirely in memory,
// used by tests that only need to exercise the state graph and listing
// logic without a live Postgres/Redis pair.
type memoryStore struct {
	mu     sync.Mutex
	tasks  map[string]*store.Task
	groups map[string]string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		tasks:  make(map[string]*store.Task),
		groups: make(map[string]string),
	}
}

func (m *memoryStore) Create(ctx context.Context, userID string, source store.Source, repositories []string, cfg store.Config, files []store.File, sshPublicKey string, groupID string) (*store.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := &store.Task{
		ID:           uuid.New().String(),
		UserID:       userID,
		Status:       store.StatusPending,
		Source:       source,
		Repositories: repositories,
		Config:       cfg,
		Files:        files,
		SSHPublicKey: sshPublicKey,
		CreatedAt:    time.Now().UTC(),
	}
	m.tasks[t.ID] = t
	if groupID != "" {
		m.groups[t.ID] = groupID
	}
	return t, nil
}

func (m *memoryStore) transition(taskID, op string, allowed []store.Status, mutate func(*store.Task)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return store.ErrNotFound
	}

	ok = false
	for _, s := range allowed {
		if t.Status == s {
			ok = true
			break
		}
	}
	if !ok {
		return store.ErrInvalidState
	}

	mutate(t)
	return nil
}

func (m *memoryStore) MarkStarting(ctx context.Context, taskID, vmID string, contextID int) error {
	return m.transition(taskID, "mark_starting", []store.Status{store.StatusPending}, func(t *store.Task) {
		t.Status = store.StatusStarting
		t.VMID = vmID
		t.ContextID = contextID
	})
}

func (m *memoryStore) MarkRunning(ctx context.Context, taskID, ip string) error {
	return m.transition(taskID, "mark_running", []store.Status{store.StatusStarting}, func(t *store.Task) {
		t.Status = store.StatusRunning
		t.IPAddress = ip
		if t.StartedAt == nil {
			now := time.Now().UTC()
			t.StartedAt = &now
		}
	})
}

func (m *memoryStore) MarkSuspended(ctx context.Context, taskID string) error {
	return m.transition(taskID, "mark_suspended", []store.Status{store.StatusRunning}, func(t *store.Task) {
		t.Status = store.StatusSuspended
	})
}

func (m *memoryStore) MarkResumed(ctx context.Context, taskID string) error {
	return m.transition(taskID, "mark_resumed", []store.Status{store.StatusSuspended}, func(t *store.Task) {
		t.Status = store.StatusRunning
	})
}

func (m *memoryStore) MarkTerminated(ctx context.Context, taskID string, exitCode *int, errorMessage string) error {
	return m.transition(taskID, "mark_terminated",
		[]store.Status{store.StatusPending, store.StatusStarting, store.StatusRunning, store.StatusSuspended},
		func(t *store.Task) {
			t.Status = store.StatusTerminated
			t.ExitCode = exitCode
			t.ErrorMessage = errorMessage
			now := time.Now().UTC()
			t.CompletedAt = &now
		})
}

func (m *memoryStore) Get(ctx context.Context, taskID string) (*store.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *memoryStore) List(ctx context.Context, filter store.ListFilter) ([]*store.Task, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []*store.Task
	for _, t := range m.tasks {
		if filter.UserID != "" && t.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		cp := *t
		matched = append(matched, &cp)
	}
	return matched, len(matched), nil
}

func (m *memoryStore) GroupID(ctx context.Context, taskID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.groups[taskID], nil
}

var _ store.Store = (*memoryStore)(nil)
