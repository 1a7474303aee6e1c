package service_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lia-systems/vm-api/internal/apperr"
	"github.com/lia-systems/vm-api/internal/background"
	"github.com/lia-systems/vm-api/internal/config"
	"github.com/lia-systems/vm-api/internal/hub"
	"github.com/lia-systems/vm-api/internal/service"
	"github.com/lia-systems/vm-api/internal/store"
	"github.com/lia-systems/vm-api/internal/vmmanager"
)

// fakeStore is an in-memory store.Store, the same shape store's own tests
// use for a fake repository instead of live Postgres/Redis.
type fakeStore struct {
	mu    sync.Mutex
	tasks map[string]*store.Task
	seq   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: make(map[string]*store.Task)}
}

func (s *fakeStore) Create(ctx context.Context, userID string, source store.Source, repositories []string, cfg store.Config, files []store.File, sshPublicKey, groupID string) (*store.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	t := &store.Task{
		ID:           "task-" + time.Now().Format("150405.000000000") + "-" + itoa(s.seq),
		UserID:       userID,
		Status:       store.StatusPending,
		Source:       source,
		Repositories: repositories,
		Config:       cfg,
		Files:        files,
		SSHPublicKey: sshPublicKey,
		CreatedAt:    time.Now().UTC(),
	}
	s.tasks[t.ID] = t
	cp := *t
	return &cp, nil
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func (s *fakeStore) MarkStarting(ctx context.Context, taskID, vmID string, contextID int) error {
	return s.transition(taskID, store.StatusPending, func(t *store.Task) {
		t.Status = store.StatusStarting
		t.VMID = vmID
		t.ContextID = contextID
	})
}

func (s *fakeStore) MarkRunning(ctx context.Context, taskID, ip string) error {
	return s.transition(taskID, store.StatusStarting, func(t *store.Task) {
		t.Status = store.StatusRunning
		t.IPAddress = ip
		now := time.Now().UTC()
		t.StartedAt = &now
	})
}

func (s *fakeStore) MarkSuspended(ctx context.Context, taskID string) error {
	return s.transition(taskID, store.StatusRunning, func(t *store.Task) { t.Status = store.StatusSuspended })
}

func (s *fakeStore) MarkResumed(ctx context.Context, taskID string) error {
	return s.transition(taskID, store.StatusSuspended, func(t *store.Task) { t.Status = store.StatusRunning })
}

func (s *fakeStore) MarkTerminated(ctx context.Context, taskID string, exitCode *int, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return store.ErrNotFound
	}
	if t.Status == store.StatusTerminated {
		return store.ErrInvalidState
	}
	t.Status = store.StatusTerminated
	t.ExitCode = exitCode
	t.ErrorMessage = errorMessage
	now := time.Now().UTC()
	t.CompletedAt = &now
	return nil
}

func (s *fakeStore) transition(taskID string, from store.Status, mutate func(*store.Task)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return store.ErrNotFound
	}
	if t.Status != from {
		return store.ErrInvalidState
	}
	mutate(t)
	return nil
}

func (s *fakeStore) Get(ctx context.Context, taskID string) (*store.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *fakeStore) List(ctx context.Context, filter store.ListFilter) ([]*store.Task, int, error) {
	return nil, 0, nil
}

func (s *fakeStore) GroupID(ctx context.Context, taskID string) (string, error) {
	return "", nil
}

// fakeVM is a configurable vmmanager.Manager test double.
type fakeVM struct {
	mu sync.Mutex

	reserveErr  error
	createErr   error
	terminated  []string
	resumed     []string
	paused      []string
}

func (f *fakeVM) Reserve(taskID string) (string, int, error) {
	if f.reserveErr != nil {
		return "", 0, f.reserveErr
	}
	return "vm-" + taskID, 100, nil
}

func (f *fakeVM) Create(ctx context.Context, params vmmanager.CreateParams, onProgress vmmanager.ProgressFunc) (*vmmanager.Handle, error) {
	if onProgress != nil {
		onProgress(vmmanager.StageCreatingVM, "")
	}
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &vmmanager.Handle{TaskID: params.TaskID, VMID: params.VMID, ContextID: params.ContextID, IPAddress: "172.16.0.100"}, nil
}

func (f *fakeVM) Pause(ctx context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = append(f.paused, taskID)
	return nil
}

func (f *fakeVM) Resume(ctx context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed = append(f.resumed, taskID)
	return nil
}

func (f *fakeVM) Terminate(ctx context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, taskID)
	return nil
}

func (f *fakeVM) Handle(taskID string) (*vmmanager.Handle, bool) {
	return nil, false
}

func (f *fakeVM) LiveTaskIDs() []string {
	return nil
}

func (f *fakeVM) wasTerminated(taskID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.terminated {
		if id == taskID {
			return true
		}
	}
	return false
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.VM.IdleTimeoutMinutes = 30
	return cfg
}

func TestCreateTaskReservesIDsSynchronouslyThenFailsBootInBackground(t *testing.T) {
	st := newFakeStore()
	vm := &fakeVM{createErr: errors.New("preflight: missing kernel image")}
	h := hub.New()
	reg := background.NewRegistry()
	svc := service.New(st, vm, h, reg, testConfig(), testLogger())

	task, err := svc.CreateTask(context.Background(), service.CreateTaskParams{
		UserID:       "user-1",
		Source:       store.SourceWeb,
		Repositories: []string{"a/b"},
		Prompt:       "hello",
		Config:       store.DefaultConfig(),
	})
	require.NoError(t, err)
	assert.Equal(t, store.StatusStarting, task.Status)
	assert.Equal(t, "vm-"+task.ID, task.VMID)
	assert.Equal(t, 100, task.ContextID)

	require.Eventually(t, func() bool {
		got, err := st.Get(context.Background(), task.ID)
		return err == nil && got.Status == store.StatusTerminated
	}, 2*time.Second, 10*time.Millisecond)

	got, err := st.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, *got.ExitCode)
	assert.Contains(t, got.ErrorMessage, "preflight")
}

func TestCreateTaskAllocationFailureTerminatesImmediately(t *testing.T) {
	st := newFakeStore()
	vm := &fakeVM{reserveErr: vmmanager.ErrAllocation}
	h := hub.New()
	reg := background.NewRegistry()
	svc := service.New(st, vm, h, reg, testConfig(), testLogger())

	_, err := svc.CreateTask(context.Background(), service.CreateTaskParams{
		UserID:       "user-1",
		Source:       store.SourceWeb,
		Repositories: []string{"a/b"},
		Config:       store.DefaultConfig(),
	})
	require.Error(t, err)
	assert.Equal(t, apperr.KindAllocation, apperr.KindOf(err))
}

func TestTerminatePendingTaskSkipsVMManager(t *testing.T) {
	st := newFakeStore()
	vm := &fakeVM{}
	h := hub.New()
	reg := background.NewRegistry()
	svc := service.New(st, vm, h, reg, testConfig(), testLogger())

	task, err := st.Create(context.Background(), "user-1", store.SourceWeb, []string{"a/b"}, store.DefaultConfig(), nil, "", "")
	require.NoError(t, err)

	require.NoError(t, svc.TerminateTask(context.Background(), task.ID))
	assert.False(t, vm.wasTerminated(task.ID))

	got, err := st.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusTerminated, got.Status)
}

func TestTerminateIsIdempotent(t *testing.T) {
	st := newFakeStore()
	vm := &fakeVM{}
	h := hub.New()
	reg := background.NewRegistry()
	svc := service.New(st, vm, h, reg, testConfig(), testLogger())

	task, err := st.Create(context.Background(), "user-1", store.SourceWeb, []string{"a/b"}, store.DefaultConfig(), nil, "", "")
	require.NoError(t, err)

	require.NoError(t, svc.TerminateTask(context.Background(), task.ID))
	require.NoError(t, svc.TerminateTask(context.Background(), task.ID))
}

func TestResumeRejectedWhenNotSuspended(t *testing.T) {
	st := newFakeStore()
	vm := &fakeVM{}
	h := hub.New()
	reg := background.NewRegistry()
	svc := service.New(st, vm, h, reg, testConfig(), testLogger())

	task, err := st.Create(context.Background(), "user-1", store.SourceWeb, []string{"a/b"}, store.DefaultConfig(), nil, "", "")
	require.NoError(t, err)

	_, err = svc.ResumeTask(context.Background(), task.ID)
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalidState, apperr.KindOf(err))
}

func TestSendInputWithoutActiveSessionFails(t *testing.T) {
	st := newFakeStore()
	vm := &fakeVM{}
	h := hub.New()
	reg := background.NewRegistry()
	svc := service.New(st, vm, h, reg, testConfig(), testLogger())

	err := svc.SendInput("nonexistent-task", "hello")
	require.Error(t, err)
	assert.ErrorIs(t, err, service.ErrNoActiveSession)
}
