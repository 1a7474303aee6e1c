// Package service orchestrates the Task Store, VM Manager, Vsock Relay, and
// Subscription Hub into the request-level operations the HTTP/WS Front
// calls.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lia-systems/vm-api/internal/apperr"
	"github.com/lia-systems/vm-api/internal/background"
	"github.com/lia-systems/vm-api/internal/config"
	"github.com/lia-systems/vm-api/internal/hub"
	"github.com/lia-systems/vm-api/internal/relay"
	"github.com/lia-systems/vm-api/internal/store"
	"github.com/lia-systems/vm-api/internal/vmmanager"
)

// ErrNoActiveSession is returned by SendInput when a task has no live
// relay session to forward input into (not yet running, or terminated).
var ErrNoActiveSession = errors.New("task has no active relay session")

// CreateTaskParams is the orchestration-level input for CreateTask, kept
// independent of the api package's wire DTO so this package never imports it.
type CreateTaskParams struct {
	UserID       string
	Source       store.Source
	Repositories []string
	Prompt       string
	Config       store.Config
	Files        []store.File
	SSHPublicKey string
	GroupID      string
}

// Service is the single orchestration point behind the HTTP/WS Front,
// holding the handles to every other component.
type Service struct {
	store    store.Store
	vm       vmmanager.Manager
	hub      *hub.Hub
	registry *background.Registry
	cfg      *config.Config
	logger   *slog.Logger

	mu         sync.Mutex
	sessions   map[string]*relay.Session
	idleTimers map[string]*background.IdleTimer
}

func New(st store.Store, vm vmmanager.Manager, h *hub.Hub, reg *background.Registry, cfg *config.Config, logger *slog.Logger) *Service {
	return &Service{
		store:      st,
		vm:         vm,
		hub:        h,
		registry:   reg,
		cfg:        cfg,
		logger:     logger.With("component", "service"),
		sessions:   make(map[string]*relay.Session),
		idleTimers: make(map[string]*background.IdleTimer),
	}
}

// CreateTask inserts the pending row, synchronously reserves a vm id and
// context id and records the pending->starting transition, then hands the
// rest of the boot pipeline (VM create, relay connect, mark_running) to a
// background goroutine registered in the cancellation set.
func (s *Service) CreateTask(ctx context.Context, p CreateTaskParams) (*store.Task, error) {
	task, err := s.store.Create(ctx, p.UserID, p.Source, p.Repositories, p.Config, p.Files, p.SSHPublicKey, p.GroupID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "service.CreateTask", err)
	}

	vmID, contextID, err := s.vm.Reserve(task.ID)
	if err != nil {
		code := 1
		_ = s.store.MarkTerminated(ctx, task.ID, &code, err.Error())
		return nil, apperr.Wrap(apperr.KindAllocation, "service.CreateTask", err)
	}

	if err := s.store.MarkStarting(ctx, task.ID, vmID, contextID); err != nil {
		if errors.Is(err, store.ErrInvalidState) {
			return nil, apperr.Wrap(apperr.KindInvalidState, "service.CreateTask", err)
		}
		return nil, apperr.Wrap(apperr.KindStorage, "service.CreateTask", err)
	}
	task.Status = store.StatusStarting
	task.VMID = vmID
	task.ContextID = contextID

	bootCtx := s.registry.Register(context.Background(), task.ID)
	go s.runBootPipeline(bootCtx, task.ID, vmID, contextID, p)

	return task, nil
}

// runBootPipeline is the detached background task that creates the VM,
// connects the relay, and marks the task running, publishing a progress
// event at every boot-pipeline stage. A 30s deadline from mark_starting to
// mark_running applies; breach fails the task.
func (s *Service) runBootPipeline(ctx context.Context, taskID, vmID string, contextID int, p CreateTaskParams) {
	deadline, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	report := func(stage string) {
		s.hub.PublishProgress(taskID, stage, vmmanager.StageMessage(stage))
	}
	report(vmmanager.StageCreatingVM)

	handle, err := s.vm.Create(deadline, vmmanager.CreateParams{
		TaskID: taskID,
		Resources: vmmanager.Resources{
			VCPUCount: p.Config.VCPUCount,
			MemoryMB:  p.Config.MaxMemoryMB,
			StorageGB: p.Config.StorageGB,
		},
		SSHPublicKey: p.SSHPublicKey,
		ContextID:    contextID,
		VMID:         vmID,
	}, func(stage, message string) { s.hub.PublishProgress(taskID, stage, message) })
	if err != nil {
		s.failTask(taskID, apperr.Wrap(apperr.KindVmLaunch, "service.runBootPipeline", err))
		return
	}

	report(vmmanager.StageConnectingAgent)

	files := make([]relay.TaskFile, 0, len(p.Files))
	for _, f := range p.Files {
		files = append(files, relay.TaskFile{Name: f.Name, Content: f.Content})
	}

	idle := background.NewIdleTimer(taskID, s.cfg.VM.IdleTimeout(), s.vm, s.store, s.hub, s.logger)
	sink := &idleResettingSink{hub: s.hub, idle: idle}

	onExit := func(code int) { s.handleGuestExit(taskID, code) }

	// The session outlives this function, so its context follows ctx (which
	// terminate cancels); the boot deadline only bounds the handshake.
	relayCtx, relayCancel := context.WithCancel(ctx)
	stopDeadline := context.AfterFunc(deadline, relayCancel)
	session, err := relay.Start(relayCtx, taskID, handle.VsockPath, s.cfg.Secrets.AgentAPIKey, p.Prompt, files, sink, onExit, s.logger)
	stopDeadline()
	if err != nil {
		relayCancel()
		_ = s.vm.Terminate(context.Background(), taskID)
		s.failTask(taskID, apperr.Wrap(apperr.KindRelayHandshake, "service.runBootPipeline", err))
		return
	}

	report(vmmanager.StageInitializingClaude)

	s.mu.Lock()
	s.sessions[taskID] = session
	s.idleTimers[taskID] = idle
	s.mu.Unlock()

	idleCtx := s.registry.Register(ctx, taskID)
	go idle.Run(idleCtx)

	if err := s.store.MarkRunning(ctx, taskID, handle.IPAddress); err != nil {
		s.logger.Error("mark_running failed", "task_id", taskID, "error", err)
		return
	}
	s.hub.PublishStatus(taskID, string(store.StatusRunning), nil)
	report(vmmanager.StageReady)
}

// idleResettingSink wraps the Hub as a relay.Sink, resetting the idle timer
// on every non-heartbeat output frame without making the Hub package aware
// of the idle-suspend timer.
type idleResettingSink struct {
	hub  *hub.Hub
	idle *background.IdleTimer
}

func (s *idleResettingSink) PublishOutput(taskID, data string) {
	s.idle.Reset()
	s.hub.PublishOutput(taskID, data)
}

func (s *idleResettingSink) PublishExit(taskID string, code int) {
	s.hub.PublishExit(taskID, code)
}

func (s *idleResettingSink) PublishError(taskID, message string) {
	s.hub.PublishError(taskID, message)
}

// failTask records a terminal error: the Task Store transitions to
// terminated with exit_code=1 and the Hub publishes one error event. Never
// panics.
func (s *Service) failTask(taskID string, err error) {
	code := 1
	if mErr := s.store.MarkTerminated(context.Background(), taskID, &code, err.Error()); mErr != nil {
		s.logger.Error("mark_terminated on failure failed", "task_id", taskID, "error", mErr)
	}
	s.hub.PublishError(taskID, err.Error())
	s.cleanupTask(taskID)
}

// handleGuestExit is the relay's ExitHandler: a normal completion, not an
// error. Marks the task terminated with the guest's exit code and asks the
// VM Manager to terminate.
func (s *Service) handleGuestExit(taskID string, code int) {
	ctx := context.Background()
	if err := s.store.MarkTerminated(ctx, taskID, &code, ""); err != nil {
		s.logger.Error("mark_terminated on exit failed", "task_id", taskID, "error", err)
	}
	if err := s.vm.Terminate(ctx, taskID); err != nil {
		s.logger.Error("vm terminate on exit failed", "task_id", taskID, "error", err)
	}
	s.hub.MarkTerminated(taskID)
	s.cleanupTask(taskID)
}

func (s *Service) cleanupTask(taskID string) {
	s.registry.Cancel(taskID)

	s.mu.Lock()
	sess, hasSession := s.sessions[taskID]
	idle, hasIdle := s.idleTimers[taskID]
	delete(s.sessions, taskID)
	delete(s.idleTimers, taskID)
	s.mu.Unlock()

	if hasSession {
		sess.Close()
	}
	if hasIdle {
		idle.Stop()
	}
}

// TerminateTask implements DELETE /tasks/{id}, including the open-question
// decision that a pending task transitions straight to terminated without
// touching the VM Manager (no VM was ever allocated).
func (s *Service) TerminateTask(ctx context.Context, taskID string) error {
	task, err := s.store.Get(ctx, taskID)
	if err != nil {
		return apperr.Wrap(apperr.KindNotFound, "service.TerminateTask", err)
	}

	if task.Status == store.StatusTerminated {
		return nil
	}

	if task.Status != store.StatusPending {
		if err := s.vm.Terminate(ctx, taskID); err != nil {
			return apperr.Wrap(apperr.KindVmLaunch, "service.TerminateTask", err)
		}
	}

	if err := s.store.MarkTerminated(ctx, taskID, nil, ""); err != nil {
		if errors.Is(err, store.ErrInvalidState) {
			return apperr.Wrap(apperr.KindInvalidState, "service.TerminateTask", err)
		}
		return apperr.Wrap(apperr.KindStorage, "service.TerminateTask", err)
	}

	s.hub.PublishStatus(taskID, string(store.StatusTerminated), nil)
	s.hub.MarkTerminated(taskID)
	s.cleanupTask(taskID)
	return nil
}

// ResumeTask implements POST /tasks/{id}/resume: only valid from suspended.
func (s *Service) ResumeTask(ctx context.Context, taskID string) (*store.Task, error) {
	task, err := s.store.Get(ctx, taskID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindNotFound, "service.ResumeTask", err)
	}
	if task.Status != store.StatusSuspended {
		return nil, apperr.New(apperr.KindInvalidState, "service.ResumeTask",
			fmt.Errorf("%w: resume requires status suspended, got %s", store.ErrInvalidState, task.Status))
	}

	if err := s.vm.Resume(ctx, taskID); err != nil {
		return nil, apperr.Wrap(apperr.KindVmLaunch, "service.ResumeTask", err)
	}
	if err := s.store.MarkResumed(ctx, taskID); err != nil {
		if errors.Is(err, store.ErrInvalidState) {
			return nil, apperr.Wrap(apperr.KindInvalidState, "service.ResumeTask", err)
		}
		return nil, apperr.Wrap(apperr.KindStorage, "service.ResumeTask", err)
	}
	s.hub.PublishStatus(taskID, string(store.StatusRunning), nil)

	s.mu.Lock()
	idle := s.idleTimers[taskID]
	s.mu.Unlock()
	if idle != nil {
		idle.Reset()
	}

	return s.store.Get(ctx, taskID)
}

func (s *Service) GetTask(ctx context.Context, taskID string) (*store.Task, error) {
	task, err := s.store.Get(ctx, taskID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindNotFound, "service.GetTask", err)
	}
	return task, nil
}

// GroupID returns the guild/group association for taskID, or "" if the task
// was never created with one.
func (s *Service) GroupID(ctx context.Context, taskID string) (string, error) {
	gid, err := s.store.GroupID(ctx, taskID)
	if err != nil {
		return "", apperr.Wrap(apperr.KindStorage, "service.GroupID", err)
	}
	return gid, nil
}

func (s *Service) ListTasks(ctx context.Context, filter store.ListFilter) ([]*store.Task, int, error) {
	items, total, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, 0, apperr.Wrap(apperr.KindStorage, "service.ListTasks", err)
	}
	return items, total, nil
}

// GetOutput backs GET /api/v1/tasks/{id}/output: the Hub's current replay
// snapshot served as a plain REST array.
func (s *Service) GetOutput(ctx context.Context, taskID string) ([]hub.Event, error) {
	if _, err := s.store.Get(ctx, taskID); err != nil {
		return nil, apperr.Wrap(apperr.KindNotFound, "service.GetOutput", err)
	}
	return s.hub.Peek(taskID), nil
}

// Subscribe backs the WebSocket handler's upgrade path.
func (s *Service) Subscribe(ctx context.Context, taskID string) (*hub.Subscription, error) {
	if _, err := s.store.Get(ctx, taskID); err != nil {
		return nil, apperr.Wrap(apperr.KindNotFound, "service.Subscribe", err)
	}
	return s.hub.Subscribe(taskID), nil
}

func (s *Service) Unsubscribe(sub *hub.Subscription) {
	s.hub.Unsubscribe(sub)
}

// SendInput forwards a subscriber's input frame to the relay writer and
// resets the idle-suspend clock.
func (s *Service) SendInput(taskID, data string) error {
	s.mu.Lock()
	session, ok := s.sessions[taskID]
	idle := s.idleTimers[taskID]
	s.mu.Unlock()

	if !ok {
		return apperr.New(apperr.KindInvalidState, "service.SendInput", ErrNoActiveSession)
	}
	if idle != nil {
		idle.Reset()
	}
	if err := session.Input(data); err != nil {
		return apperr.Wrap(apperr.KindInternal, "service.SendInput", err)
	}
	return nil
}
