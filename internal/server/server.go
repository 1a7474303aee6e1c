package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/hibiken/asynq"

	"github.com/lia-systems/vm-api/internal/api"
	"github.com/lia-systems/vm-api/internal/background"
	"github.com/lia-systems/vm-api/internal/config"
	"github.com/lia-systems/vm-api/internal/hub"
	"github.com/lia-systems/vm-api/internal/metrics"
	"github.com/lia-systems/vm-api/internal/reconcile"
	"github.com/lia-systems/vm-api/internal/service"
	"github.com/lia-systems/vm-api/internal/store"
	"github.com/lia-systems/vm-api/internal/vmmanager"
)

// reconcileTaskType names the asynq task the scheduler enqueues and the
// worker handles.
const reconcileTaskType = "reconcile:sweep"

// reconcileCronSpec runs the row/handle reconciliation sweep every 5
// minutes; a much tighter interval buys nothing since only a crash or a
// killed hypervisor process produces an orphan between sweeps.
const reconcileCronSpec = "*/5 * * * *"

// Server owns the HTTP listener, the metrics listener, and the asynq
// scheduler/worker pair that runs the periodic reconciliation sweep.
type Server struct {
	cfg  *config.Config
	deps *Dependency
	vm   vmmanager.Manager
	st   store.Store
	svc  *service.Service
	reg  *background.Registry

	httpServer *http.Server

	asynqServer    *asynq.Server
	asynqMux       *asynq.ServeMux
	asynqScheduler *asynq.Scheduler

	logger *slog.Logger
}

func NewServer(cfg *config.Config, deps *Dependency) *Server {
	logger := deps.Logger

	st := store.NewPGStore(deps.PG, deps.Redis)
	vm := vmmanager.NewFirecrackerManager(cfg.Hypervisor, cfg.Network, cfg.VM, logger)
	h := hub.New()
	reg := background.NewRegistry()
	svc := service.New(st, vm, h, reg, cfg, logger)

	router := api.NewRouter(svc, cfg, logger)
	httpServer := &http.Server{
		Addr:    cfg.Server.Addr(),
		Handler: router,
	}

	asynqServer := asynq.NewServer(deps.AsynqRedis, asynq.Config{
		Concurrency: 2,
		Logger:      newAsynqLogger(logger),
	})
	asynqMux := asynq.NewServeMux()
	asynqMux.HandleFunc(reconcileTaskType, func(ctx context.Context, _ *asynq.Task) error {
		reconcile.Sweep(ctx, vm, st, logger)
		return nil
	})

	scheduler := asynq.NewScheduler(deps.AsynqRedis, &asynq.SchedulerOpts{
		Logger: newAsynqLogger(logger),
	})

	return &Server{
		cfg:            cfg,
		deps:           deps,
		vm:             vm,
		st:             st,
		svc:            svc,
		reg:            reg,
		httpServer:     httpServer,
		asynqServer:    asynqServer,
		asynqMux:       asynqMux,
		asynqScheduler: scheduler,
		logger:         logger,
	}
}

// Start runs the reconciliation sweep once synchronously so no task is left
// pointing at a dead VM handle (or vice versa) from before this process
// started, then starts the metrics server, the asynq worker and scheduler,
// and the HTTP server, blocking until ctx is cancelled or the HTTP server
// fails.
func (s *Server) Start(ctx context.Context) error {
	reconcile.Sweep(ctx, s.vm, s.st, s.logger)

	if _, err := s.asynqScheduler.Register(reconcileCronSpec, asynq.NewTask(reconcileTaskType, nil)); err != nil {
		s.logger.Error("failed to register reconciliation schedule", "error", err)
	}

	go func() {
		if err := metrics.StartServer(ctx, s.cfg.Metrics.Addr, s.logger); err != nil {
			s.logger.Error("metrics server failed", "error", err)
		}
	}()

	go func() {
		s.logger.Info("starting asynq worker", "concurrency", 2)
		if err := s.asynqServer.Start(s.asynqMux); err != nil {
			s.logger.Error("asynq worker failed", "error", err)
		}
	}()

	go func() {
		s.logger.Info("starting reconciliation scheduler", "cron", reconcileCronSpec)
		if err := s.asynqScheduler.Run(); err != nil {
			s.logger.Error("asynq scheduler failed", "error", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting http server", "addr", s.cfg.Server.Addr())
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining")
	case err := <-errCh:
		return err
	}

	return s.Shutdown()
}

func (s *Server) Shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("http server shutdown error", "error", err)
	}

	s.asynqScheduler.Shutdown()
	s.asynqServer.Shutdown()

	s.logger.Info("server stopped gracefully")
	return nil
}

type asynqLogger struct {
	l *slog.Logger
}

func newAsynqLogger(l *slog.Logger) *asynqLogger {
	return &asynqLogger{l: l.With("component", "asynq")}
}

func (a *asynqLogger) Debug(args ...any) { a.l.Debug("", "msg", toMsg(args)) }
func (a *asynqLogger) Info(args ...any)  { a.l.Info("", "msg", toMsg(args)) }
func (a *asynqLogger) Warn(args ...any)  { a.l.Warn("", "msg", toMsg(args)) }
func (a *asynqLogger) Error(args ...any) { a.l.Error("", "msg", toMsg(args)) }
func (a *asynqLogger) Fatal(args ...any) { a.l.Error("FATAL", "msg", toMsg(args)) }

func toMsg(args []any) string {
	b, err := json.Marshal(args)
	if err != nil {
		return ""
	}
	return string(b)
}
