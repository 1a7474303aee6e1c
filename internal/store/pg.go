package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-pg/pg/v10"
	"github.com/go-pg/pg/v10/orm"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const getCacheTTL = 5 * time.Second

var _ Store = (*PGStore)(nil)

// taskModel is the go-pg row shape for the Task Store's main tasks table.
type taskModel struct {
	tableName struct{} `pg:"tasks"` //nolint:unused

	ID           string    `pg:"id,pk"`
	UserID       string    `pg:"user_id,notnull"`
	Status       Status    `pg:"status,notnull"`
	Source       Source    `pg:"source,notnull"`
	Repositories []string  `pg:"repositories,array"`
	VMID         string    `pg:"vm_id"`
	IPAddress    string    `pg:"ip_address"`
	ContextID    int       `pg:"context_id"`
	ConfigJSON   []byte    `pg:"config,type:jsonb"`
	FilesJSON    []byte    `pg:"files,type:jsonb"`
	SSHPublicKey string    `pg:"ssh_public_key"`
	CreatedAt    time.Time `pg:"created_at,notnull"`
	StartedAt    *time.Time `pg:"started_at"`
	CompletedAt  *time.Time `pg:"completed_at"`
	ExitCode     *int      `pg:"exit_code"`
	ErrorMessage string    `pg:"error_message"`
}

// groupModel is the side table associating a task with an opaque group id.
type groupModel struct {
	tableName struct{} `pg:"guild_tasks"` //nolint:unused

	TaskID    string    `pg:"task_id,pk"`
	GroupID   string    `pg:"group_id,notnull"`
	CreatedAt time.Time `pg:"created_at,notnull"`
}

// PGStore is the durable Task Store, backed by Postgres via go-pg with a
// Redis read-through cache on Get.
type PGStore struct {
	db    *pg.DB
	redis redis.Cmdable
}

func NewPGStore(db *pg.DB, redisClient redis.Cmdable) *PGStore {
	return &PGStore{db: db, redis: redisClient}
}

// Migrate creates the tasks and guild_tasks tables if they don't already
// exist. Called once at server startup.
func Migrate(db *pg.DB) error {
	models := []interface{}{
		(*taskModel)(nil),
		(*groupModel)(nil),
	}
	for _, m := range models {
		if err := db.Model(m).CreateTable(&orm.CreateTableOptions{IfNotExists: true}); err != nil {
			return fmt.Errorf("auto-migrate %T: %w", m, err)
		}
	}
	return nil
}

func cacheKey(taskID string) string {
	return "task:" + taskID + ":row"
}

func (s *PGStore) Create(ctx context.Context, userID string, source Source, repositories []string, cfg Config, files []File, sshPublicKey string, groupID string) (*Task, error) {
	configJSON, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	filesJSON, err := json.Marshal(files)
	if err != nil {
		return nil, fmt.Errorf("marshal files: %w", err)
	}

	model := &taskModel{
		ID:           uuid.New().String(),
		UserID:       userID,
		Status:       StatusPending,
		Source:       source,
		Repositories: repositories,
		ConfigJSON:   configJSON,
		FilesJSON:    filesJSON,
		SSHPublicKey: sshPublicKey,
		CreatedAt:    time.Now().UTC(),
	}

	err = s.db.RunInTransaction(ctx, func(tx *pg.Tx) error {
		if _, err := tx.Model(model).Insert(); err != nil {
			return err
		}
		if groupID != "" {
			g := &groupModel{TaskID: model.ID, GroupID: groupID, CreatedAt: model.CreatedAt}
			if _, err := tx.Model(g).Insert(); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	return fromModel(model, files, cfg), nil
}

func (s *PGStore) MarkStarting(ctx context.Context, taskID, vmID string, contextID int) error {
	return s.transition(ctx, taskID, "mark_starting", []Status{StatusPending}, func(m *taskModel) {
		m.Status = StatusStarting
		m.VMID = vmID
		m.ContextID = contextID
	})
}

func (s *PGStore) MarkRunning(ctx context.Context, taskID, ip string) error {
	return s.transition(ctx, taskID, "mark_running", []Status{StatusStarting}, func(m *taskModel) {
		m.Status = StatusRunning
		m.IPAddress = ip
		if m.StartedAt == nil {
			now := time.Now().UTC()
			m.StartedAt = &now
		}
	})
}

func (s *PGStore) MarkSuspended(ctx context.Context, taskID string) error {
	return s.transition(ctx, taskID, "mark_suspended", []Status{StatusRunning}, func(m *taskModel) {
		m.Status = StatusSuspended
	})
}

func (s *PGStore) MarkResumed(ctx context.Context, taskID string) error {
	return s.transition(ctx, taskID, "mark_resumed", []Status{StatusSuspended}, func(m *taskModel) {
		m.Status = StatusRunning
	})
}

func (s *PGStore) MarkTerminated(ctx context.Context, taskID string, exitCode *int, errorMessage string) error {
	return s.transition(ctx, taskID, "mark_terminated",
		[]Status{StatusPending, StatusStarting, StatusRunning, StatusSuspended},
		func(m *taskModel) {
			m.Status = StatusTerminated
			m.ExitCode = exitCode
			m.ErrorMessage = errorMessage
			now := time.Now().UTC()
			m.CompletedAt = &now
		})
}

// transition loads the row, asserts its current status is one of allowed,
// applies mutate, and writes it back inside a single transaction so the
// read-check-write is atomic with respect to other writers of the same row.
func (s *PGStore) transition(ctx context.Context, taskID, op string, allowed []Status, mutate func(*taskModel)) error {
	err := s.db.RunInTransaction(ctx, func(tx *pg.Tx) error {
		model := &taskModel{ID: taskID}
		if err := tx.Model(model).WherePK().For("UPDATE").Select(); err != nil {
			if err == pg.ErrNoRows {
				return ErrNotFound
			}
			return err
		}

		if err := assertStatus(op, model.Status, allowed...); err != nil {
			return err
		}

		mutate(model)

		if _, err := tx.Model(model).WherePK().Update(); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.invalidate(ctx, taskID)
	return nil
}

func (s *PGStore) Get(ctx context.Context, taskID string) (*Task, error) {
	if s.redis != nil {
		if val, err := s.redis.Get(ctx, cacheKey(taskID)).Result(); err == nil {
			var model taskModel
			if jerr := json.Unmarshal([]byte(val), &model); jerr == nil {
				return s.toTask(&model)
			}
		}
	}

	model := &taskModel{ID: taskID}
	if err := s.db.ModelContext(ctx, model).WherePK().Select(); err != nil {
		if err == pg.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if s.redis != nil {
		if data, err := json.Marshal(model); err == nil {
			_ = s.redis.Set(ctx, cacheKey(taskID), data, getCacheTTL).Err()
		}
	}

	return s.toTask(model)
}

func (s *PGStore) List(ctx context.Context, filter ListFilter) ([]*Task, int, error) {
	page := filter.Page
	if page < 1 {
		page = 1
	}
	perPage := filter.PerPage
	if perPage <= 0 {
		perPage = 20
	}
	if perPage > 100 {
		perPage = 100
	}

	var models []taskModel
	q := s.db.ModelContext(ctx, &models).Order("created_at DESC")
	if filter.UserID != "" {
		q = q.Where("user_id = ?", filter.UserID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}

	total, err := q.Count()
	if err != nil {
		return nil, 0, err
	}

	if err := q.Offset((page - 1) * perPage).Limit(perPage).Select(); err != nil {
		return nil, 0, err
	}

	tasks := make([]*Task, 0, len(models))
	for i := range models {
		t, err := s.toTask(&models[i])
		if err != nil {
			return nil, 0, err
		}
		tasks = append(tasks, t)
	}
	return tasks, total, nil
}

func (s *PGStore) GroupID(ctx context.Context, taskID string) (string, error) {
	g := &groupModel{TaskID: taskID}
	if err := s.db.ModelContext(ctx, g).WherePK().Select(); err != nil {
		if err == pg.ErrNoRows {
			return "", nil
		}
		return "", err
	}
	return g.GroupID, nil
}

func (s *PGStore) invalidate(ctx context.Context, taskID string) {
	if s.redis == nil {
		return
	}
	_ = s.redis.Del(ctx, cacheKey(taskID)).Err()
}

func (s *PGStore) toTask(m *taskModel) (*Task, error) {
	var cfg Config
	if len(m.ConfigJSON) > 0 {
		if err := json.Unmarshal(m.ConfigJSON, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}
	var files []File
	if len(m.FilesJSON) > 0 {
		if err := json.Unmarshal(m.FilesJSON, &files); err != nil {
			return nil, fmt.Errorf("unmarshal files: %w", err)
		}
	}
	return &Task{
		ID:           m.ID,
		UserID:       m.UserID,
		Status:       m.Status,
		Source:       m.Source,
		Repositories: m.Repositories,
		VMID:         m.VMID,
		IPAddress:    m.IPAddress,
		ContextID:    m.ContextID,
		Config:       cfg,
		Files:        files,
		SSHPublicKey: m.SSHPublicKey,
		CreatedAt:    m.CreatedAt,
		StartedAt:    m.StartedAt,
		CompletedAt:  m.CompletedAt,
		ExitCode:     m.ExitCode,
		ErrorMessage: m.ErrorMessage,
	}, nil
}

func fromModel(m *taskModel, files []File, cfg Config) *Task {
	return &Task{
		ID:           m.ID,
		UserID:       m.UserID,
		Status:       m.Status,
		Source:       m.Source,
		Repositories: m.Repositories,
		Config:       cfg,
		Files:        files,
		SSHPublicKey: m.SSHPublicKey,
		CreatedAt:    m.CreatedAt,
	}
}
