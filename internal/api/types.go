package api

import "time"

// CreateTaskRequest is the POST /api/v1/tasks body, schema per the task
// lifecycle's normative request shape.
type CreateTaskRequest struct {
	Prompt       string      `json:"prompt" binding:"required,min=1,max=100000"`
	Repositories []string    `json:"repositories" binding:"required,min=1,dive,required"`
	Source       string      `json:"source" binding:"required,oneof=discord web"`
	UserID       string      `json:"user_id,omitempty"`
	GuildID      string      `json:"guild_id,omitempty"`
	Config       *TaskConfig `json:"config,omitempty"`
	Files        []TaskFile  `json:"files,omitempty"`
	SSHPublicKey string      `json:"ssh_public_key,omitempty"`
}

type TaskConfig struct {
	TimeoutMinutes *int `json:"timeout_minutes,omitempty"`
	MaxMemoryMB    *int `json:"max_memory_mb,omitempty"`
	VCPUCount      *int `json:"vcpu_count,omitempty"`
	StorageGB      *int `json:"storage_gb,omitempty"`
}

type TaskFile struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// TaskResponse is the canonical task representation returned by every
// endpoint that surfaces a task, including the derived ssh_command and
// web_url fields the original implementation computes in
// TaskResponse::from_task.
type TaskResponse struct {
	ID           string      `json:"id"`
	UserID       string      `json:"user_id,omitempty"`
	GuildID      *string     `json:"guild_id"`
	Status       string      `json:"status"`
	Source       string      `json:"source"`
	Repositories []string    `json:"repositories"`
	VMID         *string     `json:"vm_id"`
	Config       *TaskConfig `json:"config"`
	CreatedAt    time.Time   `json:"created_at"`
	StartedAt    *time.Time  `json:"started_at"`
	CompletedAt  *time.Time  `json:"completed_at"`
	ExitCode     *int        `json:"exit_code"`
	ErrorMessage *string     `json:"error_message"`
	WebURL       string      `json:"web_url"`
	SSHCommand   *string     `json:"ssh_command"`
	IPAddress    *string     `json:"ip_address"`
}

type TaskListResponse struct {
	Tasks   []TaskResponse `json:"tasks"`
	Total   int            `json:"total"`
	Page    int            `json:"page"`
	PerPage int            `json:"per_page"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// WSMessage is the discriminated server<->client WebSocket envelope; server
// sends output/status/progress/error/pong, client sends input/ping.
type WSMessage struct {
	Type        string  `json:"type"`
	Data        string  `json:"data,omitempty"`
	TimestampMs int64   `json:"timestamp_ms,omitempty"`
	Status      string  `json:"status,omitempty"`
	ExitCode    *int    `json:"exit_code,omitempty"`
	Stage       string  `json:"stage,omitempty"`
	Message     string  `json:"message,omitempty"`
}
