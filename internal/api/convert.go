package api

import (
	"fmt"

	"github.com/lia-systems/vm-api/internal/config"
	"github.com/lia-systems/vm-api/internal/hub"
	"github.com/lia-systems/vm-api/internal/store"
)

// toTaskResponse builds the canonical TaskResponse DTO, deriving the
// web_url and ssh_command fields from the task's state and attaching the
// owning guild's ID when the task belongs to one.
func toTaskResponse(t *store.Task, cfg *config.Config, groupID string) TaskResponse {
	resp := TaskResponse{
		ID:           t.ID,
		UserID:       t.UserID,
		Status:       string(t.Status),
		Source:       string(t.Source),
		Repositories: t.Repositories,
		CreatedAt:    t.CreatedAt,
		StartedAt:    t.StartedAt,
		CompletedAt:  t.CompletedAt,
		ExitCode:     t.ExitCode,
		WebURL:       fmt.Sprintf("%s/tasks/%s", cfg.Server.WebURL, t.ID),
	}

	if groupID != "" {
		resp.GuildID = &groupID
	}
	if t.VMID != "" {
		resp.VMID = &t.VMID
	}
	if t.ErrorMessage != "" {
		resp.ErrorMessage = &t.ErrorMessage
	}
	if t.IPAddress != "" {
		ip := t.IPAddress
		resp.IPAddress = &ip
		cmd := "ssh root@" + ip
		resp.SSHCommand = &cmd
	}

	resp.Config = &TaskConfig{
		TimeoutMinutes: &t.Config.TimeoutMinutes,
		MaxMemoryMB:    &t.Config.MaxMemoryMB,
		VCPUCount:      &t.Config.VCPUCount,
		StorageGB:      &t.Config.StorageGB,
	}

	return resp
}

// wsEventToMessage converts a Hub event into the wire WSMessage envelope,
// keyed by the discriminated type tag.
func wsEventToMessage(evt hub.Event) WSMessage {
	return WSMessage{
		Type:        string(evt.Kind),
		Data:        evt.Data,
		TimestampMs: evt.TimestampMs,
		Status:      evt.Status,
		ExitCode:    evt.ExitCode,
		Stage:       evt.Stage,
		Message:     evt.Message,
	}
}

// resolvedConfig merges a CreateTaskRequest's optional config fields over
// the service defaults, leaving any field the caller omitted untouched.
func resolvedConfig(c *TaskConfig) store.Config {
	cfg := store.DefaultConfig()
	if c == nil {
		return cfg
	}
	if c.TimeoutMinutes != nil {
		cfg.TimeoutMinutes = *c.TimeoutMinutes
	}
	if c.MaxMemoryMB != nil {
		cfg.MaxMemoryMB = *c.MaxMemoryMB
	}
	if c.VCPUCount != nil {
		cfg.VCPUCount = *c.VCPUCount
	}
	if c.StorageGB != nil {
		cfg.StorageGB = *c.StorageGB
	}
	return cfg
}

func toStoreFiles(files []TaskFile) []store.File {
	if len(files) == 0 {
		return nil
	}
	out := make([]store.File, len(files))
	for i, f := range files {
		out[i] = store.File{Name: f.Name, Content: f.Content}
	}
	return out
}
