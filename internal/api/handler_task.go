package api

import (
	"errors"
	"net/http"
	"regexp"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/lia-systems/vm-api/internal/config"
	"github.com/lia-systems/vm-api/internal/service"
	"github.com/lia-systems/vm-api/internal/store"
)

var repoPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+/[A-Za-z0-9._-]+$`)

// TaskHandler serves the task-lifecycle REST surface: create, get, list,
// delete (terminate), resume, and the buffered-output snapshot.
type TaskHandler struct {
	svc *service.Service
	cfg *config.Config
}

func NewTaskHandler(svc *service.Service, cfg *config.Config) *TaskHandler {
	return &TaskHandler{svc: svc, cfg: cfg}
}

// CreateTask POST /api/v1/tasks
func (h *TaskHandler) CreateTask(c *gin.Context) {
	var req CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}

	for _, repo := range req.Repositories {
		if !repoPattern.MatchString(repo) {
			respondBadRequest(c, errors.New("repositories must match owner/name"))
			return
		}
	}

	source := store.Source(req.Source)

	task, err := h.svc.CreateTask(c.Request.Context(), service.CreateTaskParams{
		UserID:       req.UserID,
		Source:       source,
		Repositories: req.Repositories,
		Prompt:       req.Prompt,
		Config:       resolvedConfig(req.Config),
		Files:        toStoreFiles(req.Files),
		SSHPublicKey: req.SSHPublicKey,
		GroupID:      req.GuildID,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	groupID, err := h.svc.GroupID(c.Request.Context(), task.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toTaskResponse(task, h.cfg, groupID))
}

// GetTask GET /api/v1/tasks/{id}
func (h *TaskHandler) GetTask(c *gin.Context) {
	task, err := h.svc.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	groupID, err := h.svc.GroupID(c.Request.Context(), task.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toTaskResponse(task, h.cfg, groupID))
}

// ListTasks GET /api/v1/tasks
func (h *TaskHandler) ListTasks(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	perPage, _ := strconv.Atoi(c.DefaultQuery("per_page", "20"))

	filter := store.ListFilter{
		UserID:  c.Query("user_id"),
		Status:  store.Status(c.Query("status")),
		Page:    page,
		PerPage: perPage,
	}

	tasks, total, err := h.svc.ListTasks(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}

	out := make([]TaskResponse, 0, len(tasks))
	for _, t := range tasks {
		groupID, err := h.svc.GroupID(c.Request.Context(), t.ID)
		if err != nil {
			respondError(c, err)
			return
		}
		out = append(out, toTaskResponse(t, h.cfg, groupID))
	}

	resolvedPage := filter.Page
	if resolvedPage < 1 {
		resolvedPage = 1
	}
	resolvedPerPage := filter.PerPage
	if resolvedPerPage <= 0 {
		resolvedPerPage = 20
	}
	if resolvedPerPage > 100 {
		resolvedPerPage = 100
	}

	c.JSON(http.StatusOK, TaskListResponse{
		Tasks:   out,
		Total:   total,
		Page:    resolvedPage,
		PerPage: resolvedPerPage,
	})
}

// DeleteTask DELETE /api/v1/tasks/{id}
func (h *TaskHandler) DeleteTask(c *gin.Context) {
	if err := h.svc.TerminateTask(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ResumeTask POST /api/v1/tasks/{id}/resume
func (h *TaskHandler) ResumeTask(c *gin.Context) {
	task, err := h.svc.ResumeTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	groupID, err := h.svc.GroupID(c.Request.Context(), task.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toTaskResponse(task, h.cfg, groupID))
}

// GetOutput GET /api/v1/tasks/{id}/output
func (h *TaskHandler) GetOutput(c *gin.Context) {
	events, err := h.svc.GetOutput(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	out := make([]WSMessage, 0, len(events))
	for _, evt := range events {
		out = append(out, wsEventToMessage(evt))
	}
	c.JSON(http.StatusOK, out)
}
