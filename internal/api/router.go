package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lia-systems/vm-api/internal/config"
	"github.com/lia-systems/vm-api/internal/service"
)

// NewRouter wires the task-lifecycle REST surface and the WebSocket stream
// endpoint behind the recovery, logging, CORS, and request-ID middleware
// stack.
func NewRouter(svc *service.Service, cfg *config.Config, logger *slog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(logger))
	r.Use(CORSMiddleware())
	r.Use(RequestIDMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})

	taskHandler := NewTaskHandler(svc, cfg)
	streamHandler := NewStreamHandler(svc, logger)

	v1 := r.Group("/api/v1")
	{
		tasks := v1.Group("/tasks")
		{
			tasks.POST("", taskHandler.CreateTask)
			tasks.GET("", taskHandler.ListTasks)
			tasks.GET("/:id", taskHandler.GetTask)
			tasks.DELETE("/:id", taskHandler.DeleteTask)
			tasks.POST("/:id/resume", taskHandler.ResumeTask)
			tasks.GET("/:id/output", taskHandler.GetOutput)
			tasks.GET("/:id/stream", streamHandler.Stream)
		}
	}

	return r
}
