package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/lia-systems/vm-api/internal/service"
)

const (
	wsPongWait   = 30 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// StreamHandler serves GET /api/v1/tasks/{id}/stream: the WebSocket upgrade
// that replays buffered output then multiplexes live Hub events outbound
// against client input/ping frames inbound.
type StreamHandler struct {
	svc    *service.Service
	logger *slog.Logger
}

func NewStreamHandler(svc *service.Service, logger *slog.Logger) *StreamHandler {
	return &StreamHandler{svc: svc, logger: logger.With("component", "stream")}
}

func (h *StreamHandler) Stream(c *gin.Context) {
	taskID := c.Param("id")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "task_id", taskID, "error", err)
		return
	}
	defer conn.Close()

	sub, err := h.svc.Subscribe(c.Request.Context(), taskID)
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unknown task"),
			time.Now().Add(time.Second))
		return
	}
	defer h.svc.Unsubscribe(sub)

	var writeMu sync.Mutex
	writeJSON := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(v)
	}

	for _, evt := range sub.Replay {
		if err := writeJSON(wsEventToMessage(evt)); err != nil {
			return
		}
	}

	done := make(chan struct{})
	var closeOnce sync.Once
	stop := func() { closeOnce.Do(func() { close(done) }) }

	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	go func() {
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				writeMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
				writeMu.Unlock()
				if err != nil {
					stop()
					return
				}
			}
		}
	}()

	go func() {
		defer stop()
		for {
			select {
			case <-done:
				return
			case evt, ok := <-sub.Events:
				if !ok {
					return
				}
				if err := writeJSON(wsEventToMessage(evt)); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			stop()
			return
		}

		var msg WSMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "input":
			if err := h.svc.SendInput(taskID, msg.Data); err != nil {
				_ = writeJSON(WSMessage{Type: "error", Message: err.Error()})
			}
		case "ping":
			_ = writeJSON(WSMessage{Type: "pong"})
		}
	}
}
