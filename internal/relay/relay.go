package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/lia-systems/vm-api/internal/apperr"
	"github.com/lia-systems/vm-api/internal/metrics"
)

// ErrSessionClosed is returned by Input once the relay's writer loop has
// stopped, whether from EOF, cancellation, or peer exit.
var ErrSessionClosed = errors.New("relay: session closed")

// Sink is the Hub's side of the relay: the reader loop publishes guest
// events through it without knowing anything about subscribers or replay.
type Sink interface {
	PublishOutput(taskID string, data string)
	PublishExit(taskID string, code int)
	PublishError(taskID string, message string)
}

// ExitHandler is invoked once, from the reader loop, when the guest reports
// an exit code — the caller uses it to drive Store.mark_terminated and
// VmManager.Terminate without the relay importing either package.
type ExitHandler func(code int)

// Session is one live host<->guest pipe for a task: a Unix-stream
// connection plus a goroutine relaying guest output to the Sink and a
// writer goroutine draining an input channel into the guest.
type Session struct {
	taskID string
	conn   net.Conn
	writer *bufio.Writer
	logger *slog.Logger

	inputCh chan string
	cancel  context.CancelFunc

	closeOnce sync.Once
	closed    chan struct{}
}

// Start dials the multiplexer, sends the one-shot init frame, then spawns
// the reader and writer loops. The returned Session's Input method is safe
// to call concurrently; Close stops both loops and closes the connection.
func Start(ctx context.Context, taskID, vsockPath, apiKey, prompt string, files []TaskFile, sink Sink, onExit ExitHandler, logger *slog.Logger) (*Session, error) {
	handshakeStart := time.Now()
	conn, reader, err := dial(ctx, vsockPath)
	if err != nil {
		metrics.RelayHandshakeErrors.Inc()
		return nil, err
	}
	metrics.RelayHandshakeLatency.Observe(time.Since(handshakeStart).Seconds())

	writer := bufio.NewWriter(conn)

	init := VsockMessage{Type: TypeInit, APIKey: apiKey, Prompt: prompt, Files: files}
	if err := writeFrame(writer, init); err != nil {
		conn.Close()
		metrics.RelayHandshakeErrors.Inc()
		return nil, apperr.Wrap(apperr.KindRelayHandshake, "relay.Start", fmt.Errorf("send init frame: %w", err))
	}
	metrics.RelayActiveSessions.Inc()

	sessionCtx, cancel := context.WithCancel(ctx)

	s := &Session{
		taskID:  taskID,
		conn:    conn,
		writer:  writer,
		logger:  logger.With("task_id", taskID, "component", "relay"),
		inputCh: make(chan string, 100),
		cancel:  cancel,
		closed:  make(chan struct{}),
	}

	go s.readLoop(sessionCtx, reader, sink, onExit)
	go s.writeLoop(sessionCtx)

	return s, nil
}

func writeFrame(w *bufio.Writer, msg VsockMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	if err := w.WriteByte('\n'); err != nil {
		return err
	}
	return w.Flush()
}

// Input enqueues a line of guest-bound input. Returns ErrSessionClosed if
// the session has already terminated.
func (s *Session) Input(data string) error {
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}

	select {
	case s.inputCh <- data:
		return nil
	case <-s.closed:
		return ErrSessionClosed
	}
}

// Close cancels both loops and closes the underlying connection. Idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		close(s.closed)
		s.conn.Close()
		metrics.RelayActiveSessions.Dec()
	})
}

// readLoop drains guest frames until an explicit exit frame, EOF, a read
// error, or a parse error that follows at least one valid frame. All four
// cases unblock both loops, notify the Hub, and hand the caller an exit
// code so it can ask the VM Manager to terminate the task.
func (s *Session) readLoop(ctx context.Context, reader *bufio.Reader, sink Sink, onExit ExitHandler) {
	defer s.Close()

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	sawValidFrame := false

scanLoop:
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg VsockMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			if sawValidFrame {
				s.logger.Warn("parse error after valid frame, treating as guest exit", "error", err)
				break scanLoop
			}
			s.logger.Warn("discarding malformed vsock frame", "error", err)
			continue
		}
		sawValidFrame = true

		switch msg.Type {
		case TypeOutput:
			sink.PublishOutput(s.taskID, msg.Data)
		case TypeExit:
			code := 0
			if msg.Code != nil {
				code = *msg.Code
			}
			sink.PublishExit(s.taskID, code)
			if onExit != nil {
				onExit(code)
			}
			return
		case TypeError:
			s.logger.Error("sidecar reported error", "message", msg.Message)
			sink.PublishError(s.taskID, msg.Message)
		case TypeHeartbeat:
			// dropped silently; idle-timer reset is driven by output/input,
			// not by heartbeats.
		default:
			s.logger.Warn("unknown vsock message type", "type", msg.Type)
		}
	}

	if err := scanner.Err(); err != nil {
		s.logger.Warn("vsock read error, treating as guest exit", "error", err)
		sink.PublishError(s.taskID, err.Error())
	} else {
		s.logger.Warn("vsock connection closed without an exit frame")
	}

	sink.PublishExit(s.taskID, -1)
	if onExit != nil {
		onExit(-1)
	}
}

func (s *Session) writeLoop(ctx context.Context) {
	defer s.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-s.inputCh:
			if !ok {
				return
			}
			msg := VsockMessage{Type: TypeInput, Data: data}
			if err := writeFrame(s.writer, msg); err != nil {
				s.logger.Warn("vsock write error", "error", err)
				return
			}
		}
	}
}
