package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// fakeSink records everything published by the reader loop.
type fakeSink struct {
	mu      sync.Mutex
	outputs []string
	exits   []int
	errs    []string
}

func (f *fakeSink) PublishOutput(taskID, data string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outputs = append(f.outputs, data)
}

func (f *fakeSink) PublishExit(taskID string, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exits = append(f.exits, code)
}

func (f *fakeSink) PublishError(taskID, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, message)
}

// listenUnix starts a Unix listener on a temp path and runs a handshake
// server that accepts the CONNECT/OK exchange, then hands the raw conn to
// the supplied guest function.
func listenUnix(t *testing.T, guest func(conn net.Conn)) string {
	t.Helper()
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "test.vsock")

	l, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		reader := bufio.NewReader(conn)
		line, err := reader.ReadString('\n')
		if err != nil || line != "CONNECT 5000\n" {
			conn.Close()
			return
		}
		if _, err := conn.Write([]byte("OK 5000\n")); err != nil {
			conn.Close()
			return
		}
		guest(conn)
	}()

	return sockPath
}

func TestSessionReceivesOutputAndExit(t *testing.T) {
	sockPath := listenUnix(t, func(conn net.Conn) {
		defer conn.Close()

		reader := bufio.NewReader(conn)
		// drain the init frame
		if _, err := reader.ReadString('\n'); err != nil {
			return
		}

		out, _ := json.Marshal(VsockMessage{Type: TypeOutput, Data: "hello"})
		conn.Write(append(out, '\n'))

		code := 0
		exit, _ := json.Marshal(VsockMessage{Type: TypeExit, Code: &code})
		conn.Write(append(exit, '\n'))
	})

	sink := &fakeSink{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	exitCh := make(chan int, 1)
	sess, err := Start(context.Background(), "task-1", sockPath, "key", "prompt", nil, sink, func(code int) {
		exitCh <- code
	}, logger)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sess.Close()

	select {
	case code := <-exitCh:
		if code != 0 {
			t.Fatalf("unexpected exit code: %d", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for exit")
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.outputs) != 1 || sink.outputs[0] != "hello" {
		t.Fatalf("unexpected outputs: %v", sink.outputs)
	}
	if len(sink.exits) != 1 || sink.exits[0] != 0 {
		t.Fatalf("unexpected exits: %v", sink.exits)
	}
}

func TestSessionTreatsEOFWithoutExitFrameAsGuestExit(t *testing.T) {
	sockPath := listenUnix(t, func(conn net.Conn) {
		reader := bufio.NewReader(conn)
		// drain the init frame
		if _, err := reader.ReadString('\n'); err != nil {
			conn.Close()
			return
		}

		out, _ := json.Marshal(VsockMessage{Type: TypeOutput, Data: "partial"})
		conn.Write(append(out, '\n'))

		// guest crashes / drops the vsock connection without sending exit
		conn.Close()
	})

	sink := &fakeSink{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	exitCh := make(chan int, 1)
	sess, err := Start(context.Background(), "task-eof", sockPath, "key", "prompt", nil, sink, func(code int) {
		exitCh <- code
	}, logger)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sess.Close()

	select {
	case code := <-exitCh:
		if code != -1 {
			t.Fatalf("unexpected exit code: %d", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for EOF to be treated as a guest exit")
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.exits) != 1 || sink.exits[0] != -1 {
		t.Fatalf("unexpected exits: %v", sink.exits)
	}
}

func TestSessionInputIsRelayedToGuest(t *testing.T) {
	received := make(chan string, 1)

	sockPath := listenUnix(t, func(conn net.Conn) {
		defer conn.Close()
		reader := bufio.NewReader(conn)
		reader.ReadString('\n') // init frame

		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		var msg VsockMessage
		json.Unmarshal([]byte(line), &msg)
		received <- msg.Data
	})

	sink := &fakeSink{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	sess, err := Start(context.Background(), "task-2", sockPath, "key", "prompt", nil, sink, nil, logger)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sess.Close()

	if err := sess.Input("ping"); err != nil {
		t.Fatalf("Input: %v", err)
	}

	select {
	case data := <-received:
		if data != "ping" {
			t.Fatalf("unexpected guest input: %q", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for guest to receive input")
	}
}

func TestInputAfterCloseReturnsErrSessionClosed(t *testing.T) {
	sockPath := listenUnix(t, func(conn net.Conn) {
		// drain the init frame, then drop the connection
		bufio.NewReader(conn).ReadString('\n')
		conn.Close()
	})

	sink := &fakeSink{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	sess, err := Start(context.Background(), "task-3", sockPath, "key", "prompt", nil, sink, nil, logger)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	sess.Close()
	time.Sleep(50 * time.Millisecond)

	if err := sess.Input("late"); err != ErrSessionClosed {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}

func TestDialFailsFastWhenNothingListens(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "nobody-home.vsock")

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	_, _, err := dial(ctx, sockPath)
	if err == nil {
		t.Fatal("expected dial to fail when nothing is listening and context expires")
	}
}

func TestDialFailsOnWrongHandshakePrefix(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "bad.vsock")

	l, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			conn.Write([]byte("NOPE\n"))
			conn.Close()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	_, _, err = dial(ctx, sockPath)
	if err == nil {
		t.Fatal("expected handshake failure on bad prefix")
	}
}
