package relay

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/lia-systems/vm-api/internal/apperr"
)

const (
	guestPort       = 5000
	maxAttempts     = 100
	attemptInterval = 100 * time.Millisecond
)

// dial performs the multiplexer handshake against the hypervisor's vsock
// Unix socket: connect, write "CONNECT <port>\n", read a line that must
// begin with "OK ". Retries up to maxAttempts times with attemptInterval
// backoff, bounding the whole handshake to 10s before giving up.
func dial(ctx context.Context, socketPath string) (net.Conn, *bufio.Reader, error) {
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, nil, apperr.Wrap(apperr.KindRelayHandshake, "relay.dial", ctx.Err())
		default:
		}

		conn, err := net.Dial("unix", socketPath)
		if err != nil {
			lastErr = err
			time.Sleep(attemptInterval)
			continue
		}

		if _, err := fmt.Fprintf(conn, "CONNECT %d\n", guestPort); err != nil {
			lastErr = err
			conn.Close()
			time.Sleep(attemptInterval)
			continue
		}

		reader := bufio.NewReader(conn)
		line, err := reader.ReadString('\n')
		if err != nil {
			lastErr = err
			conn.Close()
			time.Sleep(attemptInterval)
			continue
		}

		if !strings.HasPrefix(line, "OK ") {
			lastErr = fmt.Errorf("unexpected handshake response: %q", strings.TrimSpace(line))
			conn.Close()
			time.Sleep(attemptInterval)
			continue
		}

		return conn, reader, nil
	}

	return nil, nil, apperr.Wrap(apperr.KindRelayHandshake, "relay.dial",
		fmt.Errorf("handshake failed after %d attempts: %w", maxAttempts, lastErr))
}
