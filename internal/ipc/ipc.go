package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

const (
	// Default socket path for Unix systems
	DefaultSocketPath = "/tmp/abacus.sock"

	defaultDialTimeout = 5 * time.Second
)

// ErrDaemonUnavailable is returned when the daemon socket cannot be reached.
var ErrDaemonUnavailable = errors.New("daemon unavailable")

// SendRequest connects to the daemon, sends a request, and returns the response.
//
// Each call uses its own connection; the daemon closes it after replying.
func SendRequest(ctx context.Context, socketPath string, req Request) (Response, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}

	dialer := net.Dialer{Timeout: defaultDialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrDaemonUnavailable, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return Response{}, fmt.Errorf("failed to set deadline: %w", err)
		}
	}

	if err := WriteRequest(conn, req); err != nil {
		return Response{}, fmt.Errorf("failed to send request: %w", err)
	}

	resp, err := ReadResponse(conn)
	if err != nil {
		return Response{}, fmt.Errorf("failed to read response: %w", err)
	}
	return resp, nil
}
