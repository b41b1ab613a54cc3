package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/berrythewa/abacus/internal/ipc"
	"go.uber.org/zap"
)

const (
	defaultPollInterval = time.Second
	defaultSocketMode   = 0600

	maxAcceptBackoff = time.Second
	probeTimeout     = 200 * time.Millisecond
)

var (
	// ErrAlreadyRunning is returned when another daemon answers on the socket.
	ErrAlreadyRunning = errors.New("daemon already running")

	// ErrNotListening is returned by Serve before Listen succeeded.
	ErrNotListening = errors.New("server is not listening")
)

// State is the lifecycle phase of a Server.
type State int32

const (
	StateInitializing State = iota
	StateListening
	StateShuttingDown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateListening:
		return "listening"
	case StateShuttingDown:
		return "shutting_down"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ServerConfig holds the connection loop settings.
type ServerConfig struct {
	SocketPath   string        // empty uses ipc.DefaultSocketPath
	SocketMode   os.FileMode   // 0 uses 0600
	PollInterval time.Duration // bound on each accept wait; 0 uses one second
	IOTimeout    time.Duration // per-connection deadline; 0 disables it
	PIDFile      string        // optional
}

// Server accepts one connection at a time on a Unix socket and answers it
// through a Dispatcher before accepting the next.
type Server struct {
	cfg        ServerConfig
	dispatcher *Dispatcher
	logger     *zap.Logger

	listener  *net.UnixListener
	state     atomic.Int32
	startedAt time.Time
	closeOnce sync.Once
	closeErr  error
}

// NewServer creates a server in the Initializing state. The socket is not
// opened until Listen is called.
func NewServer(cfg ServerConfig, dispatcher *Dispatcher, logger *zap.Logger) *Server {
	if cfg.SocketPath == "" {
		cfg.SocketPath = ipc.DefaultSocketPath
	}
	if cfg.SocketMode == 0 {
		cfg.SocketMode = defaultSocketMode
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{cfg: cfg, dispatcher: dispatcher, logger: logger}
	s.state.Store(int32(StateInitializing))
	return s
}

// State returns the current lifecycle phase.
func (s *Server) State() State {
	return State(s.state.Load())
}

// SocketPath returns the path the server binds to.
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

// Run listens, serves until ctx is cancelled, and cleans up. The PID file,
// when configured, exists exactly while the server is listening.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}

	if s.cfg.PIDFile != "" {
		if err := WritePIDFile(s.cfg.PIDFile); err != nil {
			s.logger.Warn("Failed to write PID file", zap.String("pid_file", s.cfg.PIDFile), zap.Error(err))
		} else {
			defer RemovePIDFile(s.cfg.PIDFile)
		}
	}

	return s.Serve(ctx)
}

// Listen creates the socket, replacing a stale one left by a previous run.
// On failure nothing is left behind.
func (s *Server) Listen() error {
	path := s.cfg.SocketPath

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}

	if err := removeStaleSocket(path); err != nil {
		return err
	}

	listener, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", path, err)
	}

	if err := os.Chmod(path, s.cfg.SocketMode); err != nil {
		listener.Close()
		os.Remove(path)
		return fmt.Errorf("failed to chmod socket %s: %w", path, err)
	}

	s.listener = listener
	s.startedAt = time.Now()
	s.state.Store(int32(StateListening))

	s.logger.Info("Abacus server started", zap.String("socket", path), zap.Int("pid", os.Getpid()))
	return nil
}

// removeStaleSocket deletes a socket file nobody is serving. A live daemon
// or a non-socket file at the path is an error.
func removeStaleSocket(path string) error {
	info, err := os.Lstat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("refusing to replace %s: not a socket", path)
	}

	if conn, err := net.DialTimeout("unix", path, probeTimeout); err == nil {
		conn.Close()
		return fmt.Errorf("%w on %s", ErrAlreadyRunning, path)
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove stale socket %s: %w", path, err)
	}
	return nil
}

// Serve runs the accept loop until ctx is cancelled, then shuts down.
//
// Each accept waits at most PollInterval so cancellation is noticed even
// when no client connects. A connection that has been accepted is always
// answered before cancellation is checked again.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil || s.State() != StateListening {
		return ErrNotListening
	}
	defer s.Close()

	var backoff time.Duration
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Shutdown requested")
			return nil
		default:
		}

		if err := s.listener.SetDeadline(time.Now().Add(s.cfg.PollInterval)); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("failed to set accept deadline: %w", err)
		}

		conn, err := s.listener.AcceptUnix()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				backoff = 0
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}

			backoff = nextBackoff(backoff)
			s.logger.Error("Accept failed", zap.Error(err), zap.Duration("retry_in", backoff))
			select {
			case <-ctx.Done():
			case <-time.After(backoff):
			}
			continue
		}

		backoff = 0
		s.handle(ctx, conn)
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > maxAcceptBackoff {
		d = maxAcceptBackoff
	}
	return d
}

// handle answers one connection: read a request, dispatch, reply, close.
// A short or unreadable request drops the connection without a reply.
func (s *Server) handle(ctx context.Context, conn *net.UnixConn) {
	defer conn.Close()

	peer := peerOf(conn)
	logger := s.logger
	if peer.Known {
		logger = logger.With(zap.Int32("peer_pid", peer.PID), zap.Uint32("peer_uid", peer.UID))
	}

	if s.cfg.IOTimeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(s.cfg.IOTimeout)); err != nil {
			logger.Warn("Failed to set connection deadline", zap.Error(err))
		}
	}

	req, err := ipc.ReadRequest(conn)
	if err != nil {
		logger.Debug("Dropping connection", zap.Error(err))
		return
	}

	// Shutdown must not abort a request that is already being served.
	resp := s.dispatcher.dispatch(context.WithoutCancel(ctx), req, peer)

	logger.Debug("Request served",
		zap.Stringer("kind", req.Kind),
		zap.Stringer("status", resp.Status))

	if err := ipc.WriteResponse(conn, resp); err != nil {
		logger.Error("Failed to send response", zap.Error(err))
	}
}

// Close releases the listener and removes the socket file. It is safe to
// call more than once.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateShuttingDown))

		if s.listener != nil {
			if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				s.closeErr = err
			}
			if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) && s.closeErr == nil {
				s.closeErr = err
			}
		}

		stats := s.dispatcher.Stats()
		s.logger.Info("Abacus server stopped",
			zap.Duration("uptime", time.Since(s.startedAt).Truncate(time.Second)),
			zap.Int("requests", stats.Requests),
			zap.Int("success", stats.Success),
			zap.Int("invalid_expression", stats.InvalidExpression),
			zap.Int("calculation_error", stats.CalculationError),
			zap.Int("unknown_request", stats.UnknownRequest))

		s.state.Store(int32(StateStopped))
	})
	return s.closeErr
}
