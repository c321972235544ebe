package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"strings"
	"sync"
	"time"

	"clawd/internal/daemon"
	"clawd/internal/events"
	"clawd/internal/logging"
	"clawd/internal/logs"
)

const defaultAuditHours = 24

// Server exposes daemon control via JSON-RPC over a Unix domain socket.
type Server struct {
	path      string
	daemon    *daemon.Daemon
	logger    *slog.Logger
	listener  net.Listener
	rpcServer *rpc.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connMu sync.Mutex
	conns  map[net.Conn]struct{}
}

// ServerOption configures optional server behavior.
type ServerOption func(*service)

// WithLogPath enables LogTail against the given daemon log.
func WithLogPath(path string) ServerOption {
	return func(s *service) {
		s.logPath = path
	}
}

// NewServer configures the IPC server at the given socket path. Any stale
// socket file is replaced.
func NewServer(ctx context.Context, path string, d *daemon.Daemon, logger *slog.Logger, opts ...ServerOption) (*Server, error) {
	if d == nil {
		return nil, errors.New("ipc server requires daemon")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on socket: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		listener.Close()
		return nil, fmt.Errorf("restrict socket permissions: %w", err)
	}

	serverCtx, cancel := context.WithCancel(ctx)
	svc := &service{daemon: d, logger: logging.NewComponentLogger(logger, "ipc"), ctx: serverCtx}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}

	rpcServer := rpc.NewServer()
	if err := rpcServer.RegisterName(ServiceName, svc); err != nil {
		cancel()
		listener.Close()
		return nil, fmt.Errorf("register rpc service: %w", err)
	}

	return &Server{
		path:      path,
		daemon:    d,
		logger:    svc.logger,
		listener:  listener,
		rpcServer: rpcServer,
		ctx:       serverCtx,
		cancel:    cancel,
		conns:     make(map[net.Conn]struct{}),
	}, nil
}

// Serve starts accepting RPC connections until Close.
func (s *Server) Serve() {
	s.logger.Debug("IPC server listening", logging.String("socket", s.path))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return
				}
				logging.WarnWithContext(s.logger, "accept failed", "ipc_accept_failed",
					logging.Error(err),
					logging.String(logging.FieldImpact, "IPC clients may fail to connect"),
					logging.String(logging.FieldErrorHint, "check socket permissions and restart the daemon if needed"),
				)
				continue
			}
			s.track(conn, true)
			s.wg.Add(1)
			go func(c net.Conn) {
				defer s.wg.Done()
				defer s.track(c, false)
				s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(c))
			}(conn)
		}
	}()
}

func (s *Server) track(conn net.Conn, add bool) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
		return
	}
	delete(s.conns, conn)
}

// Close stops the server, drops open client connections, and removes the
// socket file.
func (s *Server) Close() {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.connMu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.connMu.Unlock()
	s.wg.Wait()
	if err := os.RemoveAll(s.path); err != nil {
		logging.WarnWithContext(s.logger, "failed to remove socket", "ipc_socket_cleanup_failed",
			logging.String("socket", s.path),
			logging.Error(err),
			logging.String(logging.FieldImpact, "stale IPC socket may block future starts"),
			logging.String(logging.FieldErrorHint, "remove the socket file manually or rerun claw stop"),
		)
	}
}

type service struct {
	daemon  *daemon.Daemon
	logger  *slog.Logger
	ctx     context.Context
	logPath string
}

func (s *service) Start(_ StartRequest, resp *StartResponse) error {
	s.logger.Debug("daemon start requested")
	if err := s.daemon.Start(s.ctx); err != nil {
		resp.Started = false
		resp.Message = err.Error()
		return nil
	}
	resp.Started = true
	resp.Message = "daemon started"
	s.logger.Info("daemon started via IPC",
		logging.String(logging.FieldEventType, "ipc_daemon_start"))
	return nil
}

func (s *service) Stop(req StopRequest, resp *StopResponse) error {
	s.logger.Debug("daemon stop requested")
	s.daemon.Stop(time.Duration(req.TimeoutSeconds) * time.Second)
	resp.Stopped = true
	s.logger.Info("daemon stopped via IPC",
		logging.String(logging.FieldEventType, "ipc_daemon_stop"))
	return nil
}

func (s *service) Status(_ StatusRequest, resp *StatusResponse) error {
	*resp = fromStatus(s.daemon.Status())
	return nil
}

func (s *service) Emit(req EmitRequest, resp *EmitResponse) error {
	kind, err := events.ParseKind(req.Kind)
	if err != nil {
		return err
	}
	priority := events.PriorityNormal
	if strings.TrimSpace(req.Priority) != "" {
		if priority, err = events.ParsePriority(req.Priority); err != nil {
			return err
		}
	}
	payload := req.Payload
	if payload == nil {
		payload = map[string]string{}
	}
	payload["source"] = "ipc"

	opts := []events.Option{events.WithID(req.ID)}
	if req.MaxAttempts > 0 {
		opts = append(opts, events.WithMaxAttempts(req.MaxAttempts))
	}
	ev, err := s.daemon.Dispatcher().Emit(kind, payload, priority, opts...)
	if err != nil {
		return err
	}
	resp.ID = ev.ID
	resp.Kind = ev.Kind.String()
	resp.Priority = ev.Priority.String()
	resp.CreatedAt = ev.CreatedAt
	resp.QueueDepth = s.daemon.Dispatcher().QueueSize()
	s.logger.Info("event emitted via IPC",
		logging.String(logging.FieldEventID, ev.ID),
		logging.String("event_kind", resp.Kind),
		logging.String("priority", resp.Priority),
		logging.String(logging.FieldEventType, "ipc_emit"))
	return nil
}

func (s *service) Wake(_ WakeRequest, resp *WakeResponse) error {
	resp.Woke = s.daemon.Wake()
	resp.State = s.daemon.State().Current().String()
	return nil
}

func (s *service) Unload(req UnloadRequest, resp *UnloadResponse) error {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return errors.New("unload requires a component name")
	}
	unloaded, err := s.daemon.UnloadComponent(name)
	if err != nil {
		return err
	}
	resp.Unloaded = unloaded
	return nil
}

func (s *service) AuditTail(req AuditTailRequest, resp *AuditTailResponse) error {
	hours := req.Hours
	if hours <= 0 {
		hours = defaultAuditHours
	}
	since := time.Now().Add(-time.Duration(hours) * time.Hour)
	entries, err := s.daemon.AuditTail(s.ctx, since, req.Limit)
	if err != nil {
		return err
	}
	resp.Since = since
	resp.Entries = entries
	return nil
}

func (s *service) LogTail(req LogTailRequest, resp *LogTailResponse) error {
	if s.logPath == "" {
		resp.Offset = 0
		return nil
	}
	wait := time.Duration(req.WaitMillis) * time.Millisecond
	if wait <= 0 && req.Follow {
		wait = time.Second
	}
	ctx := s.ctx
	if req.Follow && wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(s.ctx, wait+500*time.Millisecond)
		defer cancel()
	}
	result, err := logs.Tail(ctx, s.logPath, logs.TailOptions{
		Offset: req.Offset,
		Limit:  req.Limit,
		Follow: req.Follow,
		Wait:   wait,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			resp.Offset = result.Offset
			return nil
		}
		return err
	}
	resp.Lines = result.Lines
	resp.Offset = result.Offset
	return nil
}
