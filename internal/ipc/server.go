package ipc

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultMaxConnections = 8
	defaultIdleTimeout    = 60 * time.Second
	defaultWriteTimeout   = 10 * time.Second
)

// Handler processes a request message and returns the response to
// send. Returning nil makes the server answer with an internal
// error; handlers should prefer NewErrorMessage for failures.
type Handler interface {
	Handle(msg *Message) *Message
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(msg *Message) *Message

// Handle calls f(msg).
func (f HandlerFunc) Handle(msg *Message) *Message {
	return f(msg)
}

// ServerConfig configures the IPC server.
type ServerConfig struct {
	SocketPath     string
	MaxConnections int
	IdleTimeout    time.Duration
	WriteTimeout   time.Duration
	SocketMode     os.FileMode
}

// Server accepts client connections on a Unix socket and dispatches
// request messages to a Handler. Clients are served one request at a
// time per connection; responses carry the request's id.
type Server struct {
	cfg     ServerConfig
	handler Handler
	log     *slog.Logger

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc

	mu    sync.Mutex
	conns map[net.Conn]struct{}

	wg      sync.WaitGroup
	running atomic.Bool
}

// NewServer creates an IPC server. The handler must not be nil.
func NewServer(cfg ServerConfig, handler Handler, log *slog.Logger) *Server {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = defaultMaxConnections
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.SocketMode == 0 {
		cfg.SocketMode = 0600
	}
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:     cfg,
		handler: handler,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Start begins listening on the configured socket path. A stale
// socket left by a crashed daemon is removed first, but only if
// nothing is listening on it.
func (s *Server) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("server already running")
	}

	dir := filepath.Dir(s.cfg.SocketPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		s.running.Store(false)
		return fmt.Errorf("create socket directory: %w", err)
	}

	if err := CleanupSocket(s.cfg.SocketPath); err != nil {
		s.running.Store(false)
		return err
	}

	listener, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		s.running.Store(false)
		return fmt.Errorf("listen on %s: %w", s.cfg.SocketPath, err)
	}

	if err := os.Chmod(s.cfg.SocketPath, s.cfg.SocketMode); err != nil {
		listener.Close()
		os.Remove(s.cfg.SocketPath)
		s.running.Store(false)
		return fmt.Errorf("chmod socket: %w", err)
	}

	s.listener = listener
	s.wg.Add(1)
	go s.acceptLoop()

	s.log.Info("ipc server listening", "socket", s.cfg.SocketPath)
	return nil
}

// Stop shuts the server down and removes the socket.
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.log.Warn("ipc server shutdown timed out waiting for connections")
	}

	os.Remove(s.cfg.SocketPath)
	return nil
}

// SocketPath returns the path the server listens on.
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !s.running.Load() {
				return
			}
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			s.log.Warn("ipc accept failed", "error", err)
			continue
		}

		s.mu.Lock()
		if len(s.conns) >= s.cfg.MaxConnections {
			s.mu.Unlock()
			s.log.Warn("ipc connection limit reached, rejecting client")
			conn.Close()
			continue
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		// A handler panic costs this connection, not the daemon
		// holding the keyboard.
		if r := recover(); r != nil {
			s.log.Error("ipc connection panicked", "panic", r)
		}
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		// Clients are one-shot command tools; a connection idle
		// past the timeout is abandoned, not kept alive.
		conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		msg, err := ReadMessage(conn)
		if err != nil {
			return
		}

		resp := s.dispatch(msg)
		if resp == nil {
			resp = NewErrorMessage(msg.Header.RequestID, ErrInternalError, "no response from handler")
		}

		conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		if err := resp.Write(conn); err != nil {
			s.log.Warn("ipc write failed", "error", err)
			return
		}
	}
}

func (s *Server) dispatch(msg *Message) *Message {
	if msg.Header.Type == MsgPing {
		return NewMessage(MsgPong, msg.Header.RequestID, nil)
	}
	return s.handler.Handle(msg)
}
