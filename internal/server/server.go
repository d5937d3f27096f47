// Package server owns the TCP listener and the accept loop that hands
// freshly accepted sockets to a worker.Pool (spec.md §4.5).
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Groodian/rustchat-go/internal/logging"
	"github.com/Groodian/rustchat-go/internal/metrics"
	"github.com/Groodian/rustchat-go/internal/shutdown"
	"github.com/Groodian/rustchat-go/internal/worker"
)

// Pool is the subset of worker.Pool the accept loop needs.
type Pool interface {
	Dispatch(nc net.Conn)
	ConnectionCount() int
}

var _ Pool = (*worker.Pool)(nil)

// Server owns the TCP listener and the accept loop.
type Server struct {
	mu   sync.RWMutex
	addr string
	pool Pool

	maxClients int
	readyOnce  sync.Once
	readyCh    chan struct{}
	lastErrMu  sync.Mutex
	lastErr    error
	errCh      chan error
	listener   net.Listener
	logger     *slog.Logger

	nextConnID    uint64
	totalAccepted atomic.Uint64
	totalRejected atomic.Uint64
}

type ServerOption func(*Server)

// New constructs a Server dispatching accepted sockets into pool.
func New(pool Pool, opts ...ServerOption) *Server {
	s := &Server{
		pool:    pool,
		readyCh: make(chan struct{}),
		errCh:   make(chan error, 1),
		logger:  logging.L(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.addr == "" {
		s.addr = ":0"
	}
	return s
}

func WithListenAddr(a string) ServerOption { return func(s *Server) { s.addr = a } }
func WithMaxClients(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxClients = n
		}
	}
}
func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func (s *Server) Addr() string           { s.mu.RLock(); defer s.mu.RUnlock(); return s.addr }
func (s *Server) setAddr(a string)       { s.mu.Lock(); s.addr = a; s.mu.Unlock() }
func (s *Server) Ready() <-chan struct{} { return s.readyCh }
func (s *Server) Errors() <-chan error   { return s.errCh }

func (s *Server) setError(err error) {
	if err == nil {
		return
	}
	s.lastErrMu.Lock()
	s.lastErr = err
	s.lastErrMu.Unlock()
	select {
	case s.errCh <- err:
	default:
	}
}

func (s *Server) LastError() error {
	s.lastErrMu.Lock()
	defer s.lastErrMu.Unlock()
	return s.lastErr
}

// Serve accepts TCP clients and dispatches each into the worker pool.
// It registers itself with coord so Shutdown's listener close is
// ordered consistently with worker/bus teardown.
func (s *Server) Serve(ctx context.Context, coord *shutdown.Coordinator) error {
	s.mu.Lock()
	addr := s.addr
	s.mu.Unlock()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrListen, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		return wrap
	}
	s.setAddr(ln.Addr().String())
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Info("tcp_listen", "addr", s.Addr())

	flag, done := coord.Register("accept")
	defer done()

	go func() { <-ctx.Done(); _ = ln.Close() }()
	for {
		if flag.Load() {
			return nil
		}
		if err := s.acceptOnce(ctx, ln); err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// acceptOnce accepts and dispatches a single connection. It returns
// nil on success or a transient/expected condition, and a wrapped
// error only for a fatal listener failure.
func (s *Server) acceptOnce(ctx context.Context, ln net.Listener) error {
	conn, err := ln.Accept()
	if err != nil {
		select {
		case <-ctx.Done():
			return context.Canceled
		default:
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil
		}
		if errors.Is(err, net.ErrClosed) {
			return context.Canceled
		}
		wrap := fmt.Errorf("%w: %v", ErrAccept, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		return wrap
	}
	s.totalAccepted.Add(1)
	connID := atomic.AddUint64(&s.nextConnID, 1)
	connLogger := s.logger.With("conn_id", connID, "remote", conn.RemoteAddr().String())

	if s.maxClients > 0 && s.pool.ConnectionCount() >= s.maxClients {
		s.totalRejected.Add(1)
		connLogger.Warn("client_reject_max", "max_clients", s.maxClients)
		_ = conn.Close()
		return nil
	}
	connLogger.Info("client_connected")
	s.pool.Dispatch(conn)
	return nil
}

// Shutdown flips every flag in coord and closes the listener. Closing
// connections is the worker pool's responsibility once its flag is
// observed (spec.md §4.7); Shutdown waits, bounded by ctx, until every
// participant registered with coord (accept loop, workers, bus) has
// exited.
func (s *Server) Shutdown(ctx context.Context, coord *shutdown.Coordinator) error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	coord.Stop()
	if ln != nil {
		_ = ln.Close()
	}
	done := make(chan struct{})
	go func() { coord.Join(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: shutdown timeout: %v", ErrContext, ctx.Err())
	case <-done:
		s.logger.Info("shutdown_summary", "accepted", s.totalAccepted.Load(), "rejected", s.totalRejected.Load())
		return nil
	}
}

// WaitReady is a small helper mirroring the teacher's readiness poll:
// it reports whether s became ready within timeout.
func WaitReady(s *Server, timeout time.Duration) bool {
	select {
	case <-s.Ready():
		return true
	case <-time.After(timeout):
		return false
	}
}
