// Package server implements the CipherChat relay: a TCP acceptor that runs
// one worker per connection through handshake, authentication, and the
// message routing loop.
package server

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cipherchat/cipherchat/internal/crypto"
	"github.com/cipherchat/cipherchat/internal/protocol"
)

// Server owns the listener, the registry, and the process-wide RSA key pair
// used for every connection's key exchange.
type Server struct {
	cfg      *Config
	log      *slog.Logger
	registry *Registry

	privateKey   *rsa.PrivateKey
	publicKeyPEM string

	mu       sync.Mutex
	listener net.Listener
	sessions map[*Session]struct{}
	closing  bool

	wg sync.WaitGroup
}

// NewServer builds a relay with the given configuration. The RSA key pair is
// generated here, once, and reused for the life of the process.
func NewServer(cfg *Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	cfg.sanitize()
	if logger == nil {
		logger = slog.Default()
	}

	key, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	pubPEM, err := crypto.MarshalPublicKey(&key.PublicKey)
	if err != nil {
		return nil, err
	}

	return &Server{
		cfg:          cfg,
		log:          logger,
		registry:     NewRegistry(),
		privateKey:   key,
		publicKeyPEM: pubPEM,
		sessions:     make(map[*Session]struct{}),
	}, nil
}

// Registry exposes the username table for inspection; the router is the only
// writer.
func (srv *Server) Registry() *Registry { return srv.registry }

// ListenAndServe binds the configured TCP address and serves until Shutdown.
// A bind failure is returned immediately so the caller can exit non-zero.
func (srv *Server) ListenAndServe() error {
	l, err := net.Listen("tcp", srv.cfg.ListenAddr())
	if err != nil {
		return fmt.Errorf("bind %s: %w", srv.cfg.ListenAddr(), err)
	}
	return srv.Serve(l)
}

// Serve accepts connections on l, spinning up one worker per connection.
// It returns ErrServerClosed after Shutdown.
func (srv *Server) Serve(l net.Listener) error {
	srv.mu.Lock()
	if srv.closing {
		srv.mu.Unlock()
		return ErrServerClosed
	}
	srv.listener = l
	srv.mu.Unlock()

	srv.log.Info("relay listening", "addr", l.Addr().String())

	for {
		conn, err := l.Accept()
		if err != nil {
			srv.mu.Lock()
			closing := srv.closing
			srv.mu.Unlock()
			if closing {
				return ErrServerClosed
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}

		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(true)
		}

		srv.wg.Add(1)
		go func() {
			defer srv.wg.Done()
			srv.handleConn(protocol.NewStreamConn(conn, srv.cfg.MaxFrameSize))
		}()
	}
}

// Addr returns the listener address, useful when binding port 0 in tests.
func (srv *Server) Addr() net.Addr {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.listener == nil {
		return nil
	}
	return srv.listener.Addr()
}

// handleConn is the per-connection worker: handshake, authenticate, route
// until the connection ends, then clean up exactly once.
func (srv *Server) handleConn(conn protocol.FrameConn) {
	s := newSession(srv, conn)
	srv.trackSession(s)
	s.log.Debug("connection accepted")

	if err := srv.handshake(s); err != nil {
		s.log.Info("handshake failed", "error", err)
		s.teardown("handshake failed")
		return
	}

	srv.wg.Add(1)
	go func() {
		defer srv.wg.Done()
		s.writePump()
	}()

	if err := srv.authenticate(s); err != nil {
		if !errors.Is(err, errAuthFailed) && !isExpectedCloseError(err) {
			s.log.Info("authentication aborted", "error", err)
		}
		s.teardown("authentication failed")
		return
	}

	// Authenticated sessions block on reads indefinitely; the handshake
	// grace period no longer applies.
	_ = s.conn.SetReadDeadline(time.Time{})

	err := srv.readLoop(s)
	switch {
	case errors.Is(err, errOrderlyDisconnect):
		s.teardown("client disconnected")
	case err == nil || isExpectedCloseError(err):
		s.teardown("connection closed")
	default:
		s.log.Info("session ended", "user", s.username, "error", err)
		s.teardown(err.Error())
	}
}

func (srv *Server) trackSession(s *Session) {
	srv.mu.Lock()
	srv.sessions[s] = struct{}{}
	srv.mu.Unlock()
}

// sessionClosed runs once per session, from teardown: deregister, announce
// the leave, release the session's pending transfers, stop tracking.
func (srv *Server) sessionClosed(s *Session, transfers []*fileTransfer, reason string) {
	srv.mu.Lock()
	delete(srv.sessions, s)
	srv.mu.Unlock()

	if s.username != "" {
		srv.registry.Deregister(s.username, s)
		srv.announcePresence("leave", s.username, s)
	}

	for _, tr := range transfers {
		srv.breakTransfer(tr, "counterpart disconnected")
	}

	s.log.Info("session closed", "user", s.username, "reason", reason)
}

// Shutdown stops accepting connections, closes every live session, and
// waits for the workers to finish, bounded by the configured timeout.
func (srv *Server) Shutdown() error {
	srv.mu.Lock()
	if srv.closing {
		srv.mu.Unlock()
		return nil
	}
	srv.closing = true
	listener := srv.listener
	sessions := make([]*Session, 0, len(srv.sessions))
	for s := range srv.sessions {
		sessions = append(sessions, s)
	}
	srv.mu.Unlock()

	srv.log.Info("shutting down", "sessions", len(sessions))

	if listener != nil {
		_ = listener.Close()
	}
	for _, s := range sessions {
		s.teardown("server shutdown")
	}

	done := make(chan struct{})
	go func() {
		srv.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		srv.log.Info("shutdown complete")
		return nil
	case <-time.After(srv.cfg.ShutdownTimeout):
		srv.log.Warn("shutdown timeout reached; some workers may still be running")
		return context.DeadlineExceeded
	}
}
