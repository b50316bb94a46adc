// Package server manages individual client sessions, handling the outbound
// write pump, per-session encryption, rate limiting, and lifecycle control
// for each connection.
package server

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cipherchat/cipherchat/internal/crypto"
	"github.com/cipherchat/cipherchat/internal/protocol"
)

// sendBufferSize is the depth of a session's outbound queue. A session that
// cannot drain this many frames is considered dead and is torn down rather
// than allowed to stall its peers.
const sendBufferSize = 256

// Session is the server-side state for one live client connection. It owns
// its transport, its session cipher, and its authenticated username once
// set. Other workers deliver to it only through its buffered send queue,
// which the writePump drains sequentially — that single writer is what
// gives per-target FIFO ordering.
type Session struct {
	srv  *Server
	conn protocol.FrameConn
	addr string
	log  *slog.Logger

	// cipher and username are written by the owning worker before the
	// session becomes visible in the registry.
	cipher   *crypto.Cipher
	username string

	limiter *rateLimiter

	send chan *protocol.Envelope
	done chan struct{}

	mu        sync.Mutex
	closed    bool
	transfers map[string]*fileTransfer

	closeOnce sync.Once
}

func newSession(srv *Server, conn protocol.FrameConn) *Session {
	addr := conn.RemoteAddr()
	return &Session{
		srv:       srv,
		conn:      conn,
		addr:      addr,
		log:       srv.log.With("remote", addr),
		limiter:   newRateLimiter(srv.cfg.RateLimit.Burst, srv.cfg.RateLimit.RefillInterval),
		send:      make(chan *protocol.Envelope, sendBufferSize),
		done:      make(chan struct{}),
		transfers: make(map[string]*fileTransfer),
	}
}

// enqueue hands a fully encoded envelope to the session's write path. It
// never blocks: delivery to a closed session or one with a full queue
// reports false and the caller decides what that means.
func (s *Session) enqueue(env *protocol.Envelope) bool {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return false
	}

	select {
	case s.send <- env:
		return true
	default:
		// A full queue means the peer has stopped draining its
		// connection. Ending the session beats silently dropping
		// frames at everyone who still routes to it.
		go s.teardown("send queue overflow")
		return false
	}
}

// sendMessage seals a typed body with this session's key and queues the
// resulting envelope. It reports false when the session cannot accept it.
func (s *Session) sendMessage(t protocol.MessageType, sender, to string, body any, now time.Time) bool {
	if s.cipher == nil {
		return false
	}
	plaintext, err := protocol.EncodeBody(body)
	if err != nil {
		s.log.Error("encode message body", "type", t, "error", err)
		return false
	}
	nonce, ciphertext, err := s.cipher.Seal(plaintext)
	if err != nil {
		s.log.Error("seal message body", "type", t, "error", err)
		return false
	}
	env := &protocol.Envelope{
		Type:   t,
		Sender: sender,
		To:     to,
		Enc:    &protocol.EncryptedPayload{Nonce: nonce, Ciphertext: ciphertext},
	}
	env.Stamp(now)
	return s.enqueue(env)
}

// sendError reports a protocol-level error to this session only.
func (s *Session) sendError(code, detail string) {
	s.sendMessage(protocol.TypeError, "", s.username, protocol.ErrorBody{Code: code, Detail: detail}, time.Now())
}

// openBody decrypts and decodes an inbound envelope's encrypted payload.
func (s *Session) openBody(env *protocol.Envelope, body any) error {
	if env.Enc == nil {
		return &protocol.FrameError{Reason: "missing encrypted payload"}
	}
	plaintext, err := s.cipher.Open(env.Enc.Nonce, env.Enc.Ciphertext)
	if err != nil {
		return err
	}
	return protocol.DecodeBody(plaintext, body)
}

// writePump drains the send queue onto the wire. It is the session's only
// writer. It exits when the session closes or a write fails.
func (s *Session) writePump() {
	for {
		select {
		case env := <-s.send:
			if err := s.conn.WriteFrame(env); err != nil {
				if !isExpectedCloseError(err) {
					s.log.Warn("write frame", "user", s.username, "error", err)
				}
				s.teardown("write failure")
				return
			}
		case <-s.done:
			return
		}
	}
}

// teardown releases everything the session owns. It runs exactly once no
// matter how many paths race into it: read error, write error, server
// shutdown, or an orderly disconnect.
func (s *Session) teardown(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		transfers := make([]*fileTransfer, 0, len(s.transfers))
		for _, tr := range s.transfers {
			transfers = append(transfers, tr)
		}
		s.mu.Unlock()

		// Give the write pump a brief window to flush queued frames so a
		// final auth_reject or error report reaches the client.
		flushDeadline := time.Now().Add(250 * time.Millisecond)
		for len(s.send) > 0 && time.Now().Before(flushDeadline) {
			time.Sleep(5 * time.Millisecond)
		}

		close(s.done)
		_ = s.conn.Close()

		s.srv.sessionClosed(s, transfers, reason)
	})
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "connection reset by peer") ||
		strings.Contains(errStr, "broken pipe")
}
