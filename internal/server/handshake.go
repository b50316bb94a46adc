// Package server runs the per-connection key exchange that establishes a
// symmetric session key before any application traffic is accepted.
package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/cipherchat/cipherchat/internal/crypto"
	"github.com/cipherchat/cipherchat/internal/protocol"
)

// handshake performs the server side of the key exchange on a fresh
// connection: send the public key, await the wrapped session secret, derive
// the AES session key. It runs before the write pump starts, so it owns the
// transport exclusively. Any failure is fatal to the connection; the client
// recovers by reconnecting and redoing the full exchange.
func (srv *Server) handshake(s *Session) error {
	deadline := time.Now().Add(srv.cfg.HandshakeTimeout)
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return fmt.Errorf("set handshake deadline: %w", err)
	}

	payload, err := protocol.EncodeBody(protocol.ServerKeyBody{PublicKeyPEM: srv.publicKeyPEM})
	if err != nil {
		return err
	}
	keyEnv := &protocol.Envelope{Type: protocol.TypeServerKey, Payload: payload}
	keyEnv.Stamp(time.Now())
	if err := s.conn.WriteFrame(keyEnv); err != nil {
		return fmt.Errorf("send server key: %w", err)
	}

	env, err := s.conn.ReadFrame()
	if err != nil {
		return fmt.Errorf("await session key: %w", err)
	}

	// Nothing but the wrapped session key is legal here. Application data
	// before the session is established never reaches the router.
	if env.Type != protocol.TypeSessionKey {
		srv.rejectPlaintext(s, protocol.CodeHandshakeRequired,
			fmt.Sprintf("expected %s, got %s", protocol.TypeSessionKey, env.Type))
		return fmt.Errorf("%w: %s before session established", ErrProtocolViolation, env.Type)
	}

	var body protocol.SessionKeyBody
	if err := protocol.DecodeBody(env.Payload, &body); err != nil {
		return err
	}
	secret, err := crypto.UnwrapSecret(srv.privateKey, body.Wrapped)
	if err != nil {
		return err
	}
	sessionKey, err := crypto.DeriveSessionKey(secret)
	if err != nil {
		return err
	}
	cipher, err := crypto.NewCipher(sessionKey)
	if err != nil {
		return err
	}

	s.cipher = cipher
	s.log.Debug("session key established")
	return nil
}

// rejectPlaintext sends an unencrypted error during the handshake phase,
// before a session cipher exists. Write failures are irrelevant: the
// connection is being torn down either way.
func (srv *Server) rejectPlaintext(s *Session, code, detail string) {
	payload, err := protocol.EncodeBody(protocol.ErrorBody{Code: code, Detail: detail})
	if err != nil {
		return
	}
	env := &protocol.Envelope{Type: protocol.TypeError, Payload: payload}
	env.Stamp(time.Now())
	_ = s.conn.WriteFrame(env)
}

// errAuthFailed signals that a connection exhausted its authentication
// attempts and must close.
var errAuthFailed = errors.New("authentication failed")

// authenticate runs the post-handshake login loop: the client may retry a
// rejected username up to the configured limit before the server gives up.
// On success the session is registered and the join is announced.
func (srv *Server) authenticate(s *Session) error {
	for attempt := 1; ; attempt++ {
		if attempt > srv.cfg.AuthRetryLimit {
			return errAuthFailed
		}

		env, err := s.conn.ReadFrame()
		if err != nil {
			if protocol.IsFrameError(err) {
				s.sendError(protocol.CodeProtocolViolation, err.Error())
				continue
			}
			return fmt.Errorf("await auth request: %w", err)
		}

		switch env.Type {
		case protocol.TypeAuthRequest:
		case protocol.TypeDisconnect:
			return errAuthFailed
		default:
			s.sendError(protocol.CodeAuthRequired,
				fmt.Sprintf("%s before authentication", env.Type))
			continue
		}

		var body protocol.AuthRequestBody
		if err := s.openBody(env, &body); err != nil {
			if errors.Is(err, crypto.ErrDecrypt) {
				return err
			}
			s.sendError(protocol.CodeProtocolViolation, err.Error())
			continue
		}

		err = srv.registry.Register(body.Username, s)
		if err == nil {
			s.username = body.Username
			now := time.Now()
			s.sendMessage(protocol.TypeAuthAccept, "", s.username,
				protocol.AuthAcceptBody{Username: s.username, Users: srv.registry.Snapshot()}, now)
			srv.announcePresence("join", s.username, s)
			s.log.Info("user authenticated", "user", s.username, "attempts", attempt)
			return nil
		}

		code := protocol.CodeNameTaken
		if errors.Is(err, ErrInvalidName) {
			code = protocol.CodeInvalidName
		}
		remaining := srv.cfg.AuthRetryLimit - attempt
		reject := protocol.AuthRejectBody{
			Code:      code,
			Reason:    err.Error(),
			Remaining: remaining,
		}
		s.sendMessage(protocol.TypeAuthReject, "", "", reject, time.Now())
		s.log.Info("auth rejected", "user", body.Username, "remaining", remaining)
		if remaining <= 0 {
			return errAuthFailed
		}
	}
}
