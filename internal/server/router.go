// Package server routes decoded application messages between sessions:
// broadcast, private delivery, file relay, and presence updates.
package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/cipherchat/cipherchat/internal/crypto"
	"github.com/cipherchat/cipherchat/internal/protocol"
)

// errOrderlyDisconnect ends the read loop for a client that announced its
// exit, as opposed to one that vanished.
var errOrderlyDisconnect = errors.New("client disconnected")

// readLoop processes frames for an authenticated session until the client
// leaves, an I/O error occurs, or the connection exhausts its protocol
// violation budget.
func (srv *Server) readLoop(s *Session) error {
	violations := 0
	for {
		env, err := s.conn.ReadFrame()
		if err != nil {
			if protocol.IsFrameError(err) {
				// Malformed line: discarded by the decoder, the
				// stream itself is still in sync.
				s.log.Warn("dropping malformed frame", "user", s.username, "error", err)
				violations++
				s.sendError(protocol.CodeProtocolViolation, err.Error())
				if violations > srv.cfg.ViolationLimit {
					return fmt.Errorf("%w: violation budget exhausted", ErrProtocolViolation)
				}
				continue
			}
			return err
		}

		if rateLimited(env.Type) && !s.limiter.allow() {
			s.log.Warn("rate limit exceeded; discarding message", "user", s.username, "type", env.Type)
			continue
		}

		err = srv.route(s, env)
		switch {
		case err == nil:
		case errors.Is(err, errOrderlyDisconnect):
			return errOrderlyDisconnect
		case errors.Is(err, crypto.ErrDecrypt):
			// Wrong key or tampering. There is no way to trust
			// anything else on this connection.
			return err
		case errors.Is(err, ErrProtocolViolation):
			violations++
			s.sendError(protocol.CodeProtocolViolation, err.Error())
			if violations > srv.cfg.ViolationLimit {
				return fmt.Errorf("%w: violation budget exhausted", ErrProtocolViolation)
			}
		default:
			return err
		}
	}
}

// rateLimited reports whether a message type counts against the inbound
// limiter. Transfer data frames are exempt: the relay demands contiguous
// chunk sequences, so throttling a chunk here would manufacture the very
// gap the sequence validation exists to catch.
func rateLimited(t protocol.MessageType) bool {
	switch t {
	case protocol.TypeFileChunk, protocol.TypeFileComplete:
		return false
	default:
		return true
	}
}

// route dispatches one decoded envelope from an authenticated session.
// Errors wrapping ErrProtocolViolation are recoverable; anything else ends
// the session.
func (srv *Server) route(s *Session, env *protocol.Envelope) error {
	switch env.Type {
	case protocol.TypeText:
		return srv.routeText(s, env)
	case protocol.TypePrivate:
		return srv.routePrivate(s, env)
	case protocol.TypeUserList:
		return srv.routeUserList(s)
	case protocol.TypeFileOffer:
		return srv.routeFileOffer(s, env)
	case protocol.TypeFileAck:
		return srv.routeFileAck(s, env)
	case protocol.TypeFileChunk:
		return srv.routeFileChunk(s, env)
	case protocol.TypeFileComplete:
		return srv.routeFileComplete(s, env)
	case protocol.TypeDisconnect:
		return errOrderlyDisconnect
	default:
		return fmt.Errorf("%w: unexpected %s message", ErrProtocolViolation, env.Type)
	}
}

// routeText fans a public message out to every registered session. The
// sender receives its own echo so all clients render identical history.
func (srv *Server) routeText(s *Session, env *protocol.Envelope) error {
	var body protocol.TextBody
	if err := s.openBody(env, &body); err != nil {
		return err
	}

	now := time.Now()
	for _, target := range srv.registry.Sessions() {
		target.sendMessage(protocol.TypeText, s.username, "*", body, now)
	}
	return nil
}

// routePrivate delivers a direct message and echoes a delivery confirmation
// back to the sender. The confirmation is the same envelope with Echo set in
// its body rather than a separate message type.
func (srv *Server) routePrivate(s *Session, env *protocol.Envelope) error {
	var body protocol.PrivateBody
	if err := s.openBody(env, &body); err != nil {
		return err
	}

	target := srv.registry.Lookup(env.To)
	if target == nil {
		s.sendError(protocol.CodeUserNotFound, fmt.Sprintf("user %q is not connected", env.To))
		return nil
	}

	now := time.Now()
	body.Echo = false
	target.sendMessage(protocol.TypePrivate, s.username, env.To, body, now)
	body.Echo = true
	s.sendMessage(protocol.TypePrivate, s.username, env.To, body, now)
	return nil
}

// routeUserList answers an explicit roster request from one client.
func (srv *Server) routeUserList(s *Session) error {
	s.sendMessage(protocol.TypeUserList, "", s.username,
		protocol.UserListBody{Users: srv.registry.Snapshot()}, time.Now())
	return nil
}

func (srv *Server) routeFileOffer(s *Session, env *protocol.Envelope) error {
	var body protocol.FileOfferBody
	if err := s.openBody(env, &body); err != nil {
		return err
	}
	if body.TransferID == "" {
		return fmt.Errorf("%w: file offer without transfer id", ErrProtocolViolation)
	}

	target := srv.registry.Lookup(env.To)
	if target == nil {
		s.sendError(protocol.CodeUserNotFound, fmt.Sprintf("user %q is not connected", env.To))
		return nil
	}

	if _, err := srv.registerTransfer(body.TransferID, body.Filename, body.Size, s, target); err != nil {
		return err
	}
	target.sendMessage(protocol.TypeFileOffer, s.username, env.To, body, time.Now())
	s.log.Info("file offer relayed",
		"transfer", body.TransferID, "from", s.username, "to", env.To,
		"filename", body.Filename, "size", body.Size)
	return nil
}

func (srv *Server) routeFileAck(s *Session, env *protocol.Envelope) error {
	var body protocol.FileAckBody
	if err := s.openBody(env, &body); err != nil {
		return err
	}

	tr := s.lookupTransfer(body.TransferID)
	if tr == nil || tr.dest != s {
		return fmt.Errorf("%w: ack for unknown transfer %q", ErrProtocolViolation, body.TransferID)
	}

	tr.source.sendMessage(protocol.TypeFileAck, s.username, tr.source.username, body, time.Now())
	if !body.Accepted {
		if tr.finish() {
			removeTransfer(tr)
			s.log.Info("file offer rejected", "transfer", tr.id, "by", s.username)
		}
	}
	return nil
}

// routeFileChunk relays one chunk verbatim after validating its sequence
// number. The server never reassembles or stores chunk data.
func (srv *Server) routeFileChunk(s *Session, env *protocol.Envelope) error {
	var body protocol.FileChunkBody
	if err := s.openBody(env, &body); err != nil {
		return err
	}

	tr := s.lookupTransfer(body.TransferID)
	if tr == nil || tr.source != s {
		return fmt.Errorf("%w: chunk for unknown transfer %q", ErrProtocolViolation, body.TransferID)
	}

	if err := tr.acceptChunk(body.Seq); err != nil {
		srv.breakTransfer(tr, err.Error())
		return nil
	}

	tr.dest.sendMessage(protocol.TypeFileChunk, s.username, tr.dest.username, body, time.Now())
	return nil
}

func (srv *Server) routeFileComplete(s *Session, env *protocol.Envelope) error {
	var body protocol.FileCompleteBody
	if err := s.openBody(env, &body); err != nil {
		return err
	}

	tr := s.lookupTransfer(body.TransferID)
	if tr == nil || tr.source != s {
		return fmt.Errorf("%w: completion for unknown transfer %q", ErrProtocolViolation, body.TransferID)
	}

	tr.dest.sendMessage(protocol.TypeFileComplete, s.username, tr.dest.username, body, time.Now())
	srv.completeTransfer(tr)
	return nil
}

// announcePresence broadcasts a join or leave notice plus a fresh roster to
// every session except the subject itself.
func (srv *Server) announcePresence(event, username string, exclude *Session) {
	now := time.Now()
	notice := protocol.SystemBody{
		Text:  fmt.Sprintf("%s %s the chatroom.", username, presenceVerb(event)),
		Event: event,
		User:  username,
	}
	roster := protocol.UserListBody{Users: srv.registry.Snapshot()}

	for _, target := range srv.registry.Sessions() {
		if target == exclude {
			continue
		}
		target.sendMessage(protocol.TypeSystem, "", "*", notice, now)
		target.sendMessage(protocol.TypeUserList, "", "*", roster, now)
	}
}

func presenceVerb(event string) string {
	if event == "join" {
		return "joined"
	}
	return "left"
}
