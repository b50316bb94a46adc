// Package server defines the error kinds the relay reports to clients and
// uses internally to decide whether a connection survives a failure.
package server

import "errors"

var (
	// ErrNameTaken reports a registration attempt for a username that is
	// already present. Recoverable: the connection stays open for a retry.
	ErrNameTaken = errors.New("username already taken")

	// ErrInvalidName reports an empty or otherwise unusable username.
	ErrInvalidName = errors.New("invalid username")

	// ErrUserNotFound reports a lookup for a username with no live session.
	ErrUserNotFound = errors.New("user not found")

	// ErrTransferBroken reports a file transfer discarded because of a
	// sequence gap, a stall, or a party disconnecting.
	ErrTransferBroken = errors.New("file transfer broken")

	// ErrProtocolViolation reports a message that is unknown or illegal in
	// the session's current state.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrServerClosed is returned by Serve after Shutdown.
	ErrServerClosed = errors.New("server closed")
)
