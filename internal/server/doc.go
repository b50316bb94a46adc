// Package server implements the core connection and session engine for the
// CipherChat relay.
//
// The implementation is organized into specialized files for configuration,
// the registry, sessions, the key-exchange handshake, message routing, file
// transfer tracking, and the WebSocket bridge to keep the codebase
// maintainable and testable as the project grows.
package server
