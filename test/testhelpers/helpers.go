// Package testhelpers provides common utilities and helper functions for
// testing the CipherChat relay.
//
// This package contains reusable test utilities shared across the
// integration tests: starting a relay on a loopback port, connecting
// authenticated clients, and waiting on the client event stream.
package testhelpers

import (
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/cipherchat/cipherchat/internal/client"
	"github.com/cipherchat/cipherchat/internal/server"
)

// DialTimeout bounds every connect and read performed by the helpers.
const DialTimeout = 5 * time.Second

// StartRelay runs a relay on an ephemeral loopback port and returns its
// address. The relay is shut down when the test finishes.
func StartRelay(t *testing.T, cfg *server.Config) (string, *server.Server) {
	t.Helper()

	if cfg == nil {
		cfg = server.NewConfig()
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := server.NewServer(cfg, logger)
	if err != nil {
		t.Fatalf("Failed to create relay: %v", err)
	}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to bind loopback listener: %v", err)
	}

	go func() { _ = srv.Serve(l) }()
	t.Cleanup(func() { _ = srv.Shutdown() })

	return l.Addr().String(), srv
}

// Connect dials the relay and logs in under the given username. The
// connection is closed when the test finishes.
func Connect(t *testing.T, addr, username string) *client.Client {
	t.Helper()

	c, err := client.Dial(addr, DialTimeout)
	if err != nil {
		t.Fatalf("Failed to connect %q: %v", username, err)
	}
	if err := c.Login(username); err != nil {
		t.Fatalf("Failed to log in %q: %v", username, err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// WaitForEvent blocks until the client produces an event of the given kind,
// discarding everything else. It fails the test on timeout.
func WaitForEvent(t *testing.T, c *client.Client, kind client.EventKind, what string) client.Event {
	t.Helper()

	deadline := time.After(DialTimeout)
	for {
		select {
		case ev, ok := <-c.Events():
			if !ok {
				t.Fatalf("Event stream closed while waiting for %s", what)
			}
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("Timed out waiting for %s", what)
		}
	}
}

// WaitForText waits for a broadcast or private text event carrying the
// given body, discarding presence noise in between.
func WaitForText(t *testing.T, c *client.Client, text string) client.Event {
	t.Helper()

	deadline := time.After(DialTimeout)
	for {
		select {
		case ev, ok := <-c.Events():
			if !ok {
				t.Fatalf("Event stream closed while waiting for text %q", text)
			}
			if (ev.Kind == client.EventText || ev.Kind == client.EventPrivate) && ev.Text == text {
				return ev
			}
		case <-deadline:
			t.Fatalf("Timed out waiting for text %q", text)
		}
	}
}

// ExpectNoEvent verifies that no event of the given kind arrives within the
// window. Events of other kinds are discarded.
func ExpectNoEvent(t *testing.T, c *client.Client, kind client.EventKind, window time.Duration) {
	t.Helper()

	deadline := time.After(window)
	for {
		select {
		case ev, ok := <-c.Events():
			if !ok {
				return
			}
			if ev.Kind == kind {
				t.Errorf("Unexpected %v event: %+v", kind, ev)
				return
			}
		case <-deadline:
			return
		}
	}
}

// DrainEvents discards pending events for the given window so a test can
// start from a quiet stream.
func DrainEvents(c *client.Client, window time.Duration) {
	deadline := time.After(window)
	for {
		select {
		case <-c.Events():
		case <-deadline:
			return
		}
	}
}
