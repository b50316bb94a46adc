package server

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cipherchat/cipherchat/internal/protocol"
)

// idleConn is a transport whose peer never drains anything, standing in for
// a client that stopped reading.
type idleConn struct{}

func (idleConn) ReadFrame() (*protocol.Envelope, error) { return nil, io.EOF }
func (idleConn) WriteFrame(*protocol.Envelope) error    { return nil }
func (idleConn) SetReadDeadline(time.Time) error        { return nil }
func (idleConn) RemoteAddr() string                     { return "stub:0" }
func (idleConn) Close() error                           { return nil }

// TestEnqueueOverflowTearsSessionDown verifies that a session whose send
// queue fills up is considered dead and closed rather than left registered
// with its frames silently dropped.
func TestEnqueueOverflowTearsSessionDown(t *testing.T) {
	srv, err := NewServer(NewConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	s := newSession(srv, idleConn{})
	env := &protocol.Envelope{Type: protocol.TypeText}

	// No write pump is running, so nothing drains the queue.
	for i := 0; i < sendBufferSize; i++ {
		require.True(t, s.enqueue(env), "frame %d should fit the queue", i)
	}
	assert.False(t, s.enqueue(env), "overflow frame must be rejected")

	select {
	case <-s.done:
	case <-time.After(2 * time.Second):
		t.Fatal("session with a stuck queue was not torn down")
	}

	assert.False(t, s.enqueue(env), "enqueue after teardown must be refused")
}
