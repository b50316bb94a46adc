package server

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	s := &Session{}

	require.NoError(t, r.Register("alice", s))
	assert.Same(t, s, r.Lookup("alice"))
	assert.Nil(t, r.Lookup("bob"))
	assert.Equal(t, 1, r.Len())
}

func TestRegisterRejectsEmptyName(t *testing.T) {
	r := NewRegistry()
	assert.ErrorIs(t, r.Register("", &Session{}), ErrInvalidName)
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("alice", &Session{}))
	assert.ErrorIs(t, r.Register("alice", &Session{}), ErrNameTaken)
}

func TestRegisterIsCaseSensitive(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("alice", &Session{}))
	assert.NoError(t, r.Register("Alice", &Session{}))
}

func TestDeregisterIsIdempotent(t *testing.T) {
	r := NewRegistry()
	s := &Session{}
	require.NoError(t, r.Register("alice", s))

	r.Deregister("alice", s)
	assert.Nil(t, r.Lookup("alice"))

	// Safe to call again, and for names never registered.
	r.Deregister("alice", s)
	r.Deregister("ghost", s)
}

func TestDeregisterIgnoresSuccessorSession(t *testing.T) {
	r := NewRegistry()
	old := &Session{}
	require.NoError(t, r.Register("alice", old))
	r.Deregister("alice", old)

	successor := &Session{}
	require.NoError(t, r.Register("alice", successor))

	// A stale cleanup from the old session must not evict the successor.
	r.Deregister("alice", old)
	assert.Same(t, successor, r.Lookup("alice"))
}

func TestSnapshotPreservesRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"carol", "alice", "bob"} {
		require.NoError(t, r.Register(name, &Session{}))
	}
	assert.Equal(t, []string{"carol", "alice", "bob"}, r.Snapshot())

	r.Deregister("alice", r.Lookup("alice"))
	assert.Equal(t, []string{"carol", "bob"}, r.Snapshot())
}

// TestConcurrentRegistrationSameName drives many goroutines at one username
// and verifies the atomic check-and-insert: exactly one wins, everyone else
// gets ErrNameTaken.
func TestConcurrentRegistrationSameName(t *testing.T) {
	r := NewRegistry()

	const attempts = 100
	var wins, rejections atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			switch err := r.Register("alice", &Session{}); err {
			case nil:
				wins.Add(1)
			case ErrNameTaken:
				rejections.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}

	close(start)
	wg.Wait()

	assert.Equal(t, int64(1), wins.Load())
	assert.Equal(t, int64(attempts-1), rejections.Load())
	assert.Equal(t, 1, r.Len())
}

func TestConcurrentMixedOperations(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			name := string(rune('a' + n%26))
			s := &Session{}
			if err := r.Register(name, s); err == nil {
				r.Lookup(name)
				r.Snapshot()
				r.Deregister(name, s)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, r.Len())
}
