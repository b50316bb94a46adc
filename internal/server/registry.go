// Package server coordinates username registration, presence, and lookup
// for the CipherChat relay via the Registry type.
package server

import (
	"sync"
	"time"
)

type registryEntry struct {
	session  *Session
	joinedAt time.Time
}

// Registry is the process-wide table of connected usernames. Registration is
// an atomic check-and-insert, so two connections racing for the same name
// cannot both win. Critical sections are map operations only; no I/O ever
// happens under the lock.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*registryEntry
	order   []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*registryEntry)}
}

// Register binds a username to a session. It returns ErrInvalidName for an
// empty name and ErrNameTaken when the exact name is already present.
func (r *Registry) Register(username string, s *Session) error {
	if username == "" {
		return ErrInvalidName
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[username]; exists {
		return ErrNameTaken
	}
	r.entries[username] = &registryEntry{session: s, joinedAt: time.Now()}
	r.order = append(r.order, username)
	return nil
}

// Deregister removes a username if it is still bound to the given session.
// It is idempotent and safe to call for names that were never registered, so
// disconnect cleanup can run unconditionally. The session check prevents a
// closing connection from evicting a successor that re-claimed the name.
func (r *Registry) Deregister(username string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.entries[username]
	if !exists || entry.session != s {
		return
	}
	delete(r.entries, username)
	for i, name := range r.order {
		if name == username {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Lookup returns the session bound to a username, or nil.
func (r *Registry) Lookup(username string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if entry, exists := r.entries[username]; exists {
		return entry.session
	}
	return nil
}

// Snapshot returns the connected usernames in registration order: one
// consistent view at one instant.
func (r *Registry) Snapshot() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]string(nil), r.order...)
}

// Sessions returns the live sessions in registration order, for fan-out.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]*Session, 0, len(r.order))
	for _, name := range r.order {
		sessions = append(sessions, r.entries[name].session)
	}
	return sessions
}

// Len returns the number of registered usernames.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.entries)
}
