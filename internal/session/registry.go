package session

import (
	"sync"
	"sync/atomic"
)

// Registry is the process-wide index from identity id to checked-in
// session. Lookups read an atomic pointer to an immutable map snapshot and
// take no lock; mutations copy the map under a mutex and swap the pointer.
type Registry struct {
	mu       sync.Mutex
	snapshot atomic.Pointer[map[string]*Session]
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	empty := make(map[string]*Session)
	r.snapshot.Store(&empty)
	return r
}

// Lookup returns the checked-in session for an identity id, if any.
func (r *Registry) Lookup(identityID []byte) (*Session, bool) {
	m := *r.snapshot.Load()
	s, ok := m[string(identityID)]
	return s, ok
}

// CheckIn binds a session to its identity id. A previously checked-in
// session for the same identity is returned so the caller can close it:
// the newest check-in wins.
func (r *Registry) CheckIn(s *Session) (previous *Session) {
	key := string(s.IdentityID)
	r.mu.Lock()
	defer r.mu.Unlock()
	old := *r.snapshot.Load()
	next := make(map[string]*Session, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	previous = next[key]
	next[key] = s
	r.snapshot.Store(&next)
	return previous
}

// CheckOut removes a session from the index. It is a no-op when a newer
// session has already taken the identity over.
func (r *Registry) CheckOut(s *Session) {
	key := string(s.IdentityID)
	r.mu.Lock()
	defer r.mu.Unlock()
	old := *r.snapshot.Load()
	if old[key] != s {
		return
	}
	next := make(map[string]*Session, len(old))
	for k, v := range old {
		if k != key {
			next[k] = v
		}
	}
	r.snapshot.Store(&next)
}

// Len returns the number of checked-in sessions.
func (r *Registry) Len() int {
	return len(*r.snapshot.Load())
}
