// Package session holds per-connection protocol state and the process-wide
// registry of checked-in clients.
package session

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/profnet/profiled/internal/wire"
)

// Role is a bit in a listener's role set.
type Role uint8

const (
	RolePrimary Role = 1 << iota
	RoleServerNeighbor
	RoleClientNonCustomer
	RoleClientCustomer
	RoleClientAppService
)

func (r Role) String() string {
	switch r {
	case RolePrimary:
		return "primary"
	case RoleServerNeighbor:
		return "server-neighbor"
	case RoleClientNonCustomer:
		return "client-non-customer"
	case RoleClientCustomer:
		return "client-customer"
	case RoleClientAppService:
		return "client-app-service"
	}
	return "unknown"
}

// RoleSet is the set of roles served by one listening endpoint.
type RoleSet uint8

// Has reports whether any role in rs intersects required.
func (rs RoleSet) Has(required RoleSet) bool { return rs&required != 0 }

// Status is the conversation state of a session.
type Status uint8

const (
	StatusNone Status = iota
	StatusStarted
	StatusVerified
	StatusAuthenticated
)

func (s Status) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusStarted:
		return "started"
	case StatusVerified:
		return "verified"
	case StatusAuthenticated:
		return "authenticated"
	}
	return "unknown"
}

// Satisfies reports whether the session status meets a handler's required
// status. Authenticated implies Verified; a required StatusStarted accepts
// any non-None state.
func (s Status) Satisfies(required Status) bool {
	switch required {
	case StatusNone:
		return true
	case StatusStarted:
		return s != StatusNone
	case StatusVerified:
		return s == StatusVerified || s == StatusAuthenticated
	case StatusAuthenticated:
		return s == StatusAuthenticated
	}
	return false
}

var ErrClosed = errors.New("session closed")

// PendingRequest tracks one server-initiated request awaiting the client's
// response. The dispatcher completes it when the matching response arrives.
type PendingRequest struct {
	Kind           wire.Kind
	IsConversation bool
	Response       chan *wire.Response // buffered, capacity 1
}

// Session is the protocol state of one accepted connection. The read loop
// owns all transitions; Send is safe from any goroutine.
type Session struct {
	conn  net.Conn
	roles RoleSet

	writeMu sync.Mutex
	closed  atomic.Bool

	// Mutable protocol state, owned by the connection's read loop.
	Status          Status
	Version         wire.SemVer
	PublicKey       []byte
	IdentityID      []byte
	Challenge       []byte // server-issued, signed by the client later
	ClientChallenge []byte

	// Application services registered by this (checked-in) session.
	services map[string]struct{}

	// Search results cached for ProfileSearchPart.
	SearchCache []wire.ProfileQueryInformation

	// Set while this session drives a neighborhood initialization.
	// Atomic: the snapshot streamer and the close callback both touch it.
	NeighborhoodInit atomic.Bool

	pendingMu sync.Mutex
	nextID    uint32
	pending   map[uint32]*PendingRequest

	deadlineMu sync.Mutex
	deadline   time.Time

	// onClose callbacks run exactly once, in order, when the session closes.
	closeMu   sync.Mutex
	onClose   []func()
	closeOnce sync.Once
}

// New wraps an accepted connection.
func New(conn net.Conn, roles RoleSet, keepAlive time.Duration) *Session {
	return &Session{
		conn:     conn,
		roles:    roles,
		services: make(map[string]struct{}),
		pending:  make(map[uint32]*PendingRequest),
		// Server-initiated message ids live in the high range so they
		// never collide with client-chosen ids in log output.
		nextID:   1 << 30,
		deadline: time.Now().Add(keepAlive),
	}
}

// Roles returns the role set of the listener that accepted this session.
func (s *Session) Roles() RoleSet { return s.roles }

// RemoteAddr returns the peer address for logs.
func (s *Session) RemoteAddr() string {
	if s.conn == nil {
		return ""
	}
	return s.conn.RemoteAddr().String()
}

// Touch pushes the keepalive deadline forward. Called on every decoded
// message.
func (s *Session) Touch(keepAlive time.Duration) {
	s.deadlineMu.Lock()
	s.deadline = time.Now().Add(keepAlive)
	s.deadlineMu.Unlock()
}

// Deadline returns the current keepalive deadline.
func (s *Session) Deadline() time.Time {
	s.deadlineMu.Lock()
	defer s.deadlineMu.Unlock()
	return s.deadline
}

// Send serializes and writes one message as a single frame.
func (s *Session) Send(m *wire.Message) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := wire.WriteMessage(s.conn, m); err != nil {
		return fmt.Errorf("send to %s: %w", s.RemoteAddr(), err)
	}
	return nil
}

// SendRequest sends a server-initiated request and registers it as pending.
// The returned PendingRequest's channel receives the client's response, or
// is closed when the session dies first.
func (s *Session) SendRequest(req *wire.Request) (*PendingRequest, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	s.pendingMu.Lock()
	id := s.nextID
	s.nextID++
	pr := &PendingRequest{
		Kind:           req.Kind(),
		IsConversation: req.IsConversation(),
		Response:       make(chan *wire.Response, 1),
	}
	s.pending[id] = pr
	s.pendingMu.Unlock()

	if err := s.Send(&wire.Message{ID: id, Request: req}); err != nil {
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
		return nil, err
	}
	return pr, nil
}

// TakePending removes and returns the pending request for a message id.
func (s *Session) TakePending(id uint32) (*PendingRequest, bool) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	pr, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	return pr, ok
}

// AddService registers an application service name on this session.
// Adding a name twice is a no-op; the cap counts distinct names.
func (s *Session) AddService(name string) bool {
	if _, ok := s.services[name]; ok {
		return true
	}
	if len(s.services) >= maxServices {
		return false
	}
	s.services[name] = struct{}{}
	return true
}

const maxServices = 32

// RemoveService drops a service name; reports whether it was present.
func (s *Session) RemoveService(name string) bool {
	if _, ok := s.services[name]; !ok {
		return false
	}
	delete(s.services, name)
	return true
}

// HasService reports whether the session registered the named service.
func (s *Session) HasService(name string) bool {
	_, ok := s.services[name]
	return ok
}

// Services returns a copy of the registered service names.
func (s *Session) Services() []string {
	out := make([]string, 0, len(s.services))
	for name := range s.services {
		out = append(out, name)
	}
	return out
}

// OnClose registers a teardown callback. If the session is already closed
// the callback runs immediately.
func (s *Session) OnClose(fn func()) {
	s.closeMu.Lock()
	if s.closed.Load() {
		s.closeMu.Unlock()
		fn()
		return
	}
	s.onClose = append(s.onClose, fn)
	s.closeMu.Unlock()
}

// Close tears the session down: the connection is closed, every pending
// request channel is closed, and close callbacks fire. Safe to call more
// than once and from any goroutine.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.conn.Close()

		s.pendingMu.Lock()
		for id, pr := range s.pending {
			close(pr.Response)
			delete(s.pending, id)
		}
		s.pendingMu.Unlock()

		s.closeMu.Lock()
		callbacks := s.onClose
		s.onClose = nil
		s.closeMu.Unlock()
		for _, fn := range callbacks {
			fn()
		}
	})
}

// Closed reports whether Close has run.
func (s *Session) Closed() bool { return s.closed.Load() }
