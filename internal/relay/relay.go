// Package relay bridges application-service calls between two authenticated
// identities. A relay is created when a caller asks for a hosted identity's
// service, pairs two fresh connections on the app-service endpoint by
// token, and then forwards payloads in strict request/ack lockstep per
// direction.
package relay

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// TokenSize is the length of a relay pairing token (128-bit).
const TokenSize = 16

// State is the lifecycle position of a relay.
type State uint8

const (
	// Created: tokens issued, callee not yet notified.
	Created State = iota
	// CalleeNotified: the incoming-call notification is with the callee.
	CalleeNotified
	// CalleeAccepted: callee said yes; caller has its token.
	CalleeAccepted
	// CallerAcknowledged: one endpoint arrived on the app-service port.
	CallerAcknowledged
	// Established: both endpoints paired; payloads flow.
	Established
	// Closed: torn down; tokens are dead.
	Closed
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case CalleeNotified:
		return "callee-notified"
	case CalleeAccepted:
		return "callee-accepted"
	case CallerAcknowledged:
		return "caller-acknowledged"
	case Established:
		return "established"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Endpoint is one side of a relay.
type Endpoint int

const (
	Caller Endpoint = iota
	Callee
)

func (e Endpoint) String() string {
	if e == Caller {
		return "caller"
	}
	return "callee"
}

// Other returns the opposite side.
func (e Endpoint) Other() Endpoint {
	if e == Caller {
		return Callee
	}
	return Caller
}

// Conn is the slice of a client session the relay needs. Implemented by
// *session.Session; narrowed here so the relay package stays free of
// session internals and tests can use fakes.
type Conn interface {
	Close()
	Closed() bool
}

// Relay is one in-memory call bridge. All fields are guarded by the
// engine's mutex; the struct itself has no lock.
type Relay struct {
	CallerToken [TokenSize]byte
	CalleeToken [TokenSize]byte
	ServiceName string
	CreatedAt   time.Time

	state State

	// App-service connections, nil until paired. These are weak
	// references: the owning registration lives in the engine's token
	// index and is dropped on teardown.
	conns [2]Conn

	// callerDone resumes the suspended caller exactly once.
	callerOnce sync.Once
	callerDone chan CallOutcome

	pairingTimer *time.Timer
}

// CallOutcome is what the suspended caller learns when the callee answers
// (or fails to).
type CallOutcome struct {
	Accepted bool
	Rejected bool // callee explicitly declined; otherwise unavailable
}

// newRelay issues fresh random tokens. Tokens are uuids: 128 random bits,
// collision-free for the life of the process.
func newRelay(service string, now time.Time) *Relay {
	return &Relay{
		CallerToken: [TokenSize]byte(uuid.New()),
		CalleeToken: [TokenSize]byte(uuid.New()),
		ServiceName: service,
		CreatedAt:   now,
		state:       Created,
		callerDone:  make(chan CallOutcome, 1),
	}
}

// State returns the relay's lifecycle position.
func (r *Relay) State() State { return r.state }

// CallerDone returns the channel the suspended caller waits on. It closes
// when the relay dies before the callee answers.
func (r *Relay) CallerDone() <-chan CallOutcome { return r.callerDone }

func (r *Relay) resolveCaller(o CallOutcome) {
	r.callerOnce.Do(func() {
		r.callerDone <- o
		close(r.callerDone)
	})
}

func (r *Relay) abandonCaller() {
	r.callerOnce.Do(func() { close(r.callerDone) })
}

// TokenFor returns the token of one side.
func (r *Relay) TokenFor(e Endpoint) [TokenSize]byte {
	if e == Caller {
		return r.CallerToken
	}
	return r.CalleeToken
}
