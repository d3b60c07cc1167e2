package relay

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	ErrTokenNotFound  = errors.New("relay token not found")
	ErrAlreadyPaired  = errors.New("relay side already paired")
	ErrNotEstablished = errors.New("relay not established")
)

// Config carries the relay timeouts.
type Config struct {
	// PairingTimeout destroys relays whose endpoints never both arrive
	// on the app-service port.
	PairingTimeout time.Duration
	// CalleeTimeout bounds how long the caller stays suspended waiting
	// for the callee to answer the incoming-call notification.
	CalleeTimeout time.Duration
}

// DefaultConfig matches the protocol defaults.
func DefaultConfig() Config {
	return Config{
		PairingTimeout: 60 * time.Second,
		CalleeTimeout:  30 * time.Second,
	}
}

type tokenEntry struct {
	relay *Relay
	side  Endpoint
}

// Engine owns every live relay and the token index. One instance per
// server process.
type Engine struct {
	cfg Config

	mu     sync.Mutex
	tokens map[[TokenSize]byte]tokenEntry
}

// NewEngine returns an empty relay engine.
func NewEngine(cfg Config) *Engine {
	if cfg.PairingTimeout <= 0 {
		cfg.PairingTimeout = DefaultConfig().PairingTimeout
	}
	if cfg.CalleeTimeout <= 0 {
		cfg.CalleeTimeout = DefaultConfig().CalleeTimeout
	}
	return &Engine{
		cfg:    cfg,
		tokens: make(map[[TokenSize]byte]tokenEntry),
	}
}

// CalleeTimeout exposes the configured callee answer deadline.
func (e *Engine) CalleeTimeout() time.Duration { return e.cfg.CalleeTimeout }

// Open creates a relay for a call to service and registers both tokens.
// The pairing clock starts immediately: if both endpoints have not arrived
// on the app-service port before it fires, the relay dies.
func (e *Engine) Open(service string) *Relay {
	r := newRelay(service, time.Now())
	e.mu.Lock()
	e.tokens[r.CallerToken] = tokenEntry{relay: r, side: Caller}
	e.tokens[r.CalleeToken] = tokenEntry{relay: r, side: Callee}
	r.pairingTimer = time.AfterFunc(e.cfg.PairingTimeout, func() {
		e.destroy(r, "pairing timeout")
	})
	e.mu.Unlock()
	return r
}

// NotifySent records that the incoming-call notification went out.
func (e *Engine) NotifySent(r *Relay) {
	e.mu.Lock()
	if r.state == Created {
		r.state = CalleeNotified
	}
	e.mu.Unlock()
}

// CalleeAnswered resolves the suspended caller. A negative answer destroys
// the relay.
func (e *Engine) CalleeAnswered(r *Relay, accepted, rejected bool) {
	e.mu.Lock()
	if r.state == Closed {
		e.mu.Unlock()
		return
	}
	if accepted {
		r.state = CalleeAccepted
		r.resolveCaller(CallOutcome{Accepted: true})
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	r.resolveCaller(CallOutcome{Rejected: rejected})
	e.destroy(r, "callee declined")
}

// Pair binds an app-service connection to the relay side owning token.
// The first arrival per side wins; a second connection presenting the same
// token gets ErrAlreadyPaired and must be force-disconnected by the caller.
func (e *Engine) Pair(token []byte, conn Conn) (*Relay, Endpoint, error) {
	key, ok := tokenKey(token)
	if !ok {
		return nil, 0, ErrTokenNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.tokens[key]
	if !ok || entry.relay.state == Closed {
		return nil, 0, ErrTokenNotFound
	}
	r := entry.relay
	if r.conns[entry.side] != nil {
		return nil, 0, ErrAlreadyPaired
	}
	r.conns[entry.side] = conn
	if r.conns[entry.side.Other()] != nil {
		r.state = Established
		if r.pairingTimer != nil {
			r.pairingTimer.Stop()
		}
		slog.Debug("relay established", "service", r.ServiceName)
	} else if r.state == CalleeAccepted {
		r.state = CallerAcknowledged
	}
	return r, entry.side, nil
}

// Authorize checks that a payload frame carrying token arrived on the
// connection that paired that token. Presenting the peer's token — or a
// token paired to another connection — is an abuse and maps to NotFound
// with a force-disconnect.
func (e *Engine) Authorize(token []byte, conn Conn) (*Relay, Endpoint, error) {
	key, ok := tokenKey(token)
	if !ok {
		return nil, 0, ErrTokenNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.tokens[key]
	if !ok || entry.relay.state == Closed {
		return nil, 0, ErrTokenNotFound
	}
	r := entry.relay
	if r.conns[entry.side] != conn {
		return nil, 0, ErrTokenNotFound
	}
	if r.state != Established {
		return nil, 0, ErrNotEstablished
	}
	return r, entry.side, nil
}

// Peer returns the established connection of the opposite side.
func (e *Engine) Peer(r *Relay, side Endpoint) (Conn, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r.state != Established {
		return nil, false
	}
	peer := r.conns[side.Other()]
	return peer, peer != nil
}

// ConnClosed tears down every relay the connection participates in.
// Registered as a session close callback: either side going away destroys
// the relay and closes the peer.
func (e *Engine) ConnClosed(conn Conn) {
	e.mu.Lock()
	var victims []*Relay
	seen := make(map[*Relay]bool)
	for _, entry := range e.tokens {
		if seen[entry.relay] {
			continue
		}
		seen[entry.relay] = true
		r := entry.relay
		if r.conns[Caller] == conn || r.conns[Callee] == conn {
			victims = append(victims, r)
		}
	}
	e.mu.Unlock()
	for _, r := range victims {
		e.destroy(r, "endpoint disconnected")
	}
}

// Destroy tears a relay down explicitly.
func (e *Engine) Destroy(r *Relay, reason string) {
	e.destroy(r, reason)
}

func (e *Engine) destroy(r *Relay, reason string) {
	e.mu.Lock()
	if r.state == Closed {
		e.mu.Unlock()
		return
	}
	r.state = Closed
	if r.pairingTimer != nil {
		r.pairingTimer.Stop()
	}
	delete(e.tokens, r.CallerToken)
	delete(e.tokens, r.CalleeToken)
	conns := r.conns
	r.conns = [2]Conn{}
	e.mu.Unlock()

	r.abandonCaller()
	for _, c := range conns {
		if c != nil && !c.Closed() {
			c.Close()
		}
	}
	slog.Debug("relay destroyed", "service", r.ServiceName, "reason", reason)
}

// Active returns the number of live token registrations; two per relay.
func (e *Engine) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tokens)
}

func tokenKey(token []byte) ([TokenSize]byte, bool) {
	var key [TokenSize]byte
	if len(token) != TokenSize {
		return key, false
	}
	copy(key[:], token)
	return key, true
}
