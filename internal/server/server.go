// Package server assembles the protocol engine: role-specific listeners,
// per-connection sessions, the request dispatcher, and every request
// handler.
package server

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/profnet/profiled/internal/config"
	"github.com/profnet/profiled/internal/identity"
	"github.com/profnet/profiled/internal/imagestore"
	"github.com/profnet/profiled/internal/metrics"
	"github.com/profnet/profiled/internal/neighborhood"
	"github.com/profnet/profiled/internal/relay"
	"github.com/profnet/profiled/internal/search"
	"github.com/profnet/profiled/internal/session"
	"github.com/profnet/profiled/internal/store"
	"github.com/profnet/profiled/internal/wire"
)

// endpoint is one listening role with its live listener.
type endpoint struct {
	roles    session.RoleSet
	name     string
	useTLS   bool
	listener net.Listener
}

// Server is one profile-hosting server instance.
type Server struct {
	cfg    *config.Config
	store  store.Store
	images *imagestore.Store

	key      ed25519.PrivateKey
	serverID []byte

	registry *session.Registry
	relays   *relay.Engine
	search   *search.Engine
	nbr      *neighborhood.Manager
	applier  *neighborhood.Applier
	metrics  *metrics.Metrics

	dispatch map[dispatchKey]*handlerEntry

	// TLSConfig, when set, wraps every non-primary listener. The primary
	// endpoint is plaintext for discovery.
	TLSConfig *tls.Config

	mu        sync.Mutex
	sessions  map[*session.Session]struct{}
	endpoints []*endpoint

	baseCtx   context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// Deps bundles the server's collaborators.
type Deps struct {
	Store   store.Store
	Images  *imagestore.Store
	Key     ed25519.PrivateKey
	Metrics *metrics.Metrics
	// Signal pokes the neighborhood action worker; nil is allowed.
	Signal func()
}

// New assembles a server from its configuration and collaborators.
func New(cfg *config.Config, deps Deps) *Server {
	serverID := identity.ID(deps.Key.Public().(ed25519.PublicKey))
	m := deps.Metrics
	if m == nil {
		m = metrics.New("dev", "unknown")
	}
	s := &Server{
		cfg:      cfg,
		store:    deps.Store,
		images:   deps.Images,
		key:      deps.Key,
		serverID: serverID,
		registry: session.NewRegistry(),
		relays: relay.NewEngine(relay.Config{
			PairingTimeout: cfg.Protocol.RelayPairingTimeout,
			CalleeTimeout:  cfg.Protocol.CallNotificationTimeout,
		}),
		search:   search.NewEngine(deps.Store, deps.Images, serverID),
		applier:  neighborhood.NewApplier(deps.Store, deps.Images),
		metrics:  m,
		sessions: make(map[*session.Session]struct{}),
	}
	s.nbr = neighborhood.NewManager(deps.Store, deps.Images, neighborhood.Config{
		MaxFollowers:    cfg.Limits.MaxFollowerServersCount,
		InitParallelism: cfg.Limits.NeighborhoodInitParallelism,
	}, deps.Signal)
	s.buildDispatch()
	return s
}

// ServerID returns this server's network id (SHA-256 of its public key).
func (s *Server) ServerID() []byte { return s.serverID }

// Start opens the five role listeners and begins accepting. A configured
// port of 0 binds an ephemeral port, which tests rely on.
func (s *Server) Start(ctx context.Context) error {
	s.baseCtx, s.cancel = context.WithCancel(ctx)

	plan := []struct {
		name   string
		roles  session.RoleSet
		port   uint16
		useTLS bool
	}{
		{"primary", session.RoleSet(session.RolePrimary), s.cfg.Network.PrimaryPort, false},
		{"server-neighbor", session.RoleSet(session.RoleServerNeighbor), s.cfg.Network.ServerNeighborPort, true},
		{"client-non-customer", session.RoleSet(session.RoleClientNonCustomer), s.cfg.Network.ClientNonCustomerPort, true},
		{"client-customer", session.RoleSet(session.RoleClientCustomer), s.cfg.Network.ClientCustomerPort, true},
		{"client-app-service", session.RoleSet(session.RoleClientAppService), s.cfg.Network.ClientAppServicePort, true},
	}

	for _, p := range plan {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", p.port))
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("listen %s: %w", p.name, err)
		}
		if p.useTLS && s.TLSConfig != nil {
			ln = tls.NewListener(ln, s.TLSConfig)
		}
		ep := &endpoint{roles: p.roles, name: p.name, useTLS: p.useTLS && s.TLSConfig != nil, listener: ln}
		s.endpoints = append(s.endpoints, ep)
		slog.Info("listening", "role", p.name, "addr", ln.Addr(), "tls", ep.useTLS)
	}

	for _, ep := range s.endpoints {
		s.wg.Add(1)
		go func(ep *endpoint) {
			defer s.wg.Done()
			s.acceptLoop(ep)
		}(ep)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.keepAliveSweeper()
	}()
	return nil
}

// Addr returns the bound address of the endpoint serving role, for tests
// and the roles listing.
func (s *Server) Addr(role session.Role) net.Addr {
	for _, ep := range s.endpoints {
		if ep.roles.Has(session.RoleSet(role)) {
			return ep.listener.Addr()
		}
	}
	return nil
}

// Shutdown closes listeners, then every session, and waits for the
// connection goroutines to drain.
func (s *Server) Shutdown() {
	if s.cancel != nil {
		s.cancel()
	}
	s.closeListeners()

	s.mu.Lock()
	open := make([]*session.Session, 0, len(s.sessions))
	for sess := range s.sessions {
		open = append(open, sess)
	}
	s.mu.Unlock()
	for _, sess := range open {
		sess.Close()
	}
	s.wg.Wait()
}

func (s *Server) closeListeners() {
	for _, ep := range s.endpoints {
		ep.listener.Close()
	}
}

func (s *Server) acceptLoop(ep *endpoint) {
	for {
		conn, err := ep.listener.Accept()
		if err != nil {
			if s.baseCtx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Warn("accept failed", "role", ep.name, "error", err)
			continue
		}
		s.metrics.SessionsTotal.WithLabelValues(ep.name).Inc()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn, ep)
		}()
	}
}

// handleConn owns one connection: wrap it in a session, read frames,
// dispatch, tear down.
func (s *Server) handleConn(netConn net.Conn, ep *endpoint) {
	sess := session.New(netConn, ep.roles, s.cfg.Network.KeepAliveInterval)
	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()
	s.metrics.SessionsActive.WithLabelValues(ep.name).Inc()

	c := &conn{server: s, sess: sess, ctx: s.baseCtx}

	defer func() {
		sess.Close()
		s.relays.ConnClosed(sess)
		if sess.Status == session.StatusAuthenticated {
			s.registry.CheckOut(sess)
			s.metrics.CheckedInClients.Set(float64(s.registry.Len()))
		}
		s.mu.Lock()
		delete(s.sessions, sess)
		s.mu.Unlock()
		s.metrics.SessionsActive.WithLabelValues(ep.name).Dec()
	}()

	for {
		m, err := wire.ReadMessage(netConn)
		if err != nil {
			if !sess.Closed() && !errors.Is(err, net.ErrClosed) {
				slog.Debug("read failed", "peer", sess.RemoteAddr(), "error", err)
			}
			return
		}
		sess.Touch(s.cfg.Network.KeepAliveInterval)
		if s.dispatchMessage(c, m) == outcomeClose {
			return
		}
	}
}

// keepAliveSweeper closes sessions whose deadline passed. The sweep
// granularity is a quarter of the interval, never below one second;
// precision is not needed.
func (s *Server) keepAliveSweeper() {
	period := s.cfg.Network.KeepAliveInterval / 4
	if period < time.Second {
		period = time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-s.baseCtx.Done():
			return
		case <-ticker.C:
		}
		now := time.Now()
		s.mu.Lock()
		var idle []*session.Session
		for sess := range s.sessions {
			if now.After(sess.Deadline()) {
				idle = append(idle, sess)
			}
		}
		s.mu.Unlock()
		for _, sess := range idle {
			slog.Info("closing idle session", "peer", sess.RemoteAddr())
			sess.Close()
		}
	}
}

// roleList describes the active endpoints for ListRoles.
func (s *Server) roleList() []wire.ServerRole {
	out := make([]wire.ServerRole, 0, len(s.endpoints))
	for _, ep := range s.endpoints {
		port := uint32(0)
		if tcp, ok := ep.listener.Addr().(*net.TCPAddr); ok {
			port = uint32(tcp.Port)
		}
		out = append(out, wire.ServerRole{
			Role:  ep.name,
			Port:  port,
			IsTCP: true,
			IsTLS: ep.useTLS,
		})
	}
	return out
}
