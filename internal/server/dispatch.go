package server

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/profnet/profiled/internal/relay"
	"github.com/profnet/profiled/internal/session"
	"github.com/profnet/profiled/internal/wire"
)

// outcome tells the connection loop whether to keep reading.
type outcome int

const (
	outcomeContinue outcome = iota
	outcomeClose
)

// conn is the dispatcher's view of one connection: the session plus the
// app-service relay binding that never leaves the read loop.
type conn struct {
	server *Server
	sess   *session.Session
	ctx    context.Context

	// App-service pairing state. Set by the first send-message frame.
	relayBound bool
	relay      *relay.Relay
	relaySide  relay.Endpoint
}

// handlerFunc handles one decoded request.
type handlerFunc func(c *conn, msgID uint32, req *wire.Request) (*wire.Response, outcome)

// handlerEntry is one row of the dispatch table: the precondition gate is
// declarative, the handler only sees requests that passed it.
type handlerEntry struct {
	roles  session.RoleSet
	status session.Status
	handle handlerFunc
}

type dispatchKey struct {
	conversation bool
	kind         wire.Kind
}

const anyRole = session.RoleSet(session.RolePrimary | session.RoleServerNeighbor |
	session.RoleClientNonCustomer | session.RoleClientCustomer | session.RoleClientAppService)

const (
	neighborRole    = session.RoleSet(session.RoleServerNeighbor)
	nonCustomerRole = session.RoleSet(session.RoleClientNonCustomer)
	customerRole    = session.RoleSet(session.RoleClientCustomer)
	appServiceRole  = session.RoleSet(session.RoleClientAppService)
	clientRoles     = nonCustomerRole | customerRole
	startRoles      = neighborRole | clientRoles
)

func (s *Server) buildDispatch() {
	single := func(k wire.Kind, roles session.RoleSet, st session.Status, h handlerFunc) {
		s.register(dispatchKey{false, k}, roles, st, h)
	}
	conv := func(k wire.Kind, roles session.RoleSet, st session.Status, h handlerFunc) {
		s.register(dispatchKey{true, k}, roles, st, h)
	}

	s.dispatch = make(map[dispatchKey]*handlerEntry)

	single(wire.KindPing, anyRole, session.StatusNone, s.handlePing)
	single(wire.KindListRoles, session.RoleSet(session.RolePrimary), session.StatusNone, s.handleListRoles)
	single(wire.KindGetIdentityInformation, clientRoles, session.StatusNone, s.handleGetIdentityInformation)
	single(wire.KindApplicationServiceSendMessage, appServiceRole, session.StatusNone, s.handleAppServiceSendMessage)

	conv(wire.KindStart, startRoles, session.StatusNone, s.handleStart)
	conv(wire.KindRegisterHosting, nonCustomerRole, session.StatusStarted, s.handleRegisterHosting)
	conv(wire.KindCheckIn, customerRole, session.StatusStarted, s.handleCheckIn)
	conv(wire.KindVerifyIdentity, neighborRole|nonCustomerRole, session.StatusStarted, s.handleVerifyIdentity)
	conv(wire.KindUpdateProfile, customerRole, session.StatusAuthenticated, s.handleUpdateProfile)
	conv(wire.KindCancelHostingAgreement, customerRole, session.StatusAuthenticated, s.handleCancelHosting)
	conv(wire.KindApplicationServiceAdd, customerRole, session.StatusAuthenticated, s.handleAppServiceAdd)
	conv(wire.KindApplicationServiceRemove, customerRole, session.StatusAuthenticated, s.handleAppServiceRemove)
	conv(wire.KindCallIdentityApplicationService, clientRoles, session.StatusVerified, s.handleCallIdentity)
	conv(wire.KindProfileSearch, clientRoles, session.StatusStarted, s.handleProfileSearch)
	conv(wire.KindProfileSearchPart, clientRoles, session.StatusStarted, s.handleProfileSearchPart)
	conv(wire.KindAddRelatedIdentity, customerRole, session.StatusAuthenticated, s.handleAddRelatedIdentity)
	conv(wire.KindRemoveRelatedIdentity, customerRole, session.StatusAuthenticated, s.handleRemoveRelatedIdentity)
	conv(wire.KindGetIdentityRelationships, clientRoles, session.StatusStarted, s.handleGetRelationships)
	conv(wire.KindStartNeighborhoodInitialization, neighborRole, session.StatusVerified, s.handleStartNeighborhoodInit)
	conv(wire.KindNeighborhoodSharedProfileUpdate, neighborRole, session.StatusVerified, s.handleSharedProfileUpdate)
	conv(wire.KindStopNeighborhoodUpdates, neighborRole, session.StatusVerified, s.handleStopNeighborhoodUpdates)
}

func (s *Server) register(key dispatchKey, roles session.RoleSet, st session.Status, h handlerFunc) {
	s.dispatch[key] = &handlerEntry{roles: roles, status: st, handle: h}
}

// errResponse is a bare error response with no payload.
func errResponse(st wire.Status, details string) *wire.Response {
	return &wire.Response{Status: st, Details: details}
}

// dispatchMessage routes one decoded message. Request envelopes go through
// the gate and their handler; response envelopes complete a pending
// server-initiated request. Every protocol violation closes the
// connection.
func (s *Server) dispatchMessage(c *conn, m *wire.Message) outcome {
	switch {
	case m.Request != nil:
		return s.dispatchRequest(c, m)
	case m.Response != nil:
		return s.dispatchResponse(c, m)
	}
	s.reply(c, wire.ProtocolViolationID, errResponse(wire.StatusProtocolViolation, "empty message"))
	return outcomeClose
}

func (s *Server) dispatchRequest(c *conn, m *wire.Message) (out outcome) {
	req := m.Request
	kind := req.Kind()
	entry, ok := s.dispatch[dispatchKey{req.IsConversation(), kind}]
	if !ok {
		s.reply(c, m.ID, errResponse(wire.StatusProtocolViolation, "unknown request"))
		return outcomeClose
	}

	if !c.sess.Roles().Has(entry.roles) {
		s.reply(c, m.ID, errResponse(wire.StatusBadRole, ""))
		return outcomeClose
	}
	if !c.sess.Status.Satisfies(entry.status) {
		st := wire.StatusBadConversationStatus
		if entry.status == session.StatusAuthenticated {
			st = wire.StatusUnauthorized
		}
		s.reply(c, m.ID, errResponse(st, ""))
		return outcomeClose
	}

	// A panicking handler must not take the process down; the peer gets
	// the generic violation response on the reserved message id.
	defer func() {
		if r := recover(); r != nil {
			slog.Error("handler panic", "kind", kind.String(), "peer", c.sess.RemoteAddr(),
				"panic", r, "stack", string(debug.Stack()))
			s.reply(c, wire.ProtocolViolationID, errResponse(wire.StatusProtocolViolation, ""))
			out = outcomeClose
		}
	}()

	started := time.Now()
	resp, out := entry.handle(c, m.ID, req)
	if resp != nil {
		s.metrics.RequestsTotal.WithLabelValues(kind.String(), resp.Status.String()).Inc()
		s.metrics.RequestDurationSeconds.WithLabelValues(kind.String()).Observe(time.Since(started).Seconds())
		if err := c.sess.Send(&wire.Message{ID: m.ID, Response: resp}); err != nil {
			return outcomeClose
		}
	}
	return out
}

func (s *Server) dispatchResponse(c *conn, m *wire.Message) outcome {
	pr, ok := c.sess.TakePending(m.ID)
	if !ok {
		slog.Warn("unmatched response", "peer", c.sess.RemoteAddr(), "id", m.ID)
		return outcomeClose
	}
	resp := m.Response
	// The pair must agree in single/conversation and request kind,
	// unless the response is a bare error.
	if resp.Status == wire.StatusOk || resp.Kind() != wire.KindNone {
		if resp.IsConversation() != pr.IsConversation || resp.Kind() != pr.Kind {
			slog.Warn("mismatched response", "peer", c.sess.RemoteAddr(),
				"want", pr.Kind.String(), "got", resp.Kind().String())
			// The waiter must not hang: its request is dead.
			close(pr.Response)
			return outcomeClose
		}
	}
	pr.Response <- resp
	return outcomeContinue
}

// reply sends a response best-effort; the connection is usually about to
// close anyway.
func (s *Server) reply(c *conn, id uint32, resp *wire.Response) {
	if err := c.sess.Send(&wire.Message{ID: id, Response: resp}); err != nil && !c.sess.Closed() {
		slog.Debug("reply failed", "peer", c.sess.RemoteAddr(), "error", err)
	}
}
