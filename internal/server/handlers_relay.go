package server

import (
	"errors"
	"log/slog"
	"time"

	"github.com/profnet/profiled/internal/identity"
	"github.com/profnet/profiled/internal/relay"
	"github.com/profnet/profiled/internal/session"
	"github.com/profnet/profiled/internal/store"
	"github.com/profnet/profiled/internal/wire"
)

// handleCallIdentity opens a call to a hosted identity's application
// service. The caller stays suspended — no response leaves this handler —
// until the callee answers the incoming-call notification, declines, or
// times out.
func (s *Server) handleCallIdentity(c *conn, msgID uint32, req *wire.Request) (*wire.Response, outcome) {
	call := req.Conversation.CallIdentity
	if len(call.IdentityID) != identity.IDSize {
		return errResponse(wire.StatusInvalidValue, "identityNetworkId"), outcomeContinue
	}

	var callee *store.HostedIdentity
	err := s.store.InTx(c.ctx, nil, func(tx store.Tx) error {
		var err error
		callee, err = tx.GetHosted(c.ctx, call.IdentityID)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return errResponse(wire.StatusNotFound, ""), outcomeContinue
	}
	if err != nil {
		slog.Error("callee lookup failed", "error", err)
		return errResponse(wire.StatusInternal, ""), outcomeContinue
	}
	if !callee.Initialized() {
		return errResponse(wire.StatusUninitialized, ""), outcomeContinue
	}

	calleeSess, online := s.registry.Lookup(call.IdentityID)
	if !online {
		return errResponse(wire.StatusNotAvailable, ""), outcomeContinue
	}
	if !calleeSess.HasService(call.ServiceName) {
		return errResponse(wire.StatusInvalidValue, "serviceName"), outcomeContinue
	}

	r := s.relays.Open(call.ServiceName)
	s.metrics.RelaysActive.Inc()
	defer s.metrics.RelaysActive.Dec()

	// Either party's conversation session dying before the bridge is up
	// takes the relay with it.
	teardown := func() {
		if r.State() != relay.Established {
			s.relays.Destroy(r, "party disconnected")
		}
	}
	c.sess.OnClose(teardown)
	calleeSess.OnClose(teardown)

	calleeToken := r.TokenFor(relay.Callee)
	pending, err := calleeSess.SendRequest(&wire.Request{
		Conversation: &wire.ConversationRequest{
			IncomingCall: &wire.IncomingCallNotification{
				CallerPublicKey: c.sess.PublicKey,
				ServiceName:     call.ServiceName,
				CalleeToken:     calleeToken[:],
			},
		},
	})
	if err != nil {
		s.relays.Destroy(r, "callee unreachable")
		s.metrics.RelayOutcomesTotal.WithLabelValues("not-available").Inc()
		return errResponse(wire.StatusNotAvailable, ""), outcomeContinue
	}
	s.relays.NotifySent(r)

	// Suspension point: the caller's read loop parks here for the whole
	// caller->server->callee->server round trip.
	select {
	case resp, open := <-pending.Response:
		if !open {
			// Callee disconnected before answering.
			s.relays.Destroy(r, "callee disconnected")
			s.metrics.RelayOutcomesTotal.WithLabelValues("not-available").Inc()
			return errResponse(wire.StatusNotAvailable, ""), outcomeContinue
		}
		if resp.Status != wire.StatusOk {
			s.relays.CalleeAnswered(r, false, true)
			s.metrics.RelayOutcomesTotal.WithLabelValues("rejected").Inc()
			return errResponse(wire.StatusRejected, ""), outcomeContinue
		}
	case <-time.After(s.relays.CalleeTimeout()):
		s.relays.Destroy(r, "callee timeout")
		s.metrics.RelayOutcomesTotal.WithLabelValues("timeout").Inc()
		return errResponse(wire.StatusNotAvailable, ""), outcomeContinue
	}

	s.relays.CalleeAnswered(r, true, false)
	s.metrics.RelayOutcomesTotal.WithLabelValues("accepted").Inc()
	callerToken := r.TokenFor(relay.Caller)
	slog.Info("call accepted", "service", call.ServiceName,
		"callee", identity.Short(call.IdentityID))
	return &wire.Response{
		Status: wire.StatusOk,
		Conversation: &wire.ConversationResponse{
			CallIdentity: &wire.CallIdentityAppServiceResponse{CallerToken: callerToken[:]},
		},
	}, outcomeContinue
}

// handleAppServiceSendMessage serves the app-service port. The first frame
// on a connection carries the pairing token and an empty payload; once the
// relay is established, frames carry payloads that are forwarded to the
// peer and acknowledged back in lockstep.
func (s *Server) handleAppServiceSendMessage(c *conn, msgID uint32, req *wire.Request) (*wire.Response, outcome) {
	send := req.Single.AppServiceSendMessage

	if !c.relayBound {
		r, side, err := s.relays.Pair(send.Token, c.sess)
		if err != nil {
			// Unknown token, or a second connection presenting an
			// already-paired one: refuse and force-disconnect.
			return errResponse(wire.StatusNotFound, ""), outcomeClose
		}
		c.relayBound = true
		c.relay = r
		c.relaySide = side
		return &wire.Response{
			Status: wire.StatusOk,
			Single: &wire.SingleResponse{
				Version:               wire.ProtocolVersion.Bytes(),
				AppServiceSendMessage: &wire.AppServiceSendMessageResponse{},
			},
		}, outcomeContinue
	}

	r, side, err := s.relays.Authorize(send.Token, c.sess)
	if err != nil || r != c.relay {
		// Includes the peer's token presented over this connection.
		return errResponse(wire.StatusNotFound, ""), outcomeClose
	}

	peerConn, ok := s.relays.Peer(r, side)
	if !ok {
		return errResponse(wire.StatusNotAvailable, ""), outcomeClose
	}
	peer, ok := peerConn.(*session.Session)
	if !ok {
		return errResponse(wire.StatusInternal, ""), outcomeClose
	}

	pending, err := peer.SendRequest(&wire.Request{
		Single: &wire.SingleRequest{
			Version:                  wire.ProtocolVersion.Bytes(),
			AppServiceReceiveMessage: &wire.AppServiceReceiveMessageNotification{Message: send.Message},
		},
	})
	if err != nil {
		s.relays.Destroy(r, "peer send failed")
		return errResponse(wire.StatusNotAvailable, ""), outcomeClose
	}

	// Lockstep: the sender's next payload is not read until this ack
	// returns, because this handler blocks the sender's read loop.
	resp, open := <-pending.Response
	if !open {
		s.relays.Destroy(r, "peer disconnected")
		return errResponse(wire.StatusNotAvailable, ""), outcomeClose
	}
	if resp.Status != wire.StatusOk {
		s.relays.Destroy(r, "peer refused message")
		return errResponse(wire.StatusNotAvailable, ""), outcomeClose
	}
	return &wire.Response{
		Status: wire.StatusOk,
		Single: &wire.SingleResponse{
			Version:               wire.ProtocolVersion.Bytes(),
			AppServiceSendMessage: &wire.AppServiceSendMessageResponse{},
		},
	}, outcomeContinue
}
