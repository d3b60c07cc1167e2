package server

import (
	"crypto/ed25519"
	"errors"
	"log/slog"
	"time"

	"github.com/profnet/profiled/internal/identity"
	"github.com/profnet/profiled/internal/session"
	"github.com/profnet/profiled/internal/store"
	"github.com/profnet/profiled/internal/wire"
)

func (s *Server) handlePing(c *conn, msgID uint32, req *wire.Request) (*wire.Response, outcome) {
	return &wire.Response{
		Status: wire.StatusOk,
		Single: &wire.SingleResponse{
			Version: wire.ProtocolVersion.Bytes(),
			Ping: &wire.PingResponse{
				Payload: req.Single.Ping.Payload,
				Clock:   time.Now().UnixMilli(),
			},
		},
	}, outcomeContinue
}

func (s *Server) handleListRoles(c *conn, msgID uint32, req *wire.Request) (*wire.Response, outcome) {
	return &wire.Response{
		Status: wire.StatusOk,
		Single: &wire.SingleResponse{
			Version:   wire.ProtocolVersion.Bytes(),
			ListRoles: &wire.ListRolesResponse{Roles: s.roleList()},
		},
	}, outcomeContinue
}

// handleStart negotiates the protocol version and binds the session to the
// client's identity. The server signs the client's challenge so the client
// can pin the server key.
func (s *Server) handleStart(c *conn, msgID uint32, req *wire.Request) (*wire.Response, outcome) {
	start := req.Conversation.Start

	version, ok := wire.HighestCommon(start.SupportedVersions)
	if !ok {
		return errResponse(wire.StatusUnsupported, "supportedVersions"), outcomeContinue
	}
	if !identity.ValidPublicKey(start.PublicKey) {
		return errResponse(wire.StatusInvalidValue, "publicKey"), outcomeContinue
	}
	if len(start.ClientChallenge) != identity.ChallengeSize {
		return errResponse(wire.StatusInvalidValue, "clientChallenge"), outcomeContinue
	}

	challenge, err := identity.NewChallenge()
	if err != nil {
		return errResponse(wire.StatusInternal, ""), outcomeContinue
	}

	// The identity binds on the None -> Started edge only; a repeated
	// start refreshes version and challenges but keeps the identity.
	if c.sess.Status == session.StatusNone {
		c.sess.PublicKey = start.PublicKey
		c.sess.IdentityID = identity.ID(start.PublicKey)
	}
	c.sess.Version = version
	c.sess.Challenge = challenge
	c.sess.ClientChallenge = start.ClientChallenge
	if c.sess.Status == session.StatusNone {
		c.sess.Status = session.StatusStarted
	}

	serverPub := s.key.Public().(ed25519.PublicKey)
	return &wire.Response{
		Status: wire.StatusOk,
		Conversation: &wire.ConversationResponse{
			Signature: ed25519.Sign(s.key, start.ClientChallenge),
			Start: &wire.StartConversationResponse{
				Version:         version.Bytes(),
				PublicKey:       serverPub,
				Challenge:       challenge,
				ClientChallenge: start.ClientChallenge,
			},
		},
	}, outcomeContinue
}

// checkChallengeSignature verifies the conversation request's signature
// over the server challenge with the session's bound key.
func (c *conn) checkChallengeSignature(challenge, signature []byte) wire.Status {
	if len(challenge) == 0 || string(challenge) != string(c.sess.Challenge) {
		return wire.StatusInvalidValue
	}
	if !identity.Verify(c.sess.PublicKey, challenge, signature) {
		return wire.StatusInvalidSignature
	}
	return wire.StatusOk
}

func (s *Server) handleVerifyIdentity(c *conn, msgID uint32, req *wire.Request) (*wire.Response, outcome) {
	verify := req.Conversation.VerifyIdentity
	if st := c.checkChallengeSignature(verify.Challenge, req.Conversation.Signature); st != wire.StatusOk {
		details := "challenge"
		if st == wire.StatusInvalidSignature {
			details = ""
		}
		return errResponse(st, details), outcomeContinue
	}
	if c.sess.Status == session.StatusStarted {
		c.sess.Status = session.StatusVerified
	}
	slog.Debug("identity verified", "peer", c.sess.RemoteAddr(),
		"identity", identity.Short(c.sess.IdentityID))
	return &wire.Response{
		Status:       wire.StatusOk,
		Conversation: &wire.ConversationResponse{VerifyIdentity: &wire.VerifyIdentityResponse{}},
	}, outcomeContinue
}

// handleCheckIn authenticates a hosted identity and registers it online.
func (s *Server) handleCheckIn(c *conn, msgID uint32, req *wire.Request) (*wire.Response, outcome) {
	checkIn := req.Conversation.CheckIn
	if st := c.checkChallengeSignature(checkIn.Challenge, req.Conversation.Signature); st != wire.StatusOk {
		details := "challenge"
		if st == wire.StatusInvalidSignature {
			details = ""
		}
		return errResponse(st, details), outcomeContinue
	}

	var hosted *store.HostedIdentity
	err := s.store.InTx(c.ctx, nil, func(tx store.Tx) error {
		var err error
		hosted, err = tx.GetHosted(c.ctx, c.sess.IdentityID)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return errResponse(wire.StatusNotFound, ""), outcomeContinue
	}
	if err != nil {
		slog.Error("check-in lookup failed", "error", err)
		return errResponse(wire.StatusInternal, ""), outcomeContinue
	}
	if hosted.Cancelled() {
		return errResponse(wire.StatusNotFound, ""), outcomeContinue
	}

	c.sess.Status = session.StatusAuthenticated
	if prev := s.registry.CheckIn(c.sess); prev != nil && prev != c.sess {
		slog.Info("displacing previous check-in", "identity", identity.Short(c.sess.IdentityID))
		prev.Close()
	}
	s.metrics.CheckedInClients.Set(float64(s.registry.Len()))
	slog.Info("client checked in", "identity", identity.Short(c.sess.IdentityID),
		"peer", c.sess.RemoteAddr())
	return &wire.Response{
		Status:       wire.StatusOk,
		Conversation: &wire.ConversationResponse{CheckIn: &wire.CheckInResponse{}},
	}, outcomeContinue
}
