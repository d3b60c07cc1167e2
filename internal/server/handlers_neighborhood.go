package server

import (
	"context"
	"errors"
	"log/slog"
	"net"

	"github.com/profnet/profiled/internal/identity"
	"github.com/profnet/profiled/internal/neighborhood"
	"github.com/profnet/profiled/internal/session"
	"github.com/profnet/profiled/internal/wire"
)

// handleStartNeighborhoodInit admits a new follower and starts streaming
// the snapshot. The OK response goes out first; the batches follow as
// server-initiated requests on the same connection, each acknowledged
// before the next is sent.
func (s *Server) handleStartNeighborhoodInit(c *conn, msgID uint32, req *wire.Request) (*wire.Response, outcome) {
	start := req.Conversation.StartNeighborhoodInit
	if c.sess.NeighborhoodInit.Load() {
		return errResponse(wire.StatusBusy, ""), outcomeContinue
	}

	host, _, err := net.SplitHostPort(c.sess.RemoteAddr())
	if err != nil {
		return errResponse(wire.StatusInternal, ""), outcomeContinue
	}

	followerID := c.sess.IdentityID
	snapshot, err := s.nbr.Begin(c.ctx, followerID, host, start.PrimaryPort, start.NeighborPort)
	switch {
	case errors.Is(err, neighborhood.ErrTooManyFollowers):
		return errResponse(wire.StatusRejected, ""), outcomeContinue
	case errors.Is(err, neighborhood.ErrTooManyInits):
		return errResponse(wire.StatusBusy, ""), outcomeContinue
	case errors.Is(err, neighborhood.ErrAlreadyFollower):
		return errResponse(wire.StatusAlreadyExists, ""), outcomeContinue
	case err != nil:
		slog.Error("neighborhood init failed", "error", err)
		return errResponse(wire.StatusInternal, ""), outcomeContinue
	}

	batches, err := s.nbr.PackSnapshot(snapshot)
	if err != nil {
		s.abortInit(followerID)
		slog.Error("snapshot packing failed", "error", err)
		return errResponse(wire.StatusInternal, ""), outcomeContinue
	}
	s.metrics.FollowersGauge.Inc()

	c.sess.NeighborhoodInit.Store(true)
	// Disconnect mid-initialization removes the follower; the blocking
	// action goes with it.
	c.sess.OnClose(func() {
		if c.sess.NeighborhoodInit.Load() {
			s.abortInit(followerID)
			s.metrics.FollowersGauge.Dec()
		}
	})

	// The OK response must hit the wire before the first batch, so the
	// handler writes it itself and then starts the streamer. Batches are
	// acknowledged on this connection's read loop, which stays free
	// because the streaming runs on its own goroutine.
	ok := &wire.Response{
		Status: wire.StatusOk,
		Conversation: &wire.ConversationResponse{
			StartNeighborhoodInit: &wire.StartNeighborhoodInitResponse{},
		},
	}
	if err := c.sess.Send(&wire.Message{ID: msgID, Response: ok}); err != nil {
		return nil, outcomeClose
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.streamSnapshot(c.sess, followerID, batches)
	}()
	return nil, outcomeContinue
}

func (s *Server) abortInit(followerID []byte) {
	if err := s.nbr.Abort(context.Background(), followerID); err != nil {
		slog.Error("initialization abort failed",
			"follower", identity.Short(followerID), "error", err)
	}
}

// streamSnapshot sends the snapshot batches in lockstep and finishes the
// initialization. Any error or negative acknowledgement closes the
// session; its close callback then removes the half-initialized follower.
func (s *Server) streamSnapshot(sess *session.Session, followerID []byte, batches [][]wire.SharedProfileUpdateItem) {
	awaitOK := func(pr *session.PendingRequest) bool {
		resp, open := <-pr.Response
		return open && resp.Status == wire.StatusOk
	}

	for _, batch := range batches {
		pr, err := sess.SendRequest(&wire.Request{
			Conversation: &wire.ConversationRequest{
				SharedProfileUpdate: &wire.SharedProfileUpdateRequest{Items: batch},
			},
		})
		if err != nil || !awaitOK(pr) {
			slog.Warn("snapshot batch not acknowledged", "follower", identity.Short(followerID))
			sess.Close()
			return
		}
	}

	pr, err := sess.SendRequest(&wire.Request{
		Conversation: &wire.ConversationRequest{
			FinishNeighborhoodInit: &wire.FinishNeighborhoodInitRequest{},
		},
	})
	if err != nil || !awaitOK(pr) {
		slog.Warn("initialization finish not acknowledged", "follower", identity.Short(followerID))
		sess.Close()
		return
	}

	if err := s.nbr.Finish(context.Background(), followerID); err != nil {
		slog.Error("initialization finish failed",
			"follower", identity.Short(followerID), "error", err)
		sess.Close()
		return
	}
	sess.NeighborhoodInit.Store(false)
}

// handleSharedProfileUpdate applies a live update bundle from an
// initialized neighbor.
func (s *Server) handleSharedProfileUpdate(c *conn, msgID uint32, req *wire.Request) (*wire.Response, outcome) {
	items := req.Conversation.SharedProfileUpdate.Items
	err := s.applier.Apply(c.ctx, c.sess.IdentityID, items)

	var itemErr *neighborhood.ItemError
	switch {
	case errors.Is(err, neighborhood.ErrNotNeighbor):
		return errResponse(wire.StatusUnauthorized, ""), outcomeContinue
	case errors.As(err, &itemErr):
		return errResponse(wire.StatusInvalidValue, itemErr.Error()), outcomeContinue
	case err != nil:
		slog.Error("shared profile update failed", "error", err)
		return errResponse(wire.StatusInternal, ""), outcomeContinue
	}
	s.metrics.UpdatesAppliedTotal.WithLabelValues("live").Add(float64(len(items)))
	return &wire.Response{
		Status: wire.StatusOk,
		Conversation: &wire.ConversationResponse{
			SharedProfileUpdate: &wire.SharedProfileUpdateResponse{},
		},
	}, outcomeContinue
}

// handleStopNeighborhoodUpdates unsubscribes a follower.
func (s *Server) handleStopNeighborhoodUpdates(c *conn, msgID uint32, req *wire.Request) (*wire.Response, outcome) {
	if err := s.nbr.Abort(c.ctx, c.sess.IdentityID); err != nil {
		slog.Error("stop updates failed", "error", err)
		return errResponse(wire.StatusInternal, ""), outcomeContinue
	}
	slog.Info("follower unsubscribed", "follower", identity.Short(c.sess.IdentityID))
	return &wire.Response{
		Status: wire.StatusOk,
		Conversation: &wire.ConversationResponse{
			StopUpdates: &wire.StopNeighborhoodUpdatesResponse{},
		},
	}, outcomeContinue
}
