package neighborhood

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"

	"github.com/profnet/profiled/internal/client"
	"github.com/profnet/profiled/internal/identity"
	"github.com/profnet/profiled/internal/wire"
)

// Subscribe makes this server a neighbor of the peer at addr: it asks the
// peer to add us as a follower, receives the snapshot stream, and applies
// it. primaryPort and neighborPort are our own ports, advertised so the
// peer's worker can reach us with live updates afterwards.
//
// Blocks until the peer sends its finish request or the stream fails. On
// failure the half-replicated neighbor state is dropped.
func Subscribe(ctx context.Context, applier *Applier, key ed25519.PrivateKey, addr string, primaryPort, neighborPort uint16) error {
	c, err := client.Dial(ctx, addr, key)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Start(); err != nil {
		return fmt.Errorf("start conversation: %w", err)
	}
	if err := c.VerifyIdentity(); err != nil {
		return fmt.Errorf("verify identity: %w", err)
	}

	neighborID := identity.ID(c.ServerPublicKey)
	if err := applier.BeginNeighbor(ctx, neighborID); err != nil {
		return fmt.Errorf("record neighbor: %w", err)
	}
	cleanup := func() {
		if err := applier.DropNeighbor(context.Background(), neighborID); err != nil {
			slog.Error("neighbor cleanup failed", "neighbor", identity.Short(neighborID), "error", err)
		}
	}

	if _, err := c.CallOK(&wire.Request{Conversation: &wire.ConversationRequest{
		StartNeighborhoodInit: &wire.StartNeighborhoodInitRequest{
			PrimaryPort:  primaryPort,
			NeighborPort: neighborPort,
		},
	}}); err != nil {
		cleanup()
		return fmt.Errorf("start initialization: %w", err)
	}

	// The snapshot arrives as server-initiated requests on this
	// connection: update batches, then the finish marker.
	applied := 0
	for {
		m, err := c.ReadMessage()
		if err != nil {
			cleanup()
			return fmt.Errorf("snapshot stream: %w", err)
		}
		if m.Request == nil || m.Request.Conversation == nil {
			cleanup()
			return fmt.Errorf("unexpected message %d in snapshot stream", m.ID)
		}
		conv := m.Request.Conversation

		switch {
		case conv.SharedProfileUpdate != nil:
			items := conv.SharedProfileUpdate.Items
			if err := applier.ApplySnapshot(ctx, neighborID, items); err != nil {
				c.Respond(m.ID, &wire.Response{Status: wire.StatusInternal})
				cleanup()
				return fmt.Errorf("apply snapshot batch: %w", err)
			}
			applied += len(items)
			err = c.Respond(m.ID, &wire.Response{
				Status: wire.StatusOk,
				Conversation: &wire.ConversationResponse{
					SharedProfileUpdate: &wire.SharedProfileUpdateResponse{},
				},
			})
			if err != nil {
				cleanup()
				return fmt.Errorf("acknowledge batch: %w", err)
			}

		case conv.FinishNeighborhoodInit != nil:
			if err := applier.FinishNeighbor(ctx, neighborID); err != nil {
				c.Respond(m.ID, &wire.Response{Status: wire.StatusInternal})
				cleanup()
				return fmt.Errorf("finish neighbor: %w", err)
			}
			err = c.Respond(m.ID, &wire.Response{
				Status: wire.StatusOk,
				Conversation: &wire.ConversationResponse{
					FinishNeighborhoodInit: &wire.FinishNeighborhoodInitResponse{},
				},
			})
			if err != nil {
				return fmt.Errorf("acknowledge finish: %w", err)
			}
			slog.Info("neighborhood subscription complete",
				"neighbor", identity.Short(neighborID), "profiles", applied)
			return nil

		default:
			cleanup()
			return fmt.Errorf("unexpected request in snapshot stream")
		}
	}
}
