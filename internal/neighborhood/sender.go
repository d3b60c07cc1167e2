package neighborhood

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/profnet/profiled/internal/client"
	"github.com/profnet/profiled/internal/store"
	"github.com/profnet/profiled/internal/wire"
)

// DialSender delivers update bundles over short-lived connections to the
// follower's neighbor port, authenticating with the server's own identity
// key.
type DialSender struct {
	key     ed25519.PrivateKey
	timeout time.Duration
}

// NewDialSender builds the default transport for the worker.
func NewDialSender(key ed25519.PrivateKey) *DialSender {
	return &DialSender{key: key, timeout: 30 * time.Second}
}

// SendUpdate connects, handshakes, sends one shared-profile update, and
// tears the connection down.
func (s *DialSender) SendUpdate(ctx context.Context, follower *store.Follower, items []wire.SharedProfileUpdateItem) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	addr := net.JoinHostPort(follower.IP, strconv.Itoa(int(follower.NeighborPort)))
	c, err := client.Dial(ctx, addr, s.key)
	if err != nil {
		return err
	}
	defer c.Close()

	if deadline, ok := ctx.Deadline(); ok {
		// The client API has no context plumbing past the dial; a
		// connection deadline bounds the whole exchange instead.
		if err := c.NetConn().SetDeadline(deadline); err != nil {
			return err
		}
	}

	if err := c.Start(); err != nil {
		return fmt.Errorf("start conversation: %w", err)
	}
	if err := c.VerifyIdentity(); err != nil {
		return fmt.Errorf("verify identity: %w", err)
	}
	_, err = c.CallOK(&wire.Request{Conversation: &wire.ConversationRequest{
		SharedProfileUpdate: &wire.SharedProfileUpdateRequest{Items: items},
	}})
	if err != nil {
		return fmt.Errorf("shared profile update: %w", err)
	}
	return nil
}
