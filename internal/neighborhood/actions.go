// Package neighborhood implements profile replication between peer
// servers: queued outbound actions towards followers, snapshot
// initialization of new followers, and application of update bundles
// received from neighbors.
package neighborhood

import (
	"context"
	"time"

	"github.com/rs/xid"

	"github.com/profnet/profiled/internal/store"
)

// InitBlockWindow is how long a follower initialization may run before its
// blocking action stops shielding the follower's queue. The finish handler
// bumps the blocker's execute_after into the past well before this fires.
const InitBlockWindow = 20 * time.Minute

// NewAction builds an action with a fresh sortable id. Ids are xids, so
// creation order and lexicographic order agree, which is what the per-
// follower FIFO relies on.
func NewAction(serverID []byte, typ store.ActionType, target []byte, now time.Time) *store.Action {
	return &store.Action{
		ID:               xid.New().String(),
		ServerID:         serverID,
		Type:             typ,
		TargetIdentityID: target,
		Timestamp:        now,
	}
}

// ProduceProfileActions inserts one action per follower, inside the
// caller's transaction. Followers still initializing get their actions
// too — the change happened after their snapshot was taken — and the
// blocking initialization action keeps those queued until finish.
func ProduceProfileActions(ctx context.Context, tx store.Tx, typ store.ActionType, identityID []byte, now time.Time) (int, error) {
	followers, err := tx.ListFollowers(ctx)
	if err != nil {
		return 0, err
	}
	produced := 0
	for _, f := range followers {
		a := NewAction(f.FollowerID, typ, identityID, now)
		if err := tx.InsertAction(ctx, a); err != nil {
			return produced, err
		}
		produced++
	}
	return produced, nil
}
