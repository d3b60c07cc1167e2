package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrAlreadyExists = errors.New("record already exists")
	ErrLockOrder     = errors.New("locks requested out of order")
)

// Lock names one coarse database lock. Transactions that touch several
// tables acquire their locks in ascending Lock order; InTx rejects
// out-of-order requests so a deadlock cannot be written by accident.
type Lock int

const (
	LockHostedIdentity Lock = iota + 1
	LockNeighborIdentity
	LockFollower
	LockNeighborhoodAction
	LockNeighborServer
	LockRelatedIdentity
)

func (l Lock) String() string {
	switch l {
	case LockHostedIdentity:
		return "hosted-identity"
	case LockNeighborIdentity:
		return "neighbor-identity"
	case LockFollower:
		return "follower"
	case LockNeighborhoodAction:
		return "neighborhood-action"
	case LockNeighborServer:
		return "neighbor-server"
	case LockRelatedIdentity:
		return "related-identity"
	}
	return "unknown"
}

// OrderedLocks reports whether locks are strictly ascending.
func OrderedLocks(locks []Lock) bool {
	for i := 1; i < len(locks); i++ {
		if locks[i] <= locks[i-1] {
			return false
		}
	}
	return true
}

// Tx exposes the repositories inside one transaction. All reads and writes
// see the transaction's snapshot; nothing is visible to others before the
// enclosing InTx callback returns nil.
type Tx interface {
	// Hosted identities.
	CountHosted(ctx context.Context) (int, error)
	GetHosted(ctx context.Context, identityID []byte) (*HostedIdentity, error)
	InsertHosted(ctx context.Context, h *HostedIdentity) error
	UpdateHosted(ctx context.Context, h *HostedIdentity) error
	DeleteHosted(ctx context.Context, identityID []byte) error
	ListInitializedHosted(ctx context.Context, now time.Time) ([]*HostedIdentity, error)
	ListExpiredHosted(ctx context.Context, now time.Time) ([]*HostedIdentity, error)
	SearchHosted(ctx context.Context, q SearchQuery, offset, limit int) ([]*HostedIdentity, error)

	// Neighbor identities.
	GetNeighborIdentity(ctx context.Context, identityID, neighborID []byte) (*NeighborIdentity, error)
	InsertNeighborIdentity(ctx context.Context, n *NeighborIdentity) error
	UpdateNeighborIdentity(ctx context.Context, n *NeighborIdentity) error
	DeleteNeighborIdentity(ctx context.Context, identityID, neighborID []byte) error
	DeleteNeighborIdentities(ctx context.Context, neighborID []byte) error
	SearchNeighborIdentities(ctx context.Context, q SearchQuery, offset, limit int) ([]*NeighborIdentity, error)

	// Followers.
	GetFollower(ctx context.Context, followerID []byte) (*Follower, error)
	ListFollowers(ctx context.Context) ([]*Follower, error)
	CountFollowers(ctx context.Context) (int, error)
	CountInitializingFollowers(ctx context.Context) (int, error)
	InsertFollower(ctx context.Context, f *Follower) error
	SetFollowerRefreshed(ctx context.Context, followerID []byte, at time.Time) error
	DeleteFollower(ctx context.Context, followerID []byte) error

	// Neighbors.
	GetNeighbor(ctx context.Context, neighborID []byte) (*Neighbor, error)
	ListNeighbors(ctx context.Context) ([]*Neighbor, error)
	UpsertNeighbor(ctx context.Context, n *Neighbor) error
	SetNeighborRefreshed(ctx context.Context, neighborID []byte, at time.Time) error
	DeleteNeighbor(ctx context.Context, neighborID []byte) error

	// Related-identity cards.
	ListCards(ctx context.Context, identityID []byte) ([]*RelatedCard, error)
	CountCardApplications(ctx context.Context, identityID []byte) (int, error)
	GetCard(ctx context.Context, identityID, applicationID []byte) (*RelatedCard, error)
	InsertCard(ctx context.Context, c *RelatedCard) error
	DeleteCard(ctx context.Context, identityID, applicationID []byte) error

	// Neighborhood actions.
	InsertAction(ctx context.Context, a *Action) error
	NextAction(ctx context.Context, now time.Time) (*Action, error)
	GetBlockingAction(ctx context.Context, followerID []byte) (*Action, error)
	SetActionExecuteAfter(ctx context.Context, actionID string, at time.Time) error
	DeleteAction(ctx context.Context, actionID string) error
	DeleteActionsForServer(ctx context.Context, serverID []byte) error
}

// Store is the durable state of the server. InTx runs fn inside one
// transaction holding the named coarse locks; any error rolls everything
// back. Locks must be listed in ascending order.
type Store interface {
	InTx(ctx context.Context, locks []Lock, fn func(tx Tx) error) error
	Close() error
}
