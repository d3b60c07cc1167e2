package store

import (
	"bytes"
	"time"
)

// HostedIdentity is a profile hosted by this server. Version is the 3-byte
// semantic version; a profile is initialized once its version is valid.
type HostedIdentity struct {
	IdentityID []byte
	PublicKey  []byte

	Version   []byte
	Name      string
	Type      string
	Latitude  float64
	Longitude float64
	ExtraData string

	ProfileImageID   string
	ThumbnailImageID string

	HostingRedirectID []byte
	ExpirationAt      *time.Time
}

// Initialized reports whether the profile has received its first update.
func (h *HostedIdentity) Initialized() bool {
	return len(h.Version) == 3 && !bytes.Equal(h.Version, []byte{0, 0, 0})
}

// Expired reports whether the hosting contract was cancelled and the
// retention window has passed.
func (h *HostedIdentity) Expired(now time.Time) bool {
	return h.ExpirationAt != nil && h.ExpirationAt.Before(now)
}

// Cancelled reports whether the hosting contract was cancelled, whether or
// not the retention window has passed.
func (h *HostedIdentity) Cancelled() bool { return h.ExpirationAt != nil }

// NeighborIdentity is a profile replicated from a peer server. The same
// identity may be visible through several neighbors, so the key is the
// (identity, hosting server) pair.
type NeighborIdentity struct {
	IdentityID      []byte
	HostingServerID []byte

	Version   []byte
	Name      string
	Type      string
	Latitude  float64
	Longitude float64
	ExtraData string

	ThumbnailImageID string
}

// RelatedCard is a stored relationship card for a hosted identity.
type RelatedCard struct {
	IdentityID    []byte
	ApplicationID []byte

	CardID             []byte
	CardVersion        []byte
	IssuerPublicKey    []byte
	RecipientPublicKey []byte
	Type               string
	ValidFrom          time.Time
	ValidTo            time.Time
	IssuerSignature    []byte
	RecipientSignature []byte
}

// Valid reports whether the card is within its validity window at now.
func (c *RelatedCard) Valid(now time.Time) bool {
	return !now.Before(c.ValidFrom) && !now.After(c.ValidTo)
}

// Follower is a peer server receiving our profile updates. A nil
// LastRefreshAt means its initialization is still in progress and no
// profile updates flow to it yet.
type Follower struct {
	FollowerID    []byte
	IP            string
	PrimaryPort   uint16
	NeighborPort  uint16
	LastRefreshAt *time.Time
}

// Initialized reports whether the follower finished its snapshot.
func (f *Follower) Initialized() bool { return f.LastRefreshAt != nil }

// Neighbor is a peer server whose identities we replicate locally.
type Neighbor struct {
	NeighborID    []byte
	LastRefreshAt *time.Time
}

// Initialized reports whether the neighbor completed initializing us.
func (n *Neighbor) Initialized() bool { return n.LastRefreshAt != nil }

// ActionType tags an outbound replication task.
type ActionType uint8

const (
	ActionAddProfile ActionType = iota + 1
	ActionChangeProfile
	ActionRemoveProfile
	ActionInitInProgress
)

func (t ActionType) String() string {
	switch t {
	case ActionAddProfile:
		return "add-profile"
	case ActionChangeProfile:
		return "change-profile"
	case ActionRemoveProfile:
		return "remove-profile"
	case ActionInitInProgress:
		return "initialization-in-progress"
	}
	return "unknown"
}

// Action is one queued outbound replication task. Actions are produced
// transactionally alongside the change that caused them and consumed FIFO
// per follower by the replication worker. ID is a sortable xid string, so
// lexicographic order is creation order.
type Action struct {
	ID               string
	ServerID         []byte
	Type             ActionType
	TargetIdentityID []byte
	Extra            string
	Timestamp        time.Time
	ExecuteAfter     *time.Time
}

// Runnable reports whether the worker may pick this action at now.
func (a *Action) Runnable(now time.Time) bool {
	return a.ExecuteAfter == nil || !a.ExecuteAfter.After(now)
}

// SearchQuery is the repository-level filter for profile searches. Name and
// Type use '*' wildcards; the bounding box is a coarse pre-filter, the
// caller applies the exact distance check.
type SearchQuery struct {
	Name string
	Type string

	HasLocation bool
	MinLat      float64
	MaxLat      float64
	MinLon      float64
	MaxLon      float64
}
