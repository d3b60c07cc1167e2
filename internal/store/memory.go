package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store used by tests and single-node development
// runs. Transactions operate on a deep copy of the state and swap it in on
// commit, so a failed callback leaves nothing behind.
type Memory struct {
	mu    sync.Mutex
	state *memState
}

type memState struct {
	hosted     map[string]*HostedIdentity
	neighborID map[string]*NeighborIdentity
	followers  map[string]*Follower
	neighbors  map[string]*Neighbor
	cards      map[string]*RelatedCard
	actions    []*Action
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{state: &memState{
		hosted:     make(map[string]*HostedIdentity),
		neighborID: make(map[string]*NeighborIdentity),
		followers:  make(map[string]*Follower),
		neighbors:  make(map[string]*Neighbor),
		cards:      make(map[string]*RelatedCard),
	}}
}

func pairKey(a, b []byte) string { return string(a) + "|" + string(b) }

func (s *memState) clone() *memState {
	c := &memState{
		hosted:     make(map[string]*HostedIdentity, len(s.hosted)),
		neighborID: make(map[string]*NeighborIdentity, len(s.neighborID)),
		followers:  make(map[string]*Follower, len(s.followers)),
		neighbors:  make(map[string]*Neighbor, len(s.neighbors)),
		cards:      make(map[string]*RelatedCard, len(s.cards)),
		actions:    make([]*Action, len(s.actions)),
	}
	for k, v := range s.hosted {
		cp := *v
		c.hosted[k] = &cp
	}
	for k, v := range s.neighborID {
		cp := *v
		c.neighborID[k] = &cp
	}
	for k, v := range s.followers {
		cp := *v
		c.followers[k] = &cp
	}
	for k, v := range s.neighbors {
		cp := *v
		c.neighbors[k] = &cp
	}
	for k, v := range s.cards {
		cp := *v
		c.cards[k] = &cp
	}
	for i, v := range s.actions {
		cp := *v
		c.actions[i] = &cp
	}
	return c
}

// InTx runs fn against a private copy of the state and commits it when fn
// returns nil. The whole store is serialized under one mutex, which
// trivially satisfies the coarse-lock discipline; the lock list is still
// validated so ordering bugs show up in tests.
func (m *Memory) InTx(ctx context.Context, locks []Lock, fn func(tx Tx) error) error {
	if !OrderedLocks(locks) {
		return fmt.Errorf("%w: %v", ErrLockOrder, locks)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	work := m.state.clone()
	if err := fn(&memTx{s: work}); err != nil {
		return err
	}
	m.state = work
	return nil
}

// Close releases nothing; it exists to satisfy Store.
func (m *Memory) Close() error { return nil }

type memTx struct {
	s *memState
}

func (t *memTx) CountHosted(ctx context.Context) (int, error) {
	return len(t.s.hosted), nil
}

func (t *memTx) GetHosted(ctx context.Context, identityID []byte) (*HostedIdentity, error) {
	h, ok := t.s.hosted[string(identityID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *h
	return &cp, nil
}

func (t *memTx) InsertHosted(ctx context.Context, h *HostedIdentity) error {
	key := string(h.IdentityID)
	if _, ok := t.s.hosted[key]; ok {
		return ErrAlreadyExists
	}
	cp := *h
	t.s.hosted[key] = &cp
	return nil
}

func (t *memTx) UpdateHosted(ctx context.Context, h *HostedIdentity) error {
	key := string(h.IdentityID)
	if _, ok := t.s.hosted[key]; !ok {
		return ErrNotFound
	}
	cp := *h
	t.s.hosted[key] = &cp
	return nil
}

func (t *memTx) DeleteHosted(ctx context.Context, identityID []byte) error {
	key := string(identityID)
	if _, ok := t.s.hosted[key]; !ok {
		return ErrNotFound
	}
	delete(t.s.hosted, key)
	return nil
}

func (t *memTx) sortedHosted() []*HostedIdentity {
	keys := make([]string, 0, len(t.s.hosted))
	for k := range t.s.hosted {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*HostedIdentity, 0, len(keys))
	for _, k := range keys {
		out = append(out, t.s.hosted[k])
	}
	return out
}

func (t *memTx) ListInitializedHosted(ctx context.Context, now time.Time) ([]*HostedIdentity, error) {
	var out []*HostedIdentity
	for _, h := range t.sortedHosted() {
		if h.Initialized() && !h.Cancelled() {
			cp := *h
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (t *memTx) ListExpiredHosted(ctx context.Context, now time.Time) ([]*HostedIdentity, error) {
	var out []*HostedIdentity
	for _, h := range t.sortedHosted() {
		if h.Expired(now) {
			cp := *h
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (t *memTx) SearchHosted(ctx context.Context, q SearchQuery, offset, limit int) ([]*HostedIdentity, error) {
	var out []*HostedIdentity
	skipped := 0
	for _, h := range t.sortedHosted() {
		if !h.Initialized() {
			continue
		}
		if !WildcardMatch(q.Name, h.Name) || !WildcardMatch(q.Type, h.Type) {
			continue
		}
		if !q.InBox(h.Latitude, h.Longitude) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		cp := *h
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (t *memTx) GetNeighborIdentity(ctx context.Context, identityID, neighborID []byte) (*NeighborIdentity, error) {
	n, ok := t.s.neighborID[pairKey(identityID, neighborID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *n
	return &cp, nil
}

func (t *memTx) InsertNeighborIdentity(ctx context.Context, n *NeighborIdentity) error {
	key := pairKey(n.IdentityID, n.HostingServerID)
	if _, ok := t.s.neighborID[key]; ok {
		return ErrAlreadyExists
	}
	cp := *n
	t.s.neighborID[key] = &cp
	return nil
}

func (t *memTx) UpdateNeighborIdentity(ctx context.Context, n *NeighborIdentity) error {
	key := pairKey(n.IdentityID, n.HostingServerID)
	if _, ok := t.s.neighborID[key]; !ok {
		return ErrNotFound
	}
	cp := *n
	t.s.neighborID[key] = &cp
	return nil
}

func (t *memTx) DeleteNeighborIdentity(ctx context.Context, identityID, neighborID []byte) error {
	key := pairKey(identityID, neighborID)
	if _, ok := t.s.neighborID[key]; !ok {
		return ErrNotFound
	}
	delete(t.s.neighborID, key)
	return nil
}

func (t *memTx) DeleteNeighborIdentities(ctx context.Context, neighborID []byte) error {
	for k, n := range t.s.neighborID {
		if string(n.HostingServerID) == string(neighborID) {
			delete(t.s.neighborID, k)
		}
	}
	return nil
}

func (t *memTx) SearchNeighborIdentities(ctx context.Context, q SearchQuery, offset, limit int) ([]*NeighborIdentity, error) {
	keys := make([]string, 0, len(t.s.neighborID))
	for k := range t.s.neighborID {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []*NeighborIdentity
	skipped := 0
	for _, k := range keys {
		n := t.s.neighborID[k]
		if !WildcardMatch(q.Name, n.Name) || !WildcardMatch(q.Type, n.Type) {
			continue
		}
		if !q.InBox(n.Latitude, n.Longitude) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		cp := *n
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (t *memTx) GetFollower(ctx context.Context, followerID []byte) (*Follower, error) {
	f, ok := t.s.followers[string(followerID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (t *memTx) ListFollowers(ctx context.Context) ([]*Follower, error) {
	keys := make([]string, 0, len(t.s.followers))
	for k := range t.s.followers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*Follower, 0, len(keys))
	for _, k := range keys {
		cp := *t.s.followers[k]
		out = append(out, &cp)
	}
	return out, nil
}

func (t *memTx) CountFollowers(ctx context.Context) (int, error) {
	return len(t.s.followers), nil
}

func (t *memTx) CountInitializingFollowers(ctx context.Context) (int, error) {
	n := 0
	for _, f := range t.s.followers {
		if f.LastRefreshAt == nil {
			n++
		}
	}
	return n, nil
}

func (t *memTx) InsertFollower(ctx context.Context, f *Follower) error {
	key := string(f.FollowerID)
	if _, ok := t.s.followers[key]; ok {
		return ErrAlreadyExists
	}
	cp := *f
	t.s.followers[key] = &cp
	return nil
}

func (t *memTx) SetFollowerRefreshed(ctx context.Context, followerID []byte, at time.Time) error {
	f, ok := t.s.followers[string(followerID)]
	if !ok {
		return ErrNotFound
	}
	f.LastRefreshAt = &at
	return nil
}

func (t *memTx) DeleteFollower(ctx context.Context, followerID []byte) error {
	key := string(followerID)
	if _, ok := t.s.followers[key]; !ok {
		return ErrNotFound
	}
	delete(t.s.followers, key)
	return nil
}

func (t *memTx) GetNeighbor(ctx context.Context, neighborID []byte) (*Neighbor, error) {
	n, ok := t.s.neighbors[string(neighborID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *n
	return &cp, nil
}

func (t *memTx) ListNeighbors(ctx context.Context) ([]*Neighbor, error) {
	keys := make([]string, 0, len(t.s.neighbors))
	for k := range t.s.neighbors {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*Neighbor, 0, len(keys))
	for _, k := range keys {
		cp := *t.s.neighbors[k]
		out = append(out, &cp)
	}
	return out, nil
}

func (t *memTx) UpsertNeighbor(ctx context.Context, n *Neighbor) error {
	cp := *n
	t.s.neighbors[string(n.NeighborID)] = &cp
	return nil
}

func (t *memTx) SetNeighborRefreshed(ctx context.Context, neighborID []byte, at time.Time) error {
	n, ok := t.s.neighbors[string(neighborID)]
	if !ok {
		return ErrNotFound
	}
	n.LastRefreshAt = &at
	return nil
}

func (t *memTx) DeleteNeighbor(ctx context.Context, neighborID []byte) error {
	key := string(neighborID)
	if _, ok := t.s.neighbors[key]; !ok {
		return ErrNotFound
	}
	delete(t.s.neighbors, key)
	return nil
}

func (t *memTx) ListCards(ctx context.Context, identityID []byte) ([]*RelatedCard, error) {
	keys := make([]string, 0, len(t.s.cards))
	for k, c := range t.s.cards {
		if string(c.IdentityID) == string(identityID) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([]*RelatedCard, 0, len(keys))
	for _, k := range keys {
		cp := *t.s.cards[k]
		out = append(out, &cp)
	}
	return out, nil
}

func (t *memTx) CountCardApplications(ctx context.Context, identityID []byte) (int, error) {
	n := 0
	for _, c := range t.s.cards {
		if string(c.IdentityID) == string(identityID) {
			n++
		}
	}
	return n, nil
}

func (t *memTx) GetCard(ctx context.Context, identityID, applicationID []byte) (*RelatedCard, error) {
	c, ok := t.s.cards[pairKey(identityID, applicationID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (t *memTx) InsertCard(ctx context.Context, c *RelatedCard) error {
	key := pairKey(c.IdentityID, c.ApplicationID)
	if _, ok := t.s.cards[key]; ok {
		return ErrAlreadyExists
	}
	cp := *c
	t.s.cards[key] = &cp
	return nil
}

func (t *memTx) DeleteCard(ctx context.Context, identityID, applicationID []byte) error {
	key := pairKey(identityID, applicationID)
	if _, ok := t.s.cards[key]; !ok {
		return ErrNotFound
	}
	delete(t.s.cards, key)
	return nil
}

func (t *memTx) InsertAction(ctx context.Context, a *Action) error {
	cp := *a
	t.s.actions = append(t.s.actions, &cp)
	sort.Slice(t.s.actions, func(i, j int) bool {
		return t.s.actions[i].ID < t.s.actions[j].ID
	})
	return nil
}

// NextAction returns the oldest runnable action respecting per-server FIFO:
// only the head action of each server is a candidate, and servers with an
// active initialization blocker are skipped entirely.
func (t *memTx) NextAction(ctx context.Context, now time.Time) (*Action, error) {
	blocked := make(map[string]bool)
	for _, a := range t.s.actions {
		if a.Type == ActionInitInProgress && !a.Runnable(now) {
			blocked[string(a.ServerID)] = true
		}
	}
	seen := make(map[string]bool)
	for _, a := range t.s.actions {
		server := string(a.ServerID)
		if seen[server] {
			continue
		}
		seen[server] = true
		if blocked[server] {
			continue
		}
		if !a.Runnable(now) {
			continue
		}
		cp := *a
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (t *memTx) GetBlockingAction(ctx context.Context, followerID []byte) (*Action, error) {
	for _, a := range t.s.actions {
		if a.Type == ActionInitInProgress && string(a.ServerID) == string(followerID) {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memTx) SetActionExecuteAfter(ctx context.Context, actionID string, at time.Time) error {
	for _, a := range t.s.actions {
		if a.ID == actionID {
			a.ExecuteAfter = &at
			return nil
		}
	}
	return ErrNotFound
}

func (t *memTx) DeleteAction(ctx context.Context, actionID string) error {
	for i, a := range t.s.actions {
		if a.ID == actionID {
			t.s.actions = append(t.s.actions[:i], t.s.actions[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (t *memTx) DeleteActionsForServer(ctx context.Context, serverID []byte) error {
	kept := t.s.actions[:0]
	for _, a := range t.s.actions {
		if string(a.ServerID) != string(serverID) {
			kept = append(kept, a)
		}
	}
	t.s.actions = kept
	return nil
}
