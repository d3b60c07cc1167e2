package neighborhood

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/profnet/profiled/internal/identity"
	"github.com/profnet/profiled/internal/imagestore"
	"github.com/profnet/profiled/internal/store"
	"github.com/profnet/profiled/internal/wire"
)

var (
	// ErrTooManyFollowers rejects new followers over the configured cap.
	ErrTooManyFollowers = errors.New("follower capacity reached")
	// ErrTooManyInits rejects initializations over the parallelism cap.
	ErrTooManyInits = errors.New("too many initializations in flight")
	// ErrAlreadyFollower rejects a second initialization by a follower.
	ErrAlreadyFollower = errors.New("server is already a follower")
)

// Config bounds the follower set.
type Config struct {
	MaxFollowers       int
	InitParallelism    int
}

// Manager drives the follower side of replication: admission and snapshot
// of new followers, finish bookkeeping, and teardown.
type Manager struct {
	store  store.Store
	images *imagestore.Store
	cfg    Config
	signal func()
}

// NewManager builds a follower manager. signal pokes the action worker
// after a commit that produced or unblocked actions; nil is allowed.
func NewManager(st store.Store, images *imagestore.Store, cfg Config, signal func()) *Manager {
	if signal == nil {
		signal = func() {}
	}
	return &Manager{store: st, images: images, cfg: cfg, signal: signal}
}

// Begin admits a new follower. In one transaction it snapshots the
// initialized, non-expired hosted identities, inserts the follower row
// with a null refresh time, and inserts the blocking initialization action
// that shields the follower's queue until Finish.
func (m *Manager) Begin(ctx context.Context, followerID []byte, ip string, primaryPort, neighborPort uint16) ([]*store.HostedIdentity, error) {
	var snapshot []*store.HostedIdentity
	now := time.Now()
	locks := []store.Lock{store.LockHostedIdentity, store.LockFollower, store.LockNeighborhoodAction}
	err := m.store.InTx(ctx, locks, func(tx store.Tx) error {
		if _, err := tx.GetFollower(ctx, followerID); err == nil {
			return ErrAlreadyFollower
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		count, err := tx.CountFollowers(ctx)
		if err != nil {
			return err
		}
		if count >= m.cfg.MaxFollowers {
			return ErrTooManyFollowers
		}
		inits, err := tx.CountInitializingFollowers(ctx)
		if err != nil {
			return err
		}
		if inits >= m.cfg.InitParallelism {
			return ErrTooManyInits
		}
		snapshot, err = tx.ListInitializedHosted(ctx, now)
		if err != nil {
			return err
		}
		f := &store.Follower{
			FollowerID:   followerID,
			IP:           ip,
			PrimaryPort:  primaryPort,
			NeighborPort: neighborPort,
		}
		if err := tx.InsertFollower(ctx, f); err != nil {
			if errors.Is(err, store.ErrAlreadyExists) {
				return ErrAlreadyFollower
			}
			return err
		}
		blocker := NewAction(followerID, store.ActionInitInProgress, nil, now)
		after := now.Add(InitBlockWindow)
		blocker.ExecuteAfter = &after
		return tx.InsertAction(ctx, blocker)
	})
	if err != nil {
		return nil, err
	}
	slog.Info("neighborhood initialization started",
		"follower", identity.Short(followerID), "profiles", len(snapshot))
	return snapshot, nil
}

// Finish completes a follower's initialization: the follower becomes
// eligible for live updates and the blocking action's execute_after is
// pulled into the past so the worker can consume past it.
func (m *Manager) Finish(ctx context.Context, followerID []byte) error {
	now := time.Now()
	locks := []store.Lock{store.LockFollower, store.LockNeighborhoodAction}
	err := m.store.InTx(ctx, locks, func(tx store.Tx) error {
		if err := tx.SetFollowerRefreshed(ctx, followerID, now); err != nil {
			return err
		}
		blocker, err := tx.GetBlockingAction(ctx, followerID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil // blocker already collected
			}
			return err
		}
		return tx.SetActionExecuteAfter(ctx, blocker.ID, now.Add(-time.Second))
	})
	if err != nil {
		return err
	}
	m.signal()
	slog.Info("neighborhood initialization finished", "follower", identity.Short(followerID))
	return nil
}

// Abort removes a follower and its queued actions, used when the
// initializing session disconnects mid-snapshot or the follower
// unsubscribes with StopNeighborhoodUpdates.
func (m *Manager) Abort(ctx context.Context, followerID []byte) error {
	locks := []store.Lock{store.LockFollower, store.LockNeighborhoodAction}
	return m.store.InTx(ctx, locks, func(tx store.Tx) error {
		if err := tx.DeleteFollower(ctx, followerID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		return tx.DeleteActionsForServer(ctx, followerID)
	})
}

// Signal pokes the action worker. Exposed for handlers that produce
// actions in their own transactions.
func (m *Manager) Signal() { m.signal() }

// snapshotItem converts a hosted identity into an Add update item,
// attaching the thumbnail blob when one exists.
func (m *Manager) snapshotItem(h *store.HostedIdentity) wire.SharedProfileUpdateItem {
	add := &wire.SharedProfileAdd{
		Version:   h.Version,
		PublicKey: h.PublicKey,
		Name:      h.Name,
		Type:      h.Type,
		Latitude:  h.Latitude,
		Longitude: h.Longitude,
		ExtraData: h.ExtraData,
	}
	if h.ThumbnailImageID != "" {
		if img, err := m.images.Read(h.ThumbnailImageID); err == nil {
			add.ThumbnailImage = img
		}
	}
	return wire.SharedProfileUpdateItem{Add: add}
}

// PackSnapshot splits the snapshot into update batches, each one packed to
// just under the frame cap. Item sizes are pre-computed with the
// deterministic encoder and packing stops one item short of the cap minus
// the safety margin.
func (m *Manager) PackSnapshot(profiles []*store.HostedIdentity) ([][]wire.SharedProfileUpdateItem, error) {
	limit := wire.MaxFrameSize - wire.BatchSafetyMargin

	var batches [][]wire.SharedProfileUpdateItem
	var current []wire.SharedProfileUpdateItem
	currentSize := 0

	for _, h := range profiles {
		item := m.snapshotItem(h)
		raw, err := wire.MarshalValue(&item)
		if err != nil {
			return nil, fmt.Errorf("size update item: %w", err)
		}
		if len(raw) > limit {
			return nil, fmt.Errorf("update item for %s exceeds frame cap", identity.Short(h.IdentityID))
		}
		if currentSize+len(raw) > limit && len(current) > 0 {
			batches = append(batches, current)
			current = nil
			currentSize = 0
		}
		current = append(current, item)
		currentSize += len(raw)
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches, nil
}
