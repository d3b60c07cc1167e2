package neighborhood

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/profnet/profiled/internal/identity"
	"github.com/profnet/profiled/internal/imagestore"
	"github.com/profnet/profiled/internal/store"
	"github.com/profnet/profiled/internal/wire"
)

// Sender delivers one update bundle to a follower's neighbor port. The
// transport — dialing, handshake — lives behind this interface; the worker
// decides what to send, in what order, and when to retry a failed send.
type Sender interface {
	SendUpdate(ctx context.Context, follower *store.Follower, items []wire.SharedProfileUpdateItem) error
}

// Worker consumes the neighborhood action queue, FIFO per follower. A
// single instance runs per server.
type Worker struct {
	store  store.Store
	images *imagestore.Store
	sender Sender

	interval    time.Duration
	retryDelay  time.Duration
	maxFailures int

	signal   chan struct{}
	failures map[string]int
}

// NewWorker builds the action consumer.
func NewWorker(st store.Store, images *imagestore.Store, sender Sender) *Worker {
	return &Worker{
		store:       st,
		images:      images,
		sender:      sender,
		interval:    10 * time.Second,
		retryDelay:  30 * time.Second,
		maxFailures: 3,
		signal:      make(chan struct{}, 1),
		failures:    make(map[string]int),
	}
}

// Signal wakes the worker; safe from any goroutine and never blocks.
func (w *Worker) Signal() {
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

// Run drains the queue until ctx is cancelled. Blocks.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		w.drain(ctx)
		select {
		case <-ctx.Done():
			return
		case <-w.signal:
		case <-ticker.C:
		}
	}
}

// drain processes runnable actions until the queue has none left.
func (w *Worker) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if !w.step(ctx) {
			return
		}
	}
}

// step picks and executes one action; reports whether it did any work.
func (w *Worker) step(ctx context.Context) bool {
	var action *store.Action
	var follower *store.Follower
	err := w.store.InTx(ctx, []store.Lock{store.LockFollower, store.LockNeighborhoodAction}, func(tx store.Tx) error {
		var err error
		action, err = tx.NextAction(ctx, time.Now())
		if err != nil {
			return err
		}
		follower, err = tx.GetFollower(ctx, action.ServerID)
		if errors.Is(err, store.ErrNotFound) {
			follower = nil
			return nil
		}
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return false
	}
	if err != nil {
		slog.Error("action pick failed", "error", err)
		return false
	}

	// A finished initialization blocker, or an action for a follower
	// that is gone, is consumed without sending anything.
	if action.Type == store.ActionInitInProgress || follower == nil {
		w.deleteAction(ctx, action.ID)
		return true
	}

	items, err := w.buildItems(ctx, action)
	if err != nil {
		slog.Error("action build failed", "action", action.Type.String(), "error", err)
		w.deleteAction(ctx, action.ID)
		return true
	}
	if len(items) == 0 {
		w.deleteAction(ctx, action.ID)
		return true
	}

	if err := w.sender.SendUpdate(ctx, follower, items); err != nil {
		w.handleSendFailure(ctx, action, follower, err)
		return true
	}
	delete(w.failures, string(follower.FollowerID))
	w.deleteAction(ctx, action.ID)
	return true
}

// buildItems converts an action into update items from the current state
// of the hosted identity. A profile that vanished or expired since the
// action was queued produces nothing for Add/Change; Remove needs only the
// identity id the action carries.
func (w *Worker) buildItems(ctx context.Context, action *store.Action) ([]wire.SharedProfileUpdateItem, error) {
	switch action.Type {
	case store.ActionRemoveProfile:
		return []wire.SharedProfileUpdateItem{{
			Delete: &wire.SharedProfileDelete{IdentityID: action.TargetIdentityID},
		}}, nil

	case store.ActionAddProfile, store.ActionChangeProfile:
		var h *store.HostedIdentity
		err := w.store.InTx(ctx, []store.Lock{store.LockHostedIdentity}, func(tx store.Tx) error {
			var err error
			h, err = tx.GetHosted(ctx, action.TargetIdentityID)
			return err
		})
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if !h.Initialized() || h.Cancelled() {
			return nil, nil
		}
		if action.Type == store.ActionAddProfile {
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
				if img, err := w.images.Read(h.ThumbnailImageID); err == nil {
					add.ThumbnailImage = img
				}
			}
			return []wire.SharedProfileUpdateItem{{Add: add}}, nil
		}
		ch := &wire.SharedProfileChange{
			IdentityID: h.IdentityID,
			SetVersion: true, SetName: true, SetLocation: true, SetExtraData: true,
			Version:   h.Version,
			Name:      h.Name,
			Latitude:  h.Latitude,
			Longitude: h.Longitude,
			ExtraData: h.ExtraData,
		}
		if h.ThumbnailImageID != "" {
			if img, err := w.images.Read(h.ThumbnailImageID); err == nil {
				ch.SetThumbnail = true
				ch.ThumbnailImage = img
			}
		}
		return []wire.SharedProfileUpdateItem{{Change: ch}}, nil
	}
	return nil, nil
}

// handleSendFailure defers the action and, after repeated failures, drops
// the unreachable follower with everything queued for it.
func (w *Worker) handleSendFailure(ctx context.Context, action *store.Action, follower *store.Follower, sendErr error) {
	key := string(follower.FollowerID)
	w.failures[key]++
	slog.Warn("update delivery failed",
		"follower", identity.Short(follower.FollowerID),
		"attempt", w.failures[key], "error", sendErr)

	if w.failures[key] >= w.maxFailures {
		delete(w.failures, key)
		err := w.store.InTx(ctx, []store.Lock{store.LockFollower, store.LockNeighborhoodAction}, func(tx store.Tx) error {
			if err := tx.DeleteFollower(ctx, follower.FollowerID); err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
			return tx.DeleteActionsForServer(ctx, follower.FollowerID)
		})
		if err != nil {
			slog.Error("unreachable follower removal failed", "error", err)
		} else {
			slog.Info("unreachable follower removed", "follower", identity.Short(follower.FollowerID))
		}
		return
	}

	after := time.Now().Add(w.retryDelay * time.Duration(w.failures[key]))
	err := w.store.InTx(ctx, []store.Lock{store.LockNeighborhoodAction}, func(tx store.Tx) error {
		return tx.SetActionExecuteAfter(ctx, action.ID, after)
	})
	if err != nil {
		slog.Error("action defer failed", "error", err)
	}
}

func (w *Worker) deleteAction(ctx context.Context, id string) {
	err := w.store.InTx(ctx, []store.Lock{store.LockNeighborhoodAction}, func(tx store.Tx) error {
		return tx.DeleteAction(ctx, id)
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Error("action delete failed", "action", id, "error", err)
	}
}
