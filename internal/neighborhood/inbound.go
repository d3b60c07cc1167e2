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
	"github.com/profnet/profiled/internal/validate"
	"github.com/profnet/profiled/internal/wire"
)

// applyBatchSize caps how many update items one transaction applies.
const applyBatchSize = 100

// ErrNotNeighbor rejects bundles from servers we do not replicate from.
var ErrNotNeighbor = errors.New("sender is not an initialized neighbor")

// ItemError pins a rejected update item to its index and wire field, the
// way the response details spell it: "{index}.add.identityPublicKey".
type ItemError struct {
	Index int
	Field string
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("%d.%s", e.Index, e.Field)
}

// Applier applies inbound shared-profile update bundles from neighbors.
type Applier struct {
	store  store.Store
	images *imagestore.Store
}

// NewApplier builds an inbound update applier.
func NewApplier(st store.Store, images *imagestore.Store) *Applier {
	return &Applier{store: st, images: images}
}

// BeginNeighbor records a new neighbor whose snapshot we are about to
// receive. The null refresh time marks the initialization as in progress.
func (a *Applier) BeginNeighbor(ctx context.Context, neighborID []byte) error {
	return a.store.InTx(ctx, []store.Lock{store.LockNeighborServer}, func(tx store.Tx) error {
		return tx.UpsertNeighbor(ctx, &store.Neighbor{NeighborID: neighborID})
	})
}

// FinishNeighbor marks the neighbor initialized; live updates from it are
// accepted from here on.
func (a *Applier) FinishNeighbor(ctx context.Context, neighborID []byte) error {
	now := time.Now()
	return a.store.InTx(ctx, []store.Lock{store.LockNeighborServer}, func(tx store.Tx) error {
		return tx.SetNeighborRefreshed(ctx, neighborID, now)
	})
}

// DropNeighbor forgets a neighbor and every identity replicated from it.
func (a *Applier) DropNeighbor(ctx context.Context, neighborID []byte) error {
	locks := []store.Lock{store.LockNeighborIdentity, store.LockNeighborServer}
	return a.store.InTx(ctx, locks, func(tx store.Tx) error {
		if err := tx.DeleteNeighborIdentities(ctx, neighborID); err != nil {
			return err
		}
		if err := tx.DeleteNeighbor(ctx, neighborID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		return nil
	})
}

// ApplySnapshot applies a batch of a neighbor's initialization stream.
// Identical to Apply except the neighbor is expected to be mid-
// initialization, so the initialized gate is inverted.
func (a *Applier) ApplySnapshot(ctx context.Context, neighborID []byte, items []wire.SharedProfileUpdateItem) error {
	return a.apply(ctx, neighborID, items, false)
}

// Apply processes one ordered update bundle from neighborID.
//
// Pass 1 validates items and stages every referenced image on disk under a
// fresh id. Pass 2 applies items in batches of at most 100 per
// transaction. A validation failure at item k still lets items 0..k-1
// through pass 2; the returned error names the failing item. Staged images
// that did not end up referenced, and old images replaced or deleted, are
// unlinked after the last commit — unlink failures are logged, never fatal.
func (a *Applier) Apply(ctx context.Context, neighborID []byte, items []wire.SharedProfileUpdateItem) error {
	return a.apply(ctx, neighborID, items, true)
}

func (a *Applier) apply(ctx context.Context, neighborID []byte, items []wire.SharedProfileUpdateItem, wantInitialized bool) error {
	// The sender must be a known neighbor in the expected phase.
	var neighbor *store.Neighbor
	err := a.store.InTx(ctx, []store.Lock{store.LockNeighborServer}, func(tx store.Tx) error {
		var err error
		neighbor, err = tx.GetNeighbor(ctx, neighborID)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotNeighbor
	}
	if err != nil {
		return err
	}
	if neighbor.Initialized() != wantInitialized {
		return ErrNotNeighbor
	}

	// Pass 1: validate and stage images.
	staged := make(map[int]string) // item index -> fresh image id
	valid := len(items)
	var itemErr *ItemError
	sawRefresh := false
	for i := range items {
		imgID, refresh, err := a.validateItem(&items[i], i)
		if err != nil {
			valid = i
			errors.As(err, &itemErr)
			if itemErr == nil {
				// Non-field validation failure; stop with a bare error.
				a.unstageAll(staged, nil)
				return err
			}
			break
		}
		if imgID != "" {
			staged[i] = imgID
		}
		sawRefresh = sawRefresh || refresh
	}

	if sawRefresh {
		now := time.Now()
		err := a.store.InTx(ctx, []store.Lock{store.LockNeighborServer}, func(tx store.Tx) error {
			return tx.SetNeighborRefreshed(ctx, neighborID, now)
		})
		if err != nil {
			slog.Warn("neighbor refresh bump failed", "neighbor", identity.Short(neighborID), "error", err)
		}
	}

	// Pass 2: apply valid items in bounded transactions.
	kept := make(map[string]bool)
	var oldImages []string
	applyErr := a.applyValid(ctx, neighborID, items[:valid], staged, kept, &oldImages)

	// Cleanup: every staged id not marked kept, plus every replaced or
	// deleted old id.
	a.unstageAll(staged, kept)
	a.images.RemoveAll(oldImages)

	if applyErr != nil {
		return applyErr
	}
	if itemErr != nil {
		return itemErr
	}
	return nil
}

// validateItem checks one item and stages its image, returning the staged
// image id (if any) and whether the item refreshes the neighbor.
func (a *Applier) validateItem(item *wire.SharedProfileUpdateItem, index int) (string, bool, error) {
	switch {
	case item.Add != nil:
		add := item.Add
		if !identity.ValidPublicKey(add.PublicKey) {
			return "", false, &ItemError{index, "add.identityPublicKey"}
		}
		if _, ok := wire.ParseSemVer(add.Version); !ok {
			return "", false, &ItemError{index, "add.version"}
		}
		if err := validate.Name(add.Name); err != nil {
			return "", false, &ItemError{index, "add.name"}
		}
		if err := validate.IdentityType(add.Type); err != nil {
			return "", false, &ItemError{index, "add.type"}
		}
		if err := validate.Location(add.Latitude, add.Longitude); err != nil {
			return "", false, &ItemError{index, "add.location"}
		}
		if err := validate.ExtraData(add.ExtraData); err != nil {
			return "", false, &ItemError{index, "add.extraData"}
		}
		if len(add.ThumbnailImage) > 0 {
			if !imagestore.ValidFormat(add.ThumbnailImage) || len(add.ThumbnailImage) > validate.MaxImageBytes {
				return "", false, &ItemError{index, "add.thumbnailImage"}
			}
			id, err := a.images.Write(add.ThumbnailImage)
			if err != nil {
				return "", false, fmt.Errorf("stage image for item %d: %w", index, err)
			}
			return id, false, nil
		}
		return "", false, nil

	case item.Change != nil:
		ch := item.Change
		if len(ch.IdentityID) != identity.IDSize {
			return "", false, &ItemError{index, "change.identityNetworkId"}
		}
		if !ch.SetVersion && !ch.SetName && !ch.SetThumbnail && !ch.SetLocation && !ch.SetExtraData {
			return "", false, &ItemError{index, "change.set*"}
		}
		if ch.SetVersion {
			if _, ok := wire.ParseSemVer(ch.Version); !ok {
				return "", false, &ItemError{index, "change.version"}
			}
		}
		if ch.SetName {
			if err := validate.Name(ch.Name); err != nil {
				return "", false, &ItemError{index, "change.name"}
			}
		}
		if ch.SetLocation {
			if err := validate.Location(ch.Latitude, ch.Longitude); err != nil {
				return "", false, &ItemError{index, "change.location"}
			}
		}
		if ch.SetExtraData {
			if err := validate.ExtraData(ch.ExtraData); err != nil {
				return "", false, &ItemError{index, "change.extraData"}
			}
		}
		if ch.SetThumbnail && len(ch.ThumbnailImage) > 0 {
			if !imagestore.ValidFormat(ch.ThumbnailImage) || len(ch.ThumbnailImage) > validate.MaxImageBytes {
				return "", false, &ItemError{index, "change.thumbnailImage"}
			}
			id, err := a.images.Write(ch.ThumbnailImage)
			if err != nil {
				return "", false, fmt.Errorf("stage image for item %d: %w", index, err)
			}
			return id, false, nil
		}
		return "", false, nil

	case item.Delete != nil:
		if len(item.Delete.IdentityID) != identity.IDSize {
			return "", false, &ItemError{index, "delete.identityNetworkId"}
		}
		return "", false, nil

	case item.Refresh != nil:
		return "", true, nil
	}
	return "", false, &ItemError{index, "actionType"}
}

// applyValid runs pass 2 over the already-validated prefix.
func (a *Applier) applyValid(ctx context.Context, neighborID []byte, items []wire.SharedProfileUpdateItem, staged map[int]string, kept map[string]bool, oldImages *[]string) error {
	for start := 0; start < len(items); start += applyBatchSize {
		end := start + applyBatchSize
		if end > len(items) {
			end = len(items)
		}
		var batchKept []string
		var batchOld []string
		var itemErr *ItemError

		err := a.store.InTx(ctx, []store.Lock{store.LockNeighborIdentity}, func(tx store.Tx) error {
			batchKept = batchKept[:0]
			batchOld = batchOld[:0]
			for i := start; i < end; i++ {
				keptID, oldID, err := a.applyItem(ctx, tx, neighborID, &items[i], i, staged)
				if err != nil {
					if errors.As(err, &itemErr) {
						// Roll the batch back but keep the error.
						return err
					}
					return err
				}
				if keptID != "" {
					batchKept = append(batchKept, keptID)
				}
				if oldID != "" {
					batchOld = append(batchOld, oldID)
				}
			}
			return nil
		})
		if err != nil {
			if itemErr != nil {
				return itemErr
			}
			return err
		}
		// Batch committed: its images are now referenced, and the old
		// ones it replaced may go.
		for _, id := range batchKept {
			kept[id] = true
		}
		*oldImages = append(*oldImages, batchOld...)
	}
	return nil
}

// applyItem applies one item inside the batch transaction, returning the
// staged image id the item consumed and the old image id it displaced.
func (a *Applier) applyItem(ctx context.Context, tx store.Tx, neighborID []byte, item *wire.SharedProfileUpdateItem, index int, staged map[int]string) (keptID, oldID string, err error) {
	switch {
	case item.Add != nil:
		add := item.Add
		n := &store.NeighborIdentity{
			IdentityID:       identity.ID(add.PublicKey),
			HostingServerID:  neighborID,
			Version:          add.Version,
			Name:             add.Name,
			Type:             add.Type,
			Latitude:         add.Latitude,
			Longitude:        add.Longitude,
			ExtraData:        add.ExtraData,
			ThumbnailImageID: staged[index],
		}
		if err := tx.InsertNeighborIdentity(ctx, n); err != nil {
			if errors.Is(err, store.ErrAlreadyExists) {
				return "", "", &ItemError{index, "add.identityPublicKey"}
			}
			return "", "", err
		}
		return staged[index], "", nil

	case item.Change != nil:
		ch := item.Change
		n, err := tx.GetNeighborIdentity(ctx, ch.IdentityID, neighborID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return "", "", &ItemError{index, "change.identityNetworkId"}
			}
			return "", "", err
		}
		if ch.SetVersion {
			n.Version = ch.Version
		}
		if ch.SetName {
			n.Name = ch.Name
		}
		if ch.SetLocation {
			n.Latitude, n.Longitude = ch.Latitude, ch.Longitude
		}
		if ch.SetExtraData {
			n.ExtraData = ch.ExtraData
		}
		if ch.SetThumbnail {
			oldID = n.ThumbnailImageID
			n.ThumbnailImageID = staged[index]
		}
		if err := tx.UpdateNeighborIdentity(ctx, n); err != nil {
			return "", "", err
		}
		return staged[index], oldID, nil

	case item.Delete != nil:
		n, err := tx.GetNeighborIdentity(ctx, item.Delete.IdentityID, neighborID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return "", "", &ItemError{index, "delete.identityNetworkId"}
			}
			return "", "", err
		}
		if err := tx.DeleteNeighborIdentity(ctx, item.Delete.IdentityID, neighborID); err != nil {
			return "", "", err
		}
		return "", n.ThumbnailImageID, nil

	case item.Refresh != nil:
		// Handled in pass 1.
		return "", "", nil
	}
	return "", "", &ItemError{index, "actionType"}
}

// unstageAll unlinks every staged image not marked kept.
func (a *Applier) unstageAll(staged map[int]string, kept map[string]bool) {
	for _, id := range staged {
		if kept != nil && kept[id] {
			continue
		}
		if err := a.images.Remove(id); err != nil {
			slog.Warn("staged image unlink failed", "image", id, "error", err)
		}
	}
}
