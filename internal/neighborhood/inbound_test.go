package neighborhood

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"testing"
	"time"

	"github.com/profnet/profiled/internal/identity"
	"github.com/profnet/profiled/internal/imagestore"
	"github.com/profnet/profiled/internal/store"
	"github.com/profnet/profiled/internal/wire"
)

var neighborID = bytes.Repeat([]byte{0x44}, 32)

func newApplier(t *testing.T) (*Applier, *store.Memory, *imagestore.Store) {
	t.Helper()
	st := store.NewMemory()
	images, err := imagestore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("imagestore: %v", err)
	}
	return NewApplier(st, images), st, images
}

func registerNeighbor(t *testing.T, st *store.Memory, initialized bool) {
	t.Helper()
	ctx := context.Background()
	n := &store.Neighbor{NeighborID: neighborID}
	if initialized {
		now := time.Now()
		n.LastRefreshAt = &now
	}
	err := st.InTx(ctx, []store.Lock{store.LockNeighborServer}, func(tx store.Tx) error {
		return tx.UpsertNeighbor(ctx, n)
	})
	if err != nil {
		t.Fatalf("register neighbor: %v", err)
	}
}

func addItem(t *testing.T, name string) (wire.SharedProfileUpdateItem, []byte) {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return wire.SharedProfileUpdateItem{Add: &wire.SharedProfileAdd{
		Version:   wire.ProtocolVersion.Bytes(),
		PublicKey: pub,
		Name:      name,
		Type:      "person",
		Latitude:  50,
		Longitude: 14.4,
	}}, identity.ID(pub)
}

func countNeighborIdents(t *testing.T, st *store.Memory) int {
	t.Helper()
	ctx := context.Background()
	var n int
	err := st.InTx(ctx, nil, func(tx store.Tx) error {
		rows, err := tx.SearchNeighborIdentities(ctx, store.SearchQuery{}, 0, 0)
		if err != nil {
			return err
		}
		n = len(rows)
		return nil
	})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func TestApplyRejectsUnknownNeighbor(t *testing.T) {
	a, _, _ := newApplier(t)
	item, _ := addItem(t, "ghost")
	err := a.Apply(context.Background(), neighborID, []wire.SharedProfileUpdateItem{item})
	if !errors.Is(err, ErrNotNeighbor) {
		t.Errorf("err = %v, want ErrNotNeighbor", err)
	}
}

func TestApplyRejectsUninitializedNeighbor(t *testing.T) {
	a, st, _ := newApplier(t)
	registerNeighbor(t, st, false)
	item, _ := addItem(t, "early")
	err := a.Apply(context.Background(), neighborID, []wire.SharedProfileUpdateItem{item})
	if !errors.Is(err, ErrNotNeighbor) {
		t.Errorf("err = %v, want ErrNotNeighbor", err)
	}
}

func TestApplyAddChangeDeleteIsNoOp(t *testing.T) {
	a, st, _ := newApplier(t)
	registerNeighbor(t, st, true)
	ctx := context.Background()

	item, id := addItem(t, "transient")
	change := wire.SharedProfileUpdateItem{Change: &wire.SharedProfileChange{
		IdentityID: id,
		SetName:    true,
		Name:       "renamed",
	}}
	del := wire.SharedProfileUpdateItem{Delete: &wire.SharedProfileDelete{IdentityID: id}}

	if err := a.Apply(ctx, neighborID, []wire.SharedProfileUpdateItem{item, change, del}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if n := countNeighborIdents(t, st); n != 0 {
		t.Errorf("repository has %d rows after add+change+delete, want 0", n)
	}
}

func TestApplyDuplicateAddStops(t *testing.T) {
	a, st, _ := newApplier(t)
	registerNeighbor(t, st, true)
	ctx := context.Background()

	first, _ := addItem(t, "dup")
	// Same public key again: same identity id, same neighbor.
	second := wire.SharedProfileUpdateItem{Add: first.Add}
	third, _ := addItem(t, "after-stop")

	err := a.Apply(ctx, neighborID, []wire.SharedProfileUpdateItem{first, second, third})
	var ie *ItemError
	if !errors.As(err, &ie) {
		t.Fatalf("err = %v, want ItemError", err)
	}
	if ie.Index != 1 || ie.Field != "add.identityPublicKey" {
		t.Errorf("ItemError = %d.%s, want 1.add.identityPublicKey", ie.Index, ie.Field)
	}
}

func TestApplyChangeMissingIdentity(t *testing.T) {
	a, st, _ := newApplier(t)
	registerNeighbor(t, st, true)

	change := wire.SharedProfileUpdateItem{Change: &wire.SharedProfileChange{
		IdentityID: bytes.Repeat([]byte{0x99}, 32),
		SetName:    true,
		Name:       "nobody",
	}}
	err := a.Apply(context.Background(), neighborID, []wire.SharedProfileUpdateItem{change})
	var ie *ItemError
	if !errors.As(err, &ie) || ie.Field != "change.identityNetworkId" {
		t.Errorf("err = %v, want ItemError on change.identityNetworkId", err)
	}
}

func TestApplyValidationFailureKeepsPrefix(t *testing.T) {
	a, st, _ := newApplier(t)
	registerNeighbor(t, st, true)
	ctx := context.Background()

	good, _ := addItem(t, "valid-one")
	bad := wire.SharedProfileUpdateItem{Add: &wire.SharedProfileAdd{
		Version:   wire.ProtocolVersion.Bytes(),
		PublicKey: []byte("too short"),
		Name:      "broken",
	}}

	err := a.Apply(ctx, neighborID, []wire.SharedProfileUpdateItem{good, bad})
	var ie *ItemError
	if !errors.As(err, &ie) || ie.Index != 1 {
		t.Fatalf("err = %v, want ItemError at index 1", err)
	}
	// Item 0 was valid and must have been applied despite the failure.
	if n := countNeighborIdents(t, st); n != 1 {
		t.Errorf("repository has %d rows, want 1 (valid prefix applied)", n)
	}
}

func TestApplyStagedImagesCleanedUp(t *testing.T) {
	a, st, images := newApplier(t)
	registerNeighbor(t, st, true)
	ctx := context.Background()

	png := append([]byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}, 1, 2, 3)
	item, id := addItem(t, "pictured")
	item.Add.ThumbnailImage = png
	del := wire.SharedProfileUpdateItem{Delete: &wire.SharedProfileDelete{IdentityID: id}}

	if err := a.Apply(ctx, neighborID, []wire.SharedProfileUpdateItem{item, del}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	// The add's image was kept by the committed add, then released by the
	// delete; nothing may remain on disk.
	ids, err := images.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("images on disk after delete: %v", ids)
	}
}

func TestApplyRefreshBumpsNeighbor(t *testing.T) {
	a, st, _ := newApplier(t)
	ctx := context.Background()

	old := time.Now().Add(-time.Hour)
	err := st.InTx(ctx, []store.Lock{store.LockNeighborServer}, func(tx store.Tx) error {
		return tx.UpsertNeighbor(ctx, &store.Neighbor{NeighborID: neighborID, LastRefreshAt: &old})
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	refresh := wire.SharedProfileUpdateItem{Refresh: &wire.SharedProfileRefresh{}}
	if err := a.Apply(ctx, neighborID, []wire.SharedProfileUpdateItem{refresh}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	err = st.InTx(ctx, nil, func(tx store.Tx) error {
		n, err := tx.GetNeighbor(ctx, neighborID)
		if err != nil {
			return err
		}
		if !n.LastRefreshAt.After(old) {
			t.Error("refresh item did not bump last_refresh_at")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
}
