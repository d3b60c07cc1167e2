package neighborhood

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/profnet/profiled/internal/imagestore"
	"github.com/profnet/profiled/internal/store"
	"github.com/profnet/profiled/internal/wire"
)

type captureSender struct {
	mu    sync.Mutex
	sent  [][]wire.SharedProfileUpdateItem
	fails int // fail this many sends first
}

func (c *captureSender) SendUpdate(ctx context.Context, f *store.Follower, items []wire.SharedProfileUpdateItem) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fails > 0 {
		c.fails--
		return errors.New("unreachable")
	}
	c.sent = append(c.sent, items)
	return nil
}

func (c *captureSender) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func seedFollowerWithActions(t *testing.T, st *store.Memory, identityIDs ...[]byte) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().Add(-time.Minute)
	refreshed := now
	err := st.InTx(ctx, []store.Lock{store.LockHostedIdentity, store.LockFollower, store.LockNeighborhoodAction}, func(tx store.Tx) error {
		f := &store.Follower{FollowerID: followerID, IP: "10.0.0.1", PrimaryPort: 1, NeighborPort: 2, LastRefreshAt: &refreshed}
		if err := tx.InsertFollower(ctx, f); err != nil {
			return err
		}
		for _, id := range identityIDs {
			h := &store.HostedIdentity{
				IdentityID: id,
				PublicKey:  bytes.Repeat([]byte{0x01}, 32),
				Version:    []byte{1, 0, 0},
				Name:       "queued",
			}
			if err := tx.InsertHosted(ctx, h); err != nil {
				return err
			}
			if err := tx.InsertAction(ctx, NewAction(followerID, store.ActionAddProfile, id, now)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func runWorkerUntil(t *testing.T, w *Worker, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			cancel()
			<-done
			t.Fatal("worker condition not reached")
		case <-time.After(5 * time.Millisecond):
			w.Signal()
		}
	}
	cancel()
	<-done
}

func TestWorkerDeliversFIFO(t *testing.T) {
	st := store.NewMemory()
	images, _ := imagestore.Open(t.TempDir())
	idA := bytes.Repeat([]byte{0xA1}, 32)
	idB := bytes.Repeat([]byte{0xB1}, 32)
	seedFollowerWithActions(t, st, idA, idB)

	sender := &captureSender{}
	w := NewWorker(st, images, sender)
	runWorkerUntil(t, w, func() bool { return sender.sentCount() == 2 })

	if !bytes.Equal(sender.sent[0][0].Add.PublicKey, bytes.Repeat([]byte{0x01}, 32)) {
		t.Error("first delivery is not an add item")
	}
	// Queue must be empty afterwards.
	ctx := context.Background()
	err := st.InTx(ctx, nil, func(tx store.Tx) error {
		if _, err := tx.NextAction(ctx, time.Now().Add(time.Hour)); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("actions remain after drain: %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
}

func TestWorkerRemovesUnreachableFollower(t *testing.T) {
	st := store.NewMemory()
	images, _ := imagestore.Open(t.TempDir())
	id := bytes.Repeat([]byte{0xC1}, 32)
	seedFollowerWithActions(t, st, id)

	sender := &captureSender{fails: 100}
	w := NewWorker(st, images, sender)
	w.retryDelay = 0 // retry immediately so three failures accumulate fast

	ctx := context.Background()
	gone := func() bool {
		var missing bool
		st.InTx(ctx, nil, func(tx store.Tx) error {
			_, err := tx.GetFollower(ctx, followerID)
			missing = errors.Is(err, store.ErrNotFound)
			return nil
		})
		return missing
	}
	runWorkerUntil(t, w, gone)

	err := st.InTx(ctx, nil, func(tx store.Tx) error {
		if _, err := tx.NextAction(ctx, time.Now().Add(time.Hour)); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("actions remain for removed follower: %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
}

func TestWorkerConsumesFinishedBlocker(t *testing.T) {
	st := store.NewMemory()
	images, _ := imagestore.Open(t.TempDir())
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	refreshed := time.Now()
	err := st.InTx(ctx, []store.Lock{store.LockFollower, store.LockNeighborhoodAction}, func(tx store.Tx) error {
		f := &store.Follower{FollowerID: followerID, IP: "10.0.0.1", PrimaryPort: 1, NeighborPort: 2, LastRefreshAt: &refreshed}
		if err := tx.InsertFollower(ctx, f); err != nil {
			return err
		}
		blocker := NewAction(followerID, store.ActionInitInProgress, nil, past)
		blocker.ExecuteAfter = &past
		return tx.InsertAction(ctx, blocker)
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	sender := &captureSender{}
	w := NewWorker(st, images, sender)
	empty := func() bool {
		var isEmpty bool
		st.InTx(ctx, nil, func(tx store.Tx) error {
			_, err := tx.GetBlockingAction(ctx, followerID)
			isEmpty = errors.Is(err, store.ErrNotFound)
			return nil
		})
		return isEmpty
	}
	runWorkerUntil(t, w, empty)

	if sender.sentCount() != 0 {
		t.Error("blocker consumption sent an update")
	}
}
