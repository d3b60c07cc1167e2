package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/profnet/profiled/internal/identity"
	"github.com/profnet/profiled/internal/store"
)

// Sweep intervals and the grace window protecting freshly staged blobs
// from the orphan sweep.
const (
	expirationSweepPeriod = 5 * time.Minute
	orphanSweepPeriod     = 6 * time.Hour
	orphanGraceWindow     = time.Hour
)

// RunSweepers runs the expiration and orphan-blob sweeps until ctx is
// cancelled. Blocks; callers run it on its own goroutine.
func (s *Server) RunSweepers(ctx context.Context) {
	expiration := time.NewTicker(expirationSweepPeriod)
	orphans := time.NewTicker(orphanSweepPeriod)
	defer expiration.Stop()
	defer orphans.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-expiration.C:
			s.sweepExpired(ctx)
		case <-orphans.C:
			s.sweepOrphanBlobs(ctx)
		}
	}
}

// sweepExpired removes hosted identities whose cancellation window has
// passed, unlinking their blobs after the commit.
func (s *Server) sweepExpired(ctx context.Context) {
	var removedImages []string
	removed := 0
	err := s.store.InTx(ctx, []store.Lock{store.LockHostedIdentity}, func(tx store.Tx) error {
		removedImages = removedImages[:0]
		removed = 0
		expired, err := tx.ListExpiredHosted(ctx, time.Now())
		if err != nil {
			return err
		}
		for _, h := range expired {
			if err := tx.DeleteHosted(ctx, h.IdentityID); err != nil {
				return err
			}
			if h.ProfileImageID != "" {
				removedImages = append(removedImages, h.ProfileImageID)
			}
			if h.ThumbnailImageID != "" {
				removedImages = append(removedImages, h.ThumbnailImageID)
			}
			removed++
		}
		return nil
	})
	if err != nil {
		slog.Error("expiration sweep failed", "error", err)
		return
	}
	s.images.RemoveAll(removedImages)
	if removed > 0 {
		slog.Info("expired identities removed", "count", removed)
	}
}

// sweepOrphanBlobs reclaims image files no row references: the documented
// leak of a crash between a commit and its post-commit unlink. Blobs
// younger than the grace window are left alone — they may belong to an
// update still in flight.
func (s *Server) sweepOrphanBlobs(ctx context.Context) {
	onDisk, err := s.images.ListOlderThan(time.Now().Add(-orphanGraceWindow))
	if err != nil {
		slog.Error("orphan sweep listing failed", "error", err)
		return
	}
	if len(onDisk) == 0 {
		return
	}

	referenced := make(map[string]bool)
	err = s.store.InTx(ctx, nil, func(tx store.Tx) error {
		hosted, err := tx.SearchHosted(ctx, store.SearchQuery{}, 0, 0)
		if err != nil {
			return err
		}
		for _, h := range hosted {
			referenced[h.ProfileImageID] = true
			referenced[h.ThumbnailImageID] = true
		}
		neighbors, err := tx.SearchNeighborIdentities(ctx, store.SearchQuery{}, 0, 0)
		if err != nil {
			return err
		}
		for _, n := range neighbors {
			referenced[n.ThumbnailImageID] = true
		}
		return nil
	})
	if err != nil {
		slog.Error("orphan sweep reference scan failed", "error", err)
		return
	}

	var orphans []string
	for _, id := range onDisk {
		if !referenced[id] {
			orphans = append(orphans, id)
		}
	}
	if len(orphans) > 0 {
		s.images.RemoveAll(orphans)
		slog.Info("orphan blobs reclaimed", "count", len(orphans),
			"server", identity.Short(s.serverID))
	}
}
