// Package imagestore keeps profile image blobs on disk, one file per image,
// named by a fresh random id. Files are immutable: a changed image gets a
// new id and the old file is unlinked only after the referencing database
// row has committed. A crash between commit and unlink leaks a file; the
// sweeper reclaims files no row references.
package imagestore

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

var ErrNotImage = errors.New("data is not a PNG or JPEG image")

var (
	pngMagic  = []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}
	jpegMagic = []byte{0xFF, 0xD8, 0xFF}
)

// ValidFormat reports whether data starts with a PNG or JPEG signature.
func ValidFormat(data []byte) bool {
	return bytes.HasPrefix(data, pngMagic) || bytes.HasPrefix(data, jpegMagic)
}

// Store is a directory of image blobs.
type Store struct {
	dir string
}

// Open ensures the blob directory exists.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create image directory %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(id string) string {
	// Ids are generated here and are never path-like, but keep Base as a
	// guard against a corrupted id read back from the database.
	return filepath.Join(s.dir, filepath.Base(id))
}

// Write stores data under a fresh id and returns the id. Image ids are
// 128-bit random values, so concurrent writers never collide.
func (s *Store) Write(data []byte) (string, error) {
	id := uuid.NewString()
	if err := os.WriteFile(s.path(id), data, 0600); err != nil {
		return "", fmt.Errorf("write image %s: %w", id, err)
	}
	return id, nil
}

// Read returns the blob for id. A missing file is reported as fs.ErrNotExist;
// callers racing a post-commit unlink treat that as "image absent".
func (s *Store) Read(id string) ([]byte, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Remove unlinks the blob for id. Missing files are not an error: unlink
// races with other removers and with crash-recovery sweeps.
func (s *Store) Remove(id string) error {
	if id == "" {
		return nil
	}
	err := os.Remove(s.path(id))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove image %s: %w", id, err)
	}
	return nil
}

// RemoveAll unlinks every id in the list, logging failures and never
// returning an error. Used for post-commit cleanup where the database state
// is already final.
func (s *Store) RemoveAll(ids []string) {
	for _, id := range ids {
		if err := s.Remove(id); err != nil {
			slog.Warn("image unlink failed", "image", id, "error", err)
		}
	}
}

// List enumerates all blob ids currently on disk, for the orphan sweeper.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list image directory: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// ListOlderThan enumerates blob ids last modified before cutoff. The
// orphan sweeper uses the grace window to avoid racing an update that has
// staged its image but not yet committed the row.
func (s *Store) ListOlderThan(cutoff time.Time) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list image directory: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}
