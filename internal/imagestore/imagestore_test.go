package imagestore

import (
	"bytes"
	"errors"
	"io/fs"
	"testing"
)

var tinyPNG = []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A, 0x00}

func TestWriteReadRemove(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	id, err := s.Write(tinyPNG)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := s.Read(id)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, tinyPNG) {
		t.Error("read back different bytes")
	}
	if err := s.Remove(id); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := s.Read(id); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("read after remove err = %v, want fs.ErrNotExist", err)
	}
}

func TestRemoveMissingIsNotError(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Remove("no-such-id"); err != nil {
		t.Errorf("Remove missing: %v", err)
	}
	if err := s.Remove(""); err != nil {
		t.Errorf("Remove empty id: %v", err)
	}
}

func TestFreshIDs(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	a, _ := s.Write(tinyPNG)
	b, _ := s.Write(tinyPNG)
	if a == b {
		t.Error("two writes produced the same id")
	}
}

func TestList(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	id1, _ := s.Write(tinyPNG)
	id2, _ := s.Write(tinyPNG)
	ids, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	found := map[string]bool{}
	for _, id := range ids {
		found[id] = true
	}
	if !found[id1] || !found[id2] {
		t.Errorf("List = %v, missing %s or %s", ids, id1, id2)
	}
}

func TestValidFormat(t *testing.T) {
	if !ValidFormat(tinyPNG) {
		t.Error("PNG rejected")
	}
	if !ValidFormat([]byte{0xFF, 0xD8, 0xFF, 0xE0}) {
		t.Error("JPEG rejected")
	}
	if ValidFormat([]byte("GIF89a")) {
		t.Error("GIF accepted")
	}
	if ValidFormat(nil) {
		t.Error("empty accepted")
	}
}
