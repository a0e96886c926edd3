package userstore

import (
	"path/filepath"
	"testing"
)

func TestOpen_MissingFileStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "users.yaml"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, ok := s.Lookup("alice"); ok {
		t.Fatal("expected no users in a freshly-created store")
	}
}

func TestSetPassword_VerifyRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "users.yaml"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.SetPassword("alice", "hunter2"); err != nil {
		t.Fatalf("SetPassword: %v", err)
	}
	hash, ok := s.Lookup("alice")
	if !ok {
		t.Fatal("expected alice to be present after SetPassword")
	}
	if !VerifyPassword("hunter2", hash) {
		t.Fatal("expected correct password to verify")
	}
	if VerifyPassword("wrong", hash) {
		t.Fatal("expected incorrect password to fail verification")
	}
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "users.yaml")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.SetPassword("bob", "swordfish"); err != nil {
		t.Fatalf("SetPassword: %v", err)
	}
	if err := s.SaveUsers(); err != nil {
		t.Fatalf("SaveUsers: %v", err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	hash, ok := s2.Lookup("bob")
	if !ok {
		t.Fatal("expected bob to round-trip through save/load")
	}
	if !VerifyPassword("swordfish", hash) {
		t.Fatal("expected password to still verify after round trip")
	}
}
