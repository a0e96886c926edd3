package transaction

import (
	"path/filepath"
	"testing"
)

func TestSaveLoadCounter_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "counter.txt")

	SeedCounter(0)
	for i := 0; i < 7; i++ {
		NextID()
	}
	if err := SaveCounter(path); err != nil {
		t.Fatalf("SaveCounter: %v", err)
	}

	SeedCounter(0)
	if err := LoadCounter(path); err != nil {
		t.Fatalf("LoadCounter: %v", err)
	}
	if CounterValue() != 7 {
		t.Fatalf("expected counter restored to 7, got %d", CounterValue())
	}
}

func TestLoadCounter_MissingFileIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	SeedCounter(3)
	if err := LoadCounter(filepath.Join(dir, "does-not-exist.txt")); err != nil {
		t.Fatalf("expected no error for missing counter file, got %v", err)
	}
	if CounterValue() != 3 {
		t.Fatalf("expected counter left untouched, got %d", CounterValue())
	}
}
