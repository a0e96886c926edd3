package transaction

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// LoadCounter reads a single integer from path and seeds the package-level
// id counter with it. A missing file leaves the counter unchanged.
func LoadCounter(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read transaction counter file: %w", err)
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return fmt.Errorf("failed to parse transaction counter file: %w", err)
	}
	SeedCounter(n)
	return nil
}

// SaveCounter atomically writes the current counter value to path.
func SaveCounter(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create counter file directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "txn-counter-*")
	if err != nil {
		return fmt.Errorf("failed to create temp counter file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := fmt.Fprintf(tmp, "%d\n", CounterValue()); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write counter file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to fsync counter file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp counter file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename counter file into place: %w", err)
	}
	return nil
}
