// Package userstore is the external users-file boundary: a client id to
// password-hash map, opaque to everything outside this package, plus the
// password verification contract the broker's auth step relies on.
package userstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/pendathiao123/srdbtc-broker/pkg/logging"
)

// Store holds the client id -> password hash map and persists it as YAML.
type Store struct {
	path string

	mu    sync.RWMutex
	users map[string]string

	log *logging.Logger
}

// Open loads users from path if present, or starts empty if it doesn't
// exist yet.
func Open(path string) (*Store, error) {
	s := &Store{
		path:  path,
		users: make(map[string]string),
		log:   logging.GetDefault().Component("userstore"),
	}
	if err := s.LoadUsers(); err != nil {
		return nil, err
	}
	return s, nil
}

// LoadUsers reads the users file, replacing in-memory state. A missing
// file leaves the store empty rather than failing.
func (s *Store) LoadUsers() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read users file: %w", err)
	}

	var users map[string]string
	if err := yaml.Unmarshal(data, &users); err != nil {
		return fmt.Errorf("failed to parse users file: %w", err)
	}

	s.mu.Lock()
	if users == nil {
		users = make(map[string]string)
	}
	s.users = users
	s.mu.Unlock()
	return nil
}

// SaveUsers atomically writes the current user map to the users file.
func (s *Store) SaveUsers() error {
	s.mu.RLock()
	snapshot := make(map[string]string, len(s.users))
	for k, v := range s.users {
		snapshot[k] = v
	}
	s.mu.RUnlock()

	data, err := yaml.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal users file: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create users file directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "users-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp users file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write users file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to fsync users file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp users file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename users file into place: %w", err)
	}
	return nil
}

// Lookup returns the stored password hash for clientID, if any.
func (s *Store) Lookup(clientID string) (hash string, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hash, ok = s.users[clientID]
	return hash, ok
}

// SetPassword hashes plain with bcrypt and stores it for clientID,
// overwriting any existing entry.
func (s *Store) SetPassword(clientID, plain string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	s.mu.Lock()
	s.users[clientID] = string(hash)
	s.mu.Unlock()
	return nil
}

// VerifyPassword reports whether plain matches the stored hash. The
// contract is exactly "given a plaintext and a stored representation,
// return true iff matches" — it does not distinguish a missing user from
// a wrong password.
func VerifyPassword(plain, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}
