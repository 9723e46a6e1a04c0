// Package secret provides lookup of credentials by key and guaranteed
// erasure of secret material from memory.
//
// Stores always return a fresh copy of the secret bytes so callers can wipe
// their copy without corrupting anything cached. Callers that hold a secret
// are responsible for wiping it on every exit path; WithSecret encapsulates
// that discipline.
package secret

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/mthorpe/boxchan/paths"
)

// ErrNotFound is returned when a store has no secret for the given key.
var ErrNotFound = errors.New("secret not found")

// Store looks up secrets by key. Implementations must return a fresh copy
// on every call.
type Store interface {
	// Lookup returns a copy of the secret for key, or ErrNotFound.
	Lookup(key string) ([]byte, error)
}

// Wipe overwrites b in place with zero bytes. The caller's slice still
// exists afterward but no longer carries the secret value.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// WithSecret looks up a secret, passes a copy to fn, and wipes the copy
// when fn returns — on success, error, or panic.
func WithSecret(store Store, key string, fn func(secret []byte) error) error {
	sec, err := store.Lookup(key)
	if err != nil {
		return err
	}
	defer Wipe(sec)
	return fn(sec)
}

// FileStore reads secrets from a JSON file mapping key to value.
// The file is re-read on every lookup so external rotation is picked up
// and no plaintext lingers in this process between calls.
type FileStore struct {
	path string
}

// NewFileStore creates a FileStore reading from the given path.
// If path is empty, the default secrets.json location is used.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		p, err := paths.SecretsFilePath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	return &FileStore{path: path}, nil
}

// Lookup returns a copy of the secret for key.
func (s *FileStore) Lookup(key string) ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer Wipe(data)

	var entries map[string]string
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse secrets file: %w", err)
	}

	val, ok := entries[key]
	if !ok {
		return nil, ErrNotFound
	}

	// []byte(val) already copies; entries goes out of scope with the
	// original string, which Go strings keep immutable regardless.
	return []byte(val), nil
}

// EnvStore reads secrets from environment variables under a prefix.
// The key is appended to the prefix verbatim, so with prefix
// "BOXCHAN_SECRET_" the key "GITHUB" reads BOXCHAN_SECRET_GITHUB.
type EnvStore struct {
	prefix string
}

// NewEnvStore creates an EnvStore with the given variable prefix.
func NewEnvStore(prefix string) *EnvStore {
	return &EnvStore{prefix: prefix}
}

// Lookup returns a copy of the environment variable's value.
func (s *EnvStore) Lookup(key string) ([]byte, error) {
	val, ok := os.LookupEnv(s.prefix + key)
	if !ok || val == "" {
		return nil, ErrNotFound
	}
	return []byte(val), nil
}

// ChainStore tries each store in order and returns the first hit.
type ChainStore struct {
	stores []Store
}

// NewChainStore creates a ChainStore over the given stores.
func NewChainStore(stores ...Store) *ChainStore {
	return &ChainStore{stores: stores}
}

// Lookup returns the first store's copy of the secret for key.
func (s *ChainStore) Lookup(key string) ([]byte, error) {
	for _, st := range s.stores {
		sec, err := st.Lookup(key)
		if err == nil {
			return sec, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, ErrNotFound
}

// MemStore is an in-memory store for tests. Safe for concurrent use.
type MemStore struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{entries: make(map[string][]byte)}
}

// Set stores a copy of value under key.
func (s *MemStore) Set(key string, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = append([]byte(nil), value...)
}

// Lookup returns a copy of the secret for key.
func (s *MemStore) Lookup(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	val, ok := s.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), val...), nil
}

var _ Store = (*FileStore)(nil)
var _ Store = (*EnvStore)(nil)
var _ Store = (*ChainStore)(nil)
var _ Store = (*MemStore)(nil)
