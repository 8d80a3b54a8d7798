package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrCredentialsNotFound is returned by Cache.Load for unknown identities.
var ErrCredentialsNotFound = errors.New("credentials not found")

// Cache stores credentials keyed by identity.
type Cache interface {
	// Load returns cached credentials or ErrCredentialsNotFound.
	Load(ctx context.Context, identity string) (*Credentials, error)
	// Save stores creds under creds.Identity.
	Save(ctx context.Context, creds Credentials) error
	// Delete removes the entry for identity.
	Delete(ctx context.Context, identity string) error
}

// MemoryCache is an in-memory cache for tests and ephemeral deployments.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]Credentials
}

// NewMemoryCache creates an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]Credentials)}
}

func (m *MemoryCache) Load(_ context.Context, identity string) (*Credentials, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.entries[identity]
	if !ok {
		return nil, ErrCredentialsNotFound
	}
	return &c, nil
}

func (m *MemoryCache) Save(_ context.Context, creds Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[creds.Identity] = creds
	return nil
}

func (m *MemoryCache) Delete(_ context.Context, identity string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, identity)
	return nil
}

// FileCache keeps credentials in a single JSON file readable only by the
// owner. The whole file is rewritten on every Save.
type FileCache struct {
	path string
	mu   sync.Mutex
}

// NewFileCache creates a FileCache at path. The file is created lazily.
func NewFileCache(path string) *FileCache {
	return &FileCache{path: path}
}

func (f *FileCache) Load(_ context.Context, identity string) (*Credentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := f.read()
	if err != nil {
		return nil, err
	}
	c, ok := entries[identity]
	if !ok {
		return nil, ErrCredentialsNotFound
	}
	return &c, nil
}

func (f *FileCache) Save(_ context.Context, creds Credentials) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := f.read()
	if err != nil {
		return err
	}
	entries[creds.Identity] = creds
	return f.write(entries)
}

func (f *FileCache) Delete(_ context.Context, identity string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := f.read()
	if err != nil {
		return err
	}
	delete(entries, identity)
	return f.write(entries)
}

func (f *FileCache) read() (map[string]Credentials, error) {
	entries := make(map[string]Credentials)
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return entries, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading credential cache: %w", err)
	}
	if len(data) == 0 {
		return entries, nil
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decoding credential cache: %w", err)
	}
	return entries, nil
}

func (f *FileCache) write(entries map[string]Credentials) error {
	if dir := filepath.Dir(f.path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("creating cache dir: %w", err)
		}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding credential cache: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing credential cache: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("replacing credential cache: %w", err)
	}
	return nil
}
