package breaker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// StateStore persists breaker state across restarts.
type StateStore interface {
	Load() (State, bool, error)
	Save(state State) error
}

// FileStore keeps breaker state in a JSON file.
type FileStore struct {
	path string
}

// NewFileStore builds a FileStore rooted at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the state file. The second return is false when no file exists.
func (f *FileStore) Load() (State, bool, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return State{}, false, nil
		}
		return State{}, false, fmt.Errorf("read breaker state: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, false, fmt.Errorf("parse breaker state: %w", err)
	}
	return state, true, nil
}

// Save writes the state file atomically via a temp file rename.
func (f *FileStore) Save(state State) error {
	state.Version = SchemaVersion

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal breaker state: %w", err)
	}

	dir := filepath.Dir(f.path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write breaker state: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("replace breaker state: %w", err)
	}
	return nil
}

// MemoryStore is an in-memory StateStore for tests.
type MemoryStore struct {
	mu     sync.Mutex
	state  State
	loaded bool
	Saves  int
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Seed primes the store with state as if a previous run had saved it.
func (m *MemoryStore) Seed(state State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
	m.loaded = true
}

// Load returns the seeded or last-saved state.
func (m *MemoryStore) Load() (State, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.loaded, nil
}

// Save captures the state in memory.
func (m *MemoryStore) Save(state State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
	m.loaded = true
	m.Saves++
	return nil
}
