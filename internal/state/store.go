package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Store abstracts snapshot durability so tests can swap in memory.
type Store interface {
	// Load returns the newest readable snapshot. ok is false when no
	// snapshot (or backup) could be recovered; that is not an error.
	Load() (PersistedState, bool, error)
	Save(PersistedState) error
}

// FileStore persists snapshots as indented JSON with a ring of numbered
// backups. Writes go through a temp file and rename so a crash mid-write
// cannot corrupt the previous snapshot.
type FileStore struct {
	path       string
	maxBackups int
}

// NewFileStore keeps up to maxBackups generations next to path.
func NewFileStore(path string, maxBackups int) *FileStore {
	if maxBackups < 0 {
		maxBackups = 0
	}
	return &FileStore{path: path, maxBackups: maxBackups}
}

// Load tries the live snapshot first, then each backup from newest to
// oldest, returning the first one that parses.
func (s *FileStore) Load() (PersistedState, bool, error) {
	candidates := []string{s.path}
	for i := 1; i <= s.maxBackups; i++ {
		candidates = append(candidates, s.backupPath(i))
	}

	var lastErr error
	for _, candidate := range candidates {
		raw, err := os.ReadFile(candidate)
		if err != nil {
			if !os.IsNotExist(err) {
				lastErr = err
			}
			continue
		}
		var st PersistedState
		if err := json.Unmarshal(raw, &st); err != nil {
			lastErr = fmt.Errorf("parse %s: %w", candidate, err)
			continue
		}
		return st, true, nil
	}
	return PersistedState{}, false, lastErr
}

// Save rotates the existing snapshot into the backup ring, then writes the
// new one atomically.
func (s *FileStore) Save(st PersistedState) error {
	raw, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	s.rotate()

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

// rotate shifts path -> .bak.1 -> .bak.2 ... dropping the oldest. Rotation
// failures are tolerated: losing a backup generation must not block a save.
func (s *FileStore) rotate() {
	if s.maxBackups == 0 {
		return
	}
	if _, err := os.Stat(s.path); err != nil {
		return
	}
	os.Remove(s.backupPath(s.maxBackups))
	for i := s.maxBackups - 1; i >= 1; i-- {
		os.Rename(s.backupPath(i), s.backupPath(i+1))
	}
	os.Rename(s.path, s.backupPath(1))
}

func (s *FileStore) backupPath(n int) string {
	return fmt.Sprintf("%s.bak.%d", s.path, n)
}

// MemoryStore is an in-memory Store for tests.
type MemoryStore struct {
	mu     sync.Mutex
	state  PersistedState
	seeded bool

	Saves int
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

// Seed pre-loads a snapshot as if it had been written by a prior run.
func (s *MemoryStore) Seed(st PersistedState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
	s.seeded = true
}

func (s *MemoryStore) Load() (PersistedState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.seeded, nil
}

func (s *MemoryStore) Save(st PersistedState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
	s.seeded = true
	s.Saves++
	return nil
}
