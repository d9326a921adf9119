package orchestrator

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Position is the last selection the supervisor committed to.
type Position struct {
	Index      int       `yaml:"index"`
	Entry      Entry     `yaml:"entry"`
	Generation string    `yaml:"generation,omitempty"`
	UpdatedAt  time.Time `yaml:"updated_at"`
}

// PositionStore is the persistence abstraction for the playlist position.
// Implementations can be in-memory or file-based. The supervisor saves on
// every transition and loads once at construction.
type PositionStore interface {
	LoadPosition() (Position, bool, error)
	SavePosition(p Position) error
}

// InMemoryStore keeps the position for the process lifetime only.
type InMemoryStore struct {
	mu  sync.Mutex
	pos *Position
}

// NewInMemoryStore returns an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

// LoadPosition implements PositionStore.LoadPosition.
func (s *InMemoryStore) LoadPosition() (Position, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos == nil {
		return Position{}, false, nil
	}
	return *s.pos, true, nil
}

// SavePosition implements PositionStore.SavePosition.
func (s *InMemoryStore) SavePosition(p Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pos = &p
	return nil
}

// FileStore keeps the position in a YAML file so a restart resumes where the
// stream left off.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore returns a store backed by path. The file is created on first save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// LoadPosition implements PositionStore.LoadPosition.
func (s *FileStore) LoadPosition() (Position, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Position{}, false, nil
	}
	if err != nil {
		return Position{}, false, fmt.Errorf("read position: %w", err)
	}
	var p Position
	if err := yaml.Unmarshal(b, &p); err != nil {
		return Position{}, false, fmt.Errorf("decode position: %w", err)
	}
	return p, p.Index > 0, nil
}

// SavePosition implements PositionStore.SavePosition. The file is replaced
// atomically.
func (s *FileStore) SavePosition(p Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode position: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("write position: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("commit position: %w", err)
	}
	return nil
}

// resumeIndex picks the start index from a saved position: the saved entry
// wherever it now sits, else the saved index if still in range, else 1.
func resumeIndex(p Position, pl *Playlist) int {
	if p.Entry != "" {
		if i := pl.IndexOf(p.Entry); i > 0 {
			return i
		}
	}
	if p.Index >= 1 && p.Index <= pl.Len() {
		return p.Index
	}
	return 1
}
