package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/adrg/xdg"
)

// Store persists the global scope and every slot scope in a single JSON
// document:
//
//	{"global": {...}, "slots": {"<slot id>": {...}}}
//
// Blobs are kept raw so a corrupt slot never prevents loading the others.
type Store struct {
	path string

	mu    sync.Mutex
	doc   storeDoc
	ready bool
}

type storeDoc struct {
	Global json.RawMessage            `json:"global,omitempty"`
	Slots  map[string]json.RawMessage `json:"slots"`
}

// DefaultPath returns the per-user settings location.
func DefaultPath() (string, error) {
	return xdg.DataFile("deckmixer/settings.json")
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Path() string { return s.path }

// load reads the document once. A missing file is an empty document.
func (s *Store) loadLocked() error {
	if s.ready {
		return nil
	}
	s.doc = storeDoc{Slots: map[string]json.RawMessage{}}
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.ready = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("read settings %s: %w", s.path, err)
	}
	if err := json.Unmarshal(b, &s.doc); err != nil {
		// The whole file is unreadable; start over rather than refusing to run.
		s.doc = storeDoc{Slots: map[string]json.RawMessage{}}
		s.ready = true
		return fmt.Errorf("settings %s: %w: %v", s.path, ErrConfigCorrupt, err)
	}
	if s.doc.Slots == nil {
		s.doc.Slots = map[string]json.RawMessage{}
	}
	s.ready = true
	return nil
}

// Global returns the raw global blob, or nil if none is stored.
func (s *Store) Global() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return nil, err
	}
	return s.doc.Global, nil
}

// Slot returns the raw blob for slot id, or nil if none is stored.
func (s *Store) Slot(id string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return nil, err
	}
	return s.doc.Slots[id], nil
}

func (s *Store) SaveGlobal(g Global) error {
	b, err := EncodeGlobal(g)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.loadLocked()
	s.doc.Global = b
	return s.writeLocked()
}

func (s *Store) SaveSlot(id string, slot Slot) error {
	b, err := EncodeSlot(slot)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.loadLocked()
	s.doc.Slots[id] = b
	return s.writeLocked()
}

// writeLocked replaces the file atomically.
func (s *Store) writeLocked() error {
	b, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace settings: %w", err)
	}
	return nil
}
