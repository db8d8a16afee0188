package metadata

import (
	"bytes"
	"context"
	"encoding/json"
	"maps"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/jingkaihe/skillet/pkg/logger"
	"github.com/pkg/errors"
	"github.com/rogpeppe/go-internal/lockedfile"
)

// Store keeps runtime metadata in memory and rewrites the whole JSON
// document on every mutation. Concurrent writers from other processes are
// last-writer-wins.
type Store struct {
	path    string
	mu      sync.RWMutex
	entries map[string]RuntimeMetadata
}

// NewStore returns an empty store persisting to path. An empty path keeps
// the store in memory only.
func NewStore(path string) *Store {
	return &Store{
		path:    path,
		entries: make(map[string]RuntimeMetadata),
	}
}

// Load reads the document at path. Any read or decode failure is logged and
// yields an empty store rather than an error.
func Load(ctx context.Context, path string) *Store {
	s := NewStore(path)
	log := logger.G(ctx).WithField("path", path)

	data, err := lockedfile.Read(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.WithError(err).Warn("failed to read metadata store, starting empty")
		}
		return s
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return s
	}

	var entries map[string]RuntimeMetadata
	if err := json.Unmarshal(data, &entries); err != nil {
		log.WithError(err).Warn("failed to decode metadata store, starting empty")
		return s
	}

	for id, m := range entries {
		s.entries[id] = m.normalized()
	}
	log.WithField("count", len(s.entries)).Debug("loaded skill metadata")
	return s
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Get returns the metadata for id, or Default() when none is stored.
func (s *Store) Get(id string) RuntimeMetadata {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.entries[id]
	if !ok {
		return Default()
	}
	return m.normalized()
}

// Has reports whether an entry is stored for id.
func (s *Store) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[id]
	return ok
}

// All returns a copy of every stored entry.
func (s *Store) All() map[string]RuntimeMetadata {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]RuntimeMetadata, len(s.entries))
	for id, m := range s.entries {
		out[id] = m.normalized()
	}
	return out
}

// Update stores m for id and persists the document.
func (s *Store) Update(id string, m RuntimeMetadata) error {
	return s.UpdateMany(map[string]RuntimeMetadata{id: m})
}

// UpdateMany stores several entries with a single write.
func (s *Store) UpdateMany(updates map[string]RuntimeMetadata) error {
	if len(updates) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := maps.Clone(s.entries)
	for id, m := range updates {
		next[id] = m.normalized()
	}
	return s.commit(next)
}

// Remove deletes the entry for id. Removing an absent id is not an error.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[id]; !ok {
		return nil
	}
	next := maps.Clone(s.entries)
	delete(next, id)
	return s.commit(next)
}

// FindConflict returns the id of the skill other than exceptID that is bound
// to keyCode.
func (s *Store) FindConflict(keyCode int, exceptID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	holders := s.holders(keyCode, exceptID)
	if len(holders) == 0 {
		return "", false
	}
	return holders[0], true
}

// holders lists, in id order, every skill other than exceptID bound to
// keyCode. Callers hold s.mu.
func (s *Store) holders(keyCode int, exceptID string) []string {
	var ids []string
	for id, m := range s.entries {
		if id == exceptID {
			continue
		}
		if key := m.ModifierKey; key != nil && key.KeyCode == keyCode {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Bind assigns binding to id. When another skill already uses the key code
// Bind fails with a ConflictError, unless resolve is set, in which case every
// other skill bound to the key loses its binding in the same write.
func (s *Store) Bind(id string, binding KeyBinding, resolve bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	holders := s.holders(binding.KeyCode, id)
	if len(holders) > 0 && !resolve {
		return &ConflictError{KeyCode: binding.KeyCode, SkillID: id, ExistingID: holders[0]}
	}

	next := maps.Clone(s.entries)
	for _, other := range holders {
		m := next[other]
		m.ModifierKey = nil
		next[other] = m
	}

	m, ok := next[id]
	if !ok {
		m = Default()
	}
	key := binding
	m.ModifierKey = &key
	next[id] = m.normalized()

	return s.commit(next)
}

// Unbind clears the key binding of id.
func (s *Store) Unbind(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.entries[id]
	if !ok || m.ModifierKey == nil {
		return nil
	}
	next := maps.Clone(s.entries)
	m.ModifierKey = nil
	next[id] = m
	return s.commit(next)
}

// commit persists next and swaps it in. Callers hold the write lock.
func (s *Store) commit(next map[string]RuntimeMetadata) error {
	if s.path != "" {
		data, err := json.MarshalIndent(next, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to marshal metadata")
		}
		if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
			return errors.Wrap(err, "failed to create metadata directory")
		}
		if err := lockedfile.Write(s.path, bytes.NewReader(data), 0o644); err != nil {
			return errors.Wrap(err, "failed to write metadata store")
		}
	}
	s.entries = next
	return nil
}
