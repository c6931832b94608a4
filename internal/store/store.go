// Package store is the local record cache fed by remote change events and
// by optimistic local writes.
package store

import (
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/dgnsrekt/hzwatch/internal/change"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrMissingID = errors.New("record has no id")
)

type key struct {
	model string
	id    string
}

// edit remembers the value a record had before an optimistic write.
type edit struct {
	prev    change.Record
	existed bool
}

// Store holds records per model, keyed by id.
type Store struct {
	mu      sync.RWMutex
	records map[string]map[string]change.Record
	edits   map[key]edit
	logger  *zap.Logger
}

func New(logger *zap.Logger) *Store {
	return &Store{
		records: make(map[string]map[string]change.Record),
		edits:   make(map[key]edit),
		logger:  logger,
	}
}

// Push inserts or overwrites a record.
func (s *Store) Push(model string, rec change.Record) error {
	id := rec.ID()
	if id == "" {
		return ErrMissingID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(model, id, rec.Clone())
	return nil
}

func (s *Store) putLocked(model, id string, rec change.Record) {
	m, ok := s.records[model]
	if !ok {
		m = make(map[string]change.Record)
		s.records[model] = m
	}
	m[id] = rec
}

// Peek returns a copy of a cached record.
func (s *Store) Peek(model, id string) (change.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[model][id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

// PeekAll returns copies of every cached record of model ordered by id.
func (s *Store) PeekAll(model string) []change.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m := s.records[model]
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]change.Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, m[id].Clone())
	}
	return out
}

// Remove drops a record and reports whether it was cached.
func (s *Store) Remove(model, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(model, id)
}

func (s *Store) removeLocked(model, id string) bool {
	m := s.records[model]
	if _, ok := m[id]; !ok {
		return false
	}
	delete(m, id)
	return true
}

// Len returns the number of cached records of model.
func (s *Store) Len(model string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records[model])
}

// BeginEdit applies an optimistic write. next == nil removes the record.
// The value before the first outstanding edit is kept for RollbackEdit.
func (s *Store) BeginEdit(model, id string, next change.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{model, id}
	if _, pending := s.edits[k]; !pending {
		prev, existed := s.records[model][id]
		s.edits[k] = edit{prev: prev, existed: existed}
	}
	if next == nil {
		s.removeLocked(model, id)
		return
	}
	s.putLocked(model, id, next.Clone())
}

// HasPendingEdit reports whether an optimistic write to the record is
// outstanding.
func (s *Store) HasPendingEdit(model, id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.edits[key{model, id}]
	return ok
}

// CommitEdit forgets the saved value of an outstanding edit.
func (s *Store) CommitEdit(model, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.edits, key{model, id})
}

// RollbackEdit restores the value the record had before the outstanding
// edit. It reports false when there was nothing to roll back.
func (s *Store) RollbackEdit(model, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{model, id}
	e, ok := s.edits[k]
	if !ok {
		return false
	}
	delete(s.edits, k)

	if e.existed {
		s.putLocked(model, id, e.prev)
	} else {
		s.removeLocked(model, id)
	}
	s.logger.Debug("rolled back local edit", zap.String("model", model), zap.String("id", id))
	return true
}
