// Package store holds the materialized poll view. Readers always get
// copies; writes are reserved to the reconciler.
package store

import (
	"sort"
	"sync"

	"poll-monitoring/internal/poll"
)

// Reader is the read-only view handed to presentation layers.
type Reader interface {
	Get(id poll.ID) (poll.Poll, bool)
	All() []poll.Poll
	Len() int
}

// Store maps poll id to poll state.
type Store struct {
	mu    sync.RWMutex
	polls map[poll.ID]*poll.Poll
}

// New initializes an empty store.
func New() *Store {
	return &Store{polls: make(map[poll.ID]*poll.Poll)}
}

// Get returns a copy of the poll with the given id.
func (s *Store) Get(id poll.ID) (poll.Poll, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.polls[id]
	if !ok {
		return poll.Poll{}, false
	}
	return p.Clone(), true
}

// All returns copies of every poll ordered by id.
func (s *Store) All() []poll.Poll {
	s.mu.RLock()
	list := make([]poll.Poll, 0, len(s.polls))
	for _, p := range s.polls {
		list = append(list, p.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

// Len returns the number of polls in the view.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.polls)
}

// Has reports whether a poll is present.
func (s *Store) Has(id poll.ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.polls[id]
	return ok
}

// Insert stores p unless its id is already present. Returns false when an
// entry existed; the existing entry is left untouched.
func (s *Store) Insert(p poll.Poll) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.polls[p.ID]; exists {
		return false
	}
	cp := p.Clone()
	s.polls[p.ID] = &cp
	return true
}

// Update runs fn on the stored poll under the write lock, so readers never
// see a partially applied change. Returns false if the poll is absent.
func (s *Store) Update(id poll.ID, fn func(p *poll.Poll)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.polls[id]
	if !ok {
		return false
	}
	fn(p)
	return true
}
