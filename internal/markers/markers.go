// Package markers holds the marker set owned by the sync loop.
package markers

import (
	"sync"

	"github.com/OCAP2/locsync/pkg/core"
)

// Set is an ordered collection of marker entities keyed by member ID.
// Entities are created once and mutated in place so renderers can animate moves.
type Set struct {
	mu      sync.RWMutex
	entries []*core.MarkerEntity
	index   map[string]int
}

// NewSet creates an empty Set
func NewSet() *Set {
	return &Set{
		index: make(map[string]int),
	}
}

// Len returns the number of markers
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Get returns a copy of the marker for memberID
func (s *Set) Get(memberID string) (core.MarkerEntity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[memberID]
	if !ok {
		return core.MarkerEntity{}, false
	}
	return *s.entries[i], true
}

// At returns a copy of the marker at position i
func (s *Set) At(i int) (core.MarkerEntity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i < 0 || i >= len(s.entries) {
		return core.MarkerEntity{}, false
	}
	return *s.entries[i], true
}

// Append adds a marker at the end. It returns false and leaves the set untouched
// when a marker for the same member already exists.
func (s *Set) Append(m core.MarkerEntity) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[m.MemberID]; ok {
		return false
	}
	entity := m
	s.index[m.MemberID] = len(s.entries)
	s.entries = append(s.entries, &entity)
	return true
}

// Update sets the coordinate of the marker for memberID.
// It returns false when the member is unknown.
func (s *Set) Update(memberID string, c core.Coordinate) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[memberID]
	if !ok {
		return false
	}
	s.entries[i].Coordinate = c
	return true
}

// UpdateAt sets the coordinate of the marker at position i, but only when that
// marker belongs to memberID. Out of range or mismatching positions are left alone.
func (s *Set) UpdateAt(i int, memberID string, c core.Coordinate) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.entries) {
		return false
	}
	if s.entries[i].MemberID != memberID {
		return false
	}
	s.entries[i].Coordinate = c
	return true
}

// Snapshot returns copies of all markers in order
func (s *Set) Snapshot() []core.MarkerEntity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.MarkerEntity, len(s.entries))
	for i, e := range s.entries {
		out[i] = *e
	}
	return out
}

// MemberIDs returns the member IDs in order
func (s *Set) MemberIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, len(s.entries))
	for i, e := range s.entries {
		ids[i] = e.MemberID
	}
	return ids
}

// entity returns the stored pointer for memberID. Used by tests to check identity.
func (s *Set) entity(memberID string) *core.MarkerEntity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i, ok := s.index[memberID]; ok {
		return s.entries[i]
	}
	return nil
}
