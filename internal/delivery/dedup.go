package delivery

import (
	"sync"
	"sync/atomic"
)

// DedupSet tracks identifiers that have already been delivered. Entries are
// only ever added, never removed, and membership checks are safe from any
// goroutine. A set may be seeded from a prior run before streaming starts.
type DedupSet struct {
	seen sync.Map
	size atomic.Int64
}

// NewDedupSet returns an empty set.
func NewDedupSet() *DedupSet {
	return &DedupSet{}
}

// Contains reports whether id is already in the set.
func (s *DedupSet) Contains(id string) bool {
	if id == "" {
		return false
	}
	_, ok := s.seen.Load(id)
	return ok
}

// Add inserts the given identifiers, ignoring empties and duplicates.
func (s *DedupSet) Add(ids ...string) {
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, loaded := s.seen.LoadOrStore(id, struct{}{}); !loaded {
			s.size.Add(1)
		}
	}
}

// Len returns the number of identifiers in the set.
func (s *DedupSet) Len() int {
	return int(s.size.Load())
}
