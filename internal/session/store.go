package session

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Store keeps recently used sessions by ID so that several requests, e.g.
// all cell requests of one render pass, can share one I/O budget.
type Store struct {
	sessions *expirable.LRU[string, *Stats]
}

// NewStore holds at most size sessions, each dropped ttl after it was
// last created or looked up.
func NewStore(size int, ttl time.Duration) *Store {
	return &Store{sessions: expirable.NewLRU[string, *Stats](size, nil, ttl)}
}

// Resolve returns the session for id, or a new one when id is empty or
// unknown. The bool reports whether a new session was created.
func (s *Store) Resolve(id string) (*Stats, bool) {
	if id != "" {
		if stats, ok := s.sessions.Get(id); ok {
			// Get does not refresh the TTL.
			s.sessions.Add(id, stats)
			return stats, false
		}
	}
	stats := New()
	s.sessions.Add(stats.ID(), stats)
	return stats, true
}

func (s *Store) Remove(id string) bool {
	return s.sessions.Remove(id)
}

func (s *Store) Len() int {
	return s.sessions.Len()
}
