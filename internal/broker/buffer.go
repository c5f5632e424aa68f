package broker

import (
	"sync"
	"time"

	"github.com/jacobxo0/AIforsikring-sub000/internal/event"
)

type bufferedError struct {
	env      event.Envelope
	storedAt time.Time
}

// bufferStore keeps a bounded per-session history of recent error events so a
// (re)connecting client can be brought up to date. Buffers are created lazily
// on first append and deleted once their last entry is purged.
type bufferStore struct {
	mu       sync.Mutex
	limit    int
	sessions map[string][]bufferedError
}

func newBufferStore(limit int) *bufferStore {
	return &bufferStore{
		limit:    limit,
		sessions: make(map[string][]bufferedError),
	}
}

// append records env for sessionID, evicting the oldest entry once the bound
// is exceeded.
func (s *bufferStore) append(sessionID string, env event.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := append(s.sessions[sessionID], bufferedError{env: env, storedAt: time.Now()})
	if len(entries) > s.limit {
		entries = entries[len(entries)-s.limit:]
	}
	s.sessions[sessionID] = entries
}

// snapshot returns the buffered envelopes for sessionID, oldest first.
func (s *bufferStore) snapshot(sessionID string) []event.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.sessions[sessionID]
	if len(entries) == 0 {
		return nil
	}
	out := make([]event.Envelope, len(entries))
	for i, e := range entries {
		out[i] = e.env
	}
	return out
}

// purge drops entries stored before cutoff and removes buffers left empty.
func (s *bufferStore) purge(cutoff time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, entries := range s.sessions {
		kept := entries[:0]
		for _, e := range entries {
			if !e.storedAt.Before(cutoff) {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(s.sessions, id)
			continue
		}
		s.sessions[id] = kept
	}
}

func (s *bufferStore) sessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *bufferStore) totalCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, entries := range s.sessions {
		total += len(entries)
	}
	return total
}
