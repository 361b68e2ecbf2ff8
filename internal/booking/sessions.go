package booking

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrSessionNotFound = errors.New("booking session not found")

// Sessions holds the live workflows of the server, one per started booking.
type Sessions struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*Workflow
	deps     Deps
	ttl      time.Duration
}

func NewSessions(deps Deps, ttl time.Duration) *Sessions {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Sessions{
		sessions: make(map[uuid.UUID]*Workflow),
		deps:     deps,
		ttl:      ttl,
	}
}

func (s *Sessions) Start(patientID uuid.UUID) *Workflow {
	w := NewWorkflow(patientID, s.deps)
	s.mu.Lock()
	s.sessions[w.ID()] = w
	s.mu.Unlock()
	return w
}

func (s *Sessions) Get(id uuid.UUID) (*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return w, nil
}

func (s *Sessions) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Sweep drops sessions untouched for longer than the TTL, terminal or not.
// The registry lock is only held to copy the sessions and to delete.
func (s *Sessions) Sweep() int {
	if s.ttl <= 0 {
		return 0
	}
	cutoff := s.deps.Now().Add(-s.ttl)

	s.mu.RLock()
	all := make(map[uuid.UUID]*Workflow, len(s.sessions))
	for id, w := range s.sessions {
		all[id] = w
	}
	s.mu.RUnlock()

	var stale []uuid.UUID
	for id, w := range all {
		if w.UpdatedAt().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	if len(stale) == 0 {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for _, id := range stale {
		if cur, ok := s.sessions[id]; ok && cur == all[id] {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

// Run sweeps every interval until ctx is done.
func (s *Sessions) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				s.deps.Log.Debug().Int("removed", n).Msg("swept booking sessions")
			}
		}
	}
}
