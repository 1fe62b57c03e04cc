// Package snapshot holds the single authoritative cluster snapshot produced
// by the poller. The store is the only piece of state shared between the
// poller (sole writer) and the read API and websocket hub (readers); updates
// are always whole-snapshot replacement, never in-place mutation.
package snapshot

import (
	"sync"

	"mqdash/internal/models"
)

// Store holds the current snapshot and the most recent poll failure.
// All methods are safe for concurrent use. Current never returns a
// half-written snapshot: Replace swaps the pointer under the write lock and
// callers treat the returned snapshot as read-only.
type Store struct {
	mu      sync.RWMutex
	current *models.Snapshot
	lastErr *models.FetchError
}

func NewStore() *Store {
	return &Store{}
}

// Replace installs a new snapshot as the current one and clears any retained
// fetch error. Called by the poller after every fully successful cycle.
func (s *Store) Replace(snap *models.Snapshot) {
	if snap == nil {
		return
	}
	s.mu.Lock()
	s.current = snap
	s.lastErr = nil
	s.mu.Unlock()
}

// Current returns the current snapshot, or nil before the first successful
// poll. The returned snapshot is shared and must not be mutated.
func (s *Store) Current() *models.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// SetLastError records a failed cycle without touching the current snapshot.
func (s *Store) SetLastError(fe *models.FetchError) {
	if fe == nil {
		return
	}
	s.mu.Lock()
	s.lastErr = fe
	s.mu.Unlock()
}

// LastError returns the most recent fetch error, or nil if the latest cycle
// succeeded (or no cycle has run yet).
func (s *Store) LastError() *models.FetchError {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}
