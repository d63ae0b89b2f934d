package dialogstore

import (
	"errors"
	"sync"
)

// ErrCapacityExceeded is returned by Store.Add once MAX_SESSIONS (spec §6)
// concurrent dialogs are already tracked.
var ErrCapacityExceeded = errors.New("dialogstore: at capacity")

// Store is the concurrent dialog registry of spec §4.D, keyed by Call-ID.
// Grounded on the teacher's dialog manager pattern (a mutex-guarded map
// plus a periodic sweep), adapted to enforce the single capacity cap the
// gateway's whole job is bounded by.
type Store struct {
	mu       sync.RWMutex
	byCallID map[string]*Dialog
	maxSize  int
}

func NewStore(maxSize int) *Store {
	return &Store{byCallID: make(map[string]*Dialog), maxSize: maxSize}
}

// Add registers d, failing with ErrCapacityExceeded if the store is full.
// A 0 or negative maxSize means unbounded.
func (s *Store) Add(d *Dialog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.maxSize > 0 && len(s.byCallID) >= s.maxSize {
		if _, exists := s.byCallID[d.CallID]; !exists {
			return ErrCapacityExceeded
		}
	}
	s.byCallID[d.CallID] = d
	return nil
}

func (s *Store) Get(callID string) (*Dialog, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.byCallID[callID]
	return d, ok
}

func (s *Store) Remove(callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byCallID, callID)
}

func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byCallID)
}

func (s *Store) All() []*Dialog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Dialog, 0, len(s.byCallID))
	for _, d := range s.byCallID {
		out = append(out, d)
	}
	return out
}

// Cleanup removes every terminated dialog and reports how many were
// removed. Safe to call repeatedly: a pass with nothing newly terminated
// removes nothing.
func (s *Store) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, d := range s.byCallID {
		if d.IsTerminated() {
			delete(s.byCallID, id)
			removed++
		}
	}
	return removed
}
