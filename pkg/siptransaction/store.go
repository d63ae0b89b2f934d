package siptransaction

import (
	"sync"
	"time"

	"github.com/arzzra/sipwebrtc_gateway/pkg/sipmsg"
)

// Transaction is the narrow surface the store needs to track lifecycle;
// the concrete client/server invite/non-invite types all satisfy it via
// the embedded base.
type Transaction interface {
	Key() Key
	State() State
	IsTerminated() bool
}

// ClientTransaction is satisfied by both InviteClientTransaction and
// NonInviteClientTransaction, whose HandleResponse methods share this
// signature, letting response routing dispatch without a type switch.
type ClientTransaction interface {
	Transaction
	HandleResponse(resp *sipmsg.Response, timers Timers)
}

// ServerTransaction is satisfied by both InviteServerTransaction and
// NonInviteServerTransaction for the shared "absorb a retransmitted
// request" behavior; SendResponse/HandleACK still need a type switch
// since their INVITE/non-INVITE signatures diverge (HandleACK has no
// non-INVITE equivalent).
type ServerTransaction interface {
	Transaction
	HandleRequest(req *sipmsg.Request)
}

// Store is a thread-safe registry of in-flight transactions keyed by
// branch/method/side, grounded on the teacher's transaction.Store
// (pkg/sip/transaction/store.go). A background sweep evicts terminated
// entries periodically so a long-lived gateway doesn't accumulate garbage
// from calls that have already ended; Cleanup is also exposed directly so
// callers (tests, graceful shutdown) can force it and can call it
// repeatedly with no effect beyond the first pass.
type Store struct {
	mu    sync.RWMutex
	byKey map[string]Transaction

	stopOnce sync.Once
	stop     chan struct{}
}

func NewStore() *Store {
	s := &Store{
		byKey: make(map[string]Transaction),
		stop:  make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

func (s *Store) Add(tx Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byKey[tx.Key().String()] = tx
}

func (s *Store) Get(key Key) (Transaction, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.byKey[key.String()]
	return tx, ok
}

func (s *Store) Remove(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byKey, key.String())
}

func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byKey)
}

// Cleanup removes every terminated transaction and reports how many were
// removed. Idempotent: a second call with nothing newly terminated removes
// nothing and returns 0.
func (s *Store) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, tx := range s.byKey {
		if tx.IsTerminated() {
			delete(s.byKey, k)
			removed++
		}
	}
	return removed
}

func (s *Store) sweepLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Cleanup()
		case <-s.stop:
			return
		}
	}
}

// Close stops the background sweep. Safe to call more than once.
func (s *Store) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}
