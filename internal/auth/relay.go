package auth

import (
	"sync"
	"time"
)

// RelayStore holds per-login state between the outbound request and the
// IdP's callback, keyed by the AuthnRequest ID that also travels as
// RelayState. Entries are single use: Take removes under the same lock
// that finds, so a raced duplicate callback gets nothing.
type RelayStore struct {
	mu      sync.Mutex
	pending map[string]relayEntry
	ttl     time.Duration
	done    chan struct{}
}

type relayEntry struct {
	returnTo  string
	createdAt time.Time
}

// NewRelayStore creates a store whose entries expire after ttl, the
// longest a user gets to finish signing in at the IdP.
func NewRelayStore(ttl time.Duration) *RelayStore {
	s := &RelayStore{
		pending: make(map[string]relayEntry),
		ttl:     ttl,
		done:    make(chan struct{}),
	}
	go s.sweep()
	return s
}

// Put records the returnTo destination for a freshly issued request ID.
func (s *RelayStore) Put(requestID, returnTo string) {
	s.mu.Lock()
	s.pending[requestID] = relayEntry{returnTo: returnTo, createdAt: time.Now()}
	s.mu.Unlock()
}

// Take consumes the entry for requestID. It returns false for unknown,
// already-consumed, or expired IDs; callers cannot tell which, and neither
// can an attacker.
func (s *RelayStore) Take(requestID string) (returnTo string, ok bool) {
	if requestID == "" {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.pending[requestID]
	if !exists {
		return "", false
	}
	delete(s.pending, requestID)

	if time.Since(entry.createdAt) > s.ttl {
		return "", false
	}
	return entry.returnTo, true
}

// Len reports the number of pending logins.
func (s *RelayStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Close stops the background sweeper.
func (s *RelayStore) Close() {
	close(s.done)
}

func (s *RelayStore) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-s.ttl)
			s.mu.Lock()
			for id, entry := range s.pending {
				if entry.createdAt.Before(cutoff) {
					delete(s.pending, id)
				}
			}
			s.mu.Unlock()
		}
	}
}
