package saml

import (
	"sync"
	"time"
)

// ReplayCache remembers consumed assertion IDs so a captured response
// cannot be submitted twice. Per SAML 2.0 Profiles 4.1.4.5 the cache only
// needs to cover the assertion validity window plus skew; entries are
// dropped after ttl.
type ReplayCache struct {
	mu       sync.Mutex
	consumed map[string]time.Time
	ttl      time.Duration
	done     chan struct{}
}

// NewReplayCache creates a cache whose entries live for ttl. A background
// goroutine sweeps expired entries until Close is called.
func NewReplayCache(ttl time.Duration) *ReplayCache {
	c := &ReplayCache{
		consumed: make(map[string]time.Time),
		ttl:      ttl,
		done:     make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Consume records assertionID as used. The check and the insert happen
// under one lock, so of two concurrent submissions of the same assertion
// exactly one succeeds.
func (c *ReplayCache) Consume(assertionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, seen := c.consumed[assertionID]; seen {
		return validationErrorf(ReasonReplayDetected, "assertion %s was already consumed", assertionID)
	}
	c.consumed[assertionID] = time.Now()
	return nil
}

// Close stops the sweeper goroutine.
func (c *ReplayCache) Close() {
	close(c.done)
}

func (c *ReplayCache) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-c.ttl)
			c.mu.Lock()
			for id, at := range c.consumed {
				if at.Before(cutoff) {
					delete(c.consumed, id)
				}
			}
			c.mu.Unlock()
		}
	}
}
