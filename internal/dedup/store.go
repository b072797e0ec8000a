// Package dedup provides the fingerprint store that suppresses
// duplicate processing of the same failure event. Registration is the
// sole serialization point between the webhook and mailbox trigger
// sources, so it must be an atomic check-and-set.
package dedup

import (
	"sync"
	"time"

	"github.com/pipewatch/pkg/models"
)

type entry struct {
	requestID string
	expiresAt time.Time
}

// Store tracks which fingerprints have been seen within their TTL
// window. Expired entries are evicted lazily on lookup; there is no
// background sweeper.
type Store struct {
	mu      sync.Mutex
	entries map[models.Fingerprint]entry
	now     func() time.Time
}

// NewStore creates an empty fingerprint store.
func NewStore() *Store {
	return &Store{
		entries: make(map[models.Fingerprint]entry),
		now:     time.Now,
	}
}

// Register records a fingerprint with the given TTL. It returns
// (“”, true) when the fingerprint is new, or the id of the existing
// in-flight request and false when it is a duplicate within the TTL
// window. The check and the set happen under one lock.
func (s *Store) Register(fp models.Fingerprint, requestID string, ttl time.Duration) (existingID string, isNew bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if e, ok := s.entries[fp]; ok {
		if now.Before(e.expiresAt) {
			return e.requestID, false
		}
		// Lazy eviction of an expired entry.
		delete(s.entries, fp)
	}

	s.entries[fp] = entry{requestID: requestID, expiresAt: now.Add(ttl)}
	return "", true
}

// Extend re-arms a fingerprint's expiry without changing ownership.
// Used when a request reaches a terminal state: the fingerprint keeps
// suppressing duplicates for one more full TTL (the grace period)
// instead of being released immediately.
func (s *Store) Extend(fp models.Fingerprint, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[fp]; ok {
		e.expiresAt = s.now().Add(ttl)
		s.entries[fp] = e
	}
}

// Release drops a fingerprint immediately. Only the watchdog uses
// this, so a stuck request does not block a legitimate redelivery.
func (s *Store) Release(fp models.Fingerprint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, fp)
}

// Lookup returns the request id currently holding the fingerprint, if
// any. Expired entries are evicted here too.
func (s *Store) Lookup(fp models.Fingerprint) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[fp]
	if !ok {
		return "", false
	}
	if !s.now().Before(e.expiresAt) {
		delete(s.entries, fp)
		return "", false
	}
	return e.requestID, true
}
