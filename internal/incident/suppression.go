package incident

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// SuppressionStore tracks which (pattern, entity) pairs currently hold an
// open incident. While a claim is live, new triggers for the pair update
// the claimed incident instead of opening another one.
type SuppressionStore interface {
	// ActiveIncident returns the incident ID holding the claim for key,
	// if one is live.
	ActiveIncident(ctx context.Context, key string) (string, bool, error)

	// Claim records incidentID as the active incident for key until ttl
	// elapses.
	Claim(ctx context.Context, key, incidentID string, ttl time.Duration) error

	// Extend pushes an existing claim's expiry forward by ttl from now.
	Extend(ctx context.Context, key string, ttl time.Duration) error

	// Release drops the claim for key.
	Release(ctx context.Context, key string) error
}

// suppressionKey builds the claim key for a (pattern, entity) pair.
func suppressionKey(patternID, entityKey string) string {
	return patternID + "\x00" + entityKey
}

type memoryEntry struct {
	incidentID string
	expiresAt  time.Time
}

// MemorySuppressionStore is the single-instance suppression store. Claims
// live in a bounded LRU; expiry is checked lazily on read, so no janitor
// goroutine is needed.
type MemorySuppressionStore struct {
	cache *lru.Cache[string, memoryEntry]
}

// NewMemorySuppressionStore creates a store bounded to maxEntries claims.
func NewMemorySuppressionStore(maxEntries int) (*MemorySuppressionStore, error) {
	if maxEntries <= 0 {
		maxEntries = 100000
	}
	cache, err := lru.New[string, memoryEntry](maxEntries)
	if err != nil {
		return nil, err
	}
	return &MemorySuppressionStore{cache: cache}, nil
}

// ActiveIncident returns the live claim for key, dropping it if expired.
func (s *MemorySuppressionStore) ActiveIncident(_ context.Context, key string) (string, bool, error) {
	entry, ok := s.cache.Get(key)
	if !ok {
		return "", false, nil
	}
	if time.Now().After(entry.expiresAt) {
		s.cache.Remove(key)
		return "", false, nil
	}
	return entry.incidentID, true, nil
}

// Claim records the active incident for key.
func (s *MemorySuppressionStore) Claim(_ context.Context, key, incidentID string, ttl time.Duration) error {
	s.cache.Add(key, memoryEntry{incidentID: incidentID, expiresAt: time.Now().Add(ttl)})
	return nil
}

// Extend pushes the claim's expiry forward, keeping the incident ID.
func (s *MemorySuppressionStore) Extend(_ context.Context, key string, ttl time.Duration) error {
	entry, ok := s.cache.Get(key)
	if !ok {
		return nil
	}
	entry.expiresAt = time.Now().Add(ttl)
	s.cache.Add(key, entry)
	return nil
}

// Release drops the claim for key.
func (s *MemorySuppressionStore) Release(_ context.Context, key string) error {
	s.cache.Remove(key)
	return nil
}

// Len returns the number of live entries, counting not-yet-swept expired
// claims. Used by stats reporting.
func (s *MemorySuppressionStore) Len() int {
	return s.cache.Len()
}
