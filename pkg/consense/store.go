package consense

import (
	"context"
	"sync"
	"time"
)

// OfferStore persists pending offers between submission and finalization.
type OfferStore interface {
	Put(ctx context.Context, pending PendingOffer) error
	// Get returns ErrOfferNotFound for unknown IDs.
	Get(ctx context.Context, id string) (PendingOffer, error)
	Delete(ctx context.Context, id string) error
	// Expire removes offers created before cutoff and returns how many
	// were removed.
	Expire(ctx context.Context, cutoff time.Time) (int, error)
}

// PolicyStore persists approved policies. Approved policies are immutable
// and retained indefinitely.
type PolicyStore interface {
	Put(ctx context.Context, policy ApprovedPolicy) error
	// Get returns ErrPolicyNotFound for unknown IDs.
	Get(ctx context.Context, id string) (ApprovedPolicy, error)
}

// MemoryOfferStore is the in-memory OfferStore.
type MemoryOfferStore struct {
	mu     sync.RWMutex
	offers map[string]PendingOffer
}

func NewMemoryOfferStore() *MemoryOfferStore {
	return &MemoryOfferStore{offers: make(map[string]PendingOffer)}
}

func (s *MemoryOfferStore) Put(ctx context.Context, pending PendingOffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offers[pending.ID] = pending
	return nil
}

func (s *MemoryOfferStore) Get(ctx context.Context, id string) (PendingOffer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pending, ok := s.offers[id]
	if !ok {
		return PendingOffer{}, ErrOfferNotFound
	}
	return pending, nil
}

func (s *MemoryOfferStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.offers, id)
	return nil
}

func (s *MemoryOfferStore) Expire(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, pending := range s.offers {
		if pending.CreatedAt.Before(cutoff) {
			delete(s.offers, id)
			removed++
		}
	}
	return removed, nil
}

// MemoryPolicyStore is the in-memory PolicyStore.
type MemoryPolicyStore struct {
	mu       sync.RWMutex
	policies map[string]ApprovedPolicy
}

func NewMemoryPolicyStore() *MemoryPolicyStore {
	return &MemoryPolicyStore{policies: make(map[string]ApprovedPolicy)}
}

func (s *MemoryPolicyStore) Put(ctx context.Context, policy ApprovedPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[policy.ID] = policy
	return nil
}

func (s *MemoryPolicyStore) Get(ctx context.Context, id string) (ApprovedPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	policy, ok := s.policies[id]
	if !ok {
		return ApprovedPolicy{}, ErrPolicyNotFound
	}
	return policy, nil
}
