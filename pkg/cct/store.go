package cct

import (
	"context"
	"sync"
	"time"
)

// Token lifecycle states. Revoked is terminal; expiry is a property of the
// clock, not a stored state.
const (
	StatusActive  = "active"
	StatusRevoked = "revoked"
)

// TokenRecord is the issuer-side metadata kept for each issued token.
type TokenRecord struct {
	JTI          string    `json:"jti"`
	Claims       Claims    `json:"claims"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	Status       string    `json:"status"`
	RevokeReason string    `json:"revoke_reason,omitempty"`
	RevokedAt    time.Time `json:"revoked_at,omitempty"`
}

// RevocationEntry marks one revoked token. Insertion is idempotent.
type RevocationEntry struct {
	JTI       string    `json:"token_id"`
	Reason    string    `json:"reason"`
	RevokedAt time.Time `json:"revoked_at"`
}

// TokenStore persists issuer-side token metadata.
type TokenStore interface {
	Save(ctx context.Context, rec TokenRecord) error
	// Get returns ErrTokenNotFound for unknown JTIs.
	Get(ctx context.Context, jti string) (TokenRecord, error)
	Delete(ctx context.Context, jti string) error
	List(ctx context.Context) ([]TokenRecord, error)
}

// RevocationStore is the revocation set backing the CRL. Implementations
// must keep insertion idempotent.
type RevocationStore interface {
	// Add inserts an entry; returns false if the JTI was already revoked.
	Add(ctx context.Context, entry RevocationEntry) (bool, error)
	Contains(ctx context.Context, jti string) (bool, error)
	List(ctx context.Context) ([]RevocationEntry, error)
}

// MemoryTokenStore is the in-memory TokenStore.
type MemoryTokenStore struct {
	mu      sync.RWMutex
	records map[string]TokenRecord
}

func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{records: make(map[string]TokenRecord)}
}

func (s *MemoryTokenStore) Save(ctx context.Context, rec TokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.JTI] = rec
	return nil
}

func (s *MemoryTokenStore) Get(ctx context.Context, jti string) (TokenRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[jti]
	if !ok {
		return TokenRecord{}, ErrTokenNotFound
	}
	return rec, nil
}

func (s *MemoryTokenStore) Delete(ctx context.Context, jti string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, jti)
	return nil
}

func (s *MemoryTokenStore) List(ctx context.Context) ([]TokenRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]TokenRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	return out, nil
}

// MemoryRevocationStore is the in-memory RevocationStore.
type MemoryRevocationStore struct {
	mu      sync.RWMutex
	entries map[string]RevocationEntry
	order   []string
}

func NewMemoryRevocationStore() *MemoryRevocationStore {
	return &MemoryRevocationStore{entries: make(map[string]RevocationEntry)}
}

func (s *MemoryRevocationStore) Add(ctx context.Context, entry RevocationEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[entry.JTI]; exists {
		return false, nil
	}
	s.entries[entry.JTI] = entry
	s.order = append(s.order, entry.JTI)
	return true, nil
}

func (s *MemoryRevocationStore) Contains(ctx context.Context, jti string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[jti]
	return ok, nil
}

func (s *MemoryRevocationStore) List(ctx context.Context) ([]RevocationEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RevocationEntry, 0, len(s.order))
	for _, jti := range s.order {
		out = append(out, s.entries[jti])
	}
	return out, nil
}
