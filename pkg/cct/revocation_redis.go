package cct

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisRevocationStore keeps the revocation set in Redis so multiple issuer
// instances share one authoritative CRL. Entries are stored in a hash keyed
// by JTI; HSETNX keeps insertion idempotent across instances.
type RedisRevocationStore struct {
	client *redis.Client
	key    string
}

// NewRedisRevocationStore connects to Redis at addr. key namespaces the
// revocation hash (e.g. per issuer).
func NewRedisRevocationStore(addr, password string, db int, key string) *RedisRevocationStore {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if key == "" {
		key = "cct:crl"
	}
	return &RedisRevocationStore{client: client, key: key}
}

// NewRedisRevocationStoreFromClient wraps an existing client, mainly for
// tests.
func NewRedisRevocationStoreFromClient(client *redis.Client, key string) *RedisRevocationStore {
	if key == "" {
		key = "cct:crl"
	}
	return &RedisRevocationStore{client: client, key: key}
}

func (s *RedisRevocationStore) Add(ctx context.Context, entry RevocationEntry) (bool, error) {
	raw, err := json.Marshal(entry)
	if err != nil {
		return false, fmt.Errorf("marshal revocation entry: %w", err)
	}
	added, err := s.client.HSetNX(ctx, s.key, entry.JTI, raw).Result()
	if err != nil {
		return false, fmt.Errorf("redis revocation add: %w", err)
	}
	return added, nil
}

func (s *RedisRevocationStore) Contains(ctx context.Context, jti string) (bool, error) {
	ok, err := s.client.HExists(ctx, s.key, jti).Result()
	if err != nil {
		return false, fmt.Errorf("redis revocation check: %w", err)
	}
	return ok, nil
}

func (s *RedisRevocationStore) List(ctx context.Context) ([]RevocationEntry, error) {
	raw, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis revocation list: %w", err)
	}
	entries := make([]RevocationEntry, 0, len(raw))
	for _, v := range raw {
		var entry RevocationEntry
		if err := json.Unmarshal([]byte(v), &entry); err != nil {
			return nil, fmt.Errorf("decode revocation entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

var _ RevocationStore = (*RedisRevocationStore)(nil)
