package auth

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	sserr "github.com/StricklySoft/stricklysoft-rolesync/pkg/errors"
)

// DefaultKeySetKeyPrefix namespaces key set documents in Redis.
const DefaultKeySetKeyPrefix = "rolesync:jwks:"

// RedisCmdable is the subset of the go-redis command API used by
// [RedisKeySetStore]. [*redis.Client] and [*redis.ClusterClient] satisfy it.
type RedisCmdable interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

var (
	_ RedisCmdable = (*redis.Client)(nil)
	_ RedisCmdable = (*redis.ClusterClient)(nil)
)

// RedisKeySetStore keeps raw key set documents in Redis so replicas share
// one fetch per TTL.
type RedisKeySetStore struct {
	rdb    RedisCmdable
	ttl    time.Duration
	prefix string
}

var _ KeySetStore = (*RedisKeySetStore)(nil)

// NewRedisKeySetStore returns a store whose entries expire after ttl.
// An empty prefix selects [DefaultKeySetKeyPrefix].
func NewRedisKeySetStore(rdb RedisCmdable, ttl time.Duration, prefix string) *RedisKeySetStore {
	if prefix == "" {
		prefix = DefaultKeySetKeyPrefix
	}
	if ttl <= 0 {
		ttl = DefaultKeySetTTL
	}
	return &RedisKeySetStore{rdb: rdb, ttl: ttl, prefix: prefix}
}

type storedKeySet struct {
	FetchedAt time.Time       `json:"fetched_at"`
	Document  json.RawMessage `json:"document"`
}

// LoadKeySet implements [KeySetStore].
func (s *RedisKeySetStore) LoadKeySet(ctx context.Context, issuer string) ([]byte, time.Time, error) {
	raw, err := s.rdb.Get(ctx, s.prefix+issuer).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, time.Time{}, ErrKeySetNotStored
		}
		return nil, time.Time{}, sserr.Wrap(err, sserr.CodeUpstream, "redis: key set read failed")
	}
	var stored storedKeySet
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, time.Time{}, sserr.Wrap(err, sserr.CodeInternal, "redis: stored key set is corrupt")
	}
	return stored.Document, stored.FetchedAt, nil
}

// SaveKeySet implements [KeySetStore].
func (s *RedisKeySetStore) SaveKeySet(ctx context.Context, issuer string, doc []byte, fetchedAt time.Time) error {
	raw, err := json.Marshal(storedKeySet{FetchedAt: fetchedAt.UTC(), Document: doc})
	if err != nil {
		return sserr.Wrap(err, sserr.CodeInternal, "redis: failed to encode key set")
	}
	if err := s.rdb.Set(ctx, s.prefix+issuer, raw, s.ttl).Err(); err != nil {
		return sserr.Wrap(err, sserr.CodeUpstream, "redis: key set write failed")
	}
	return nil
}
