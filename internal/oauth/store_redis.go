package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	rdb "github.com/redis/go-redis/v9"
)

const defaultRedisKeyPrefix = "oauth2demo:pending:"

// RedisStore keeps pending authorizations in redis so several API instances
// can share in-flight logins. Keys expire on their own.
type RedisStore struct {
	client rdb.Cmdable
	prefix string
	now    func() time.Time
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client rdb.Cmdable, prefix string) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("oauth: redis client is required")
	}
	if prefix == "" {
		prefix = defaultRedisKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now}, nil
}

// Save stores pending with a TTL taken from its own CreatedAt and ExpiresAt,
// so the key lifetime follows the clock that stamped the record.
func (s *RedisStore) Save(ctx context.Context, pending PendingAuthorization) error {
	issuedAt := pending.CreatedAt
	if issuedAt.IsZero() {
		issuedAt = s.now()
	}
	ttl := pending.ExpiresAt.Sub(issuedAt)
	if ttl <= 0 {
		return fmt.Errorf("oauth: pending authorization already expired")
	}
	payload, err := json.Marshal(pending)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.prefix+pending.State, payload, ttl).Err()
}

// Consume relies on GETDEL, which reads and removes the key atomically.
func (s *RedisStore) Consume(ctx context.Context, state string) (PendingAuthorization, error) {
	payload, err := s.client.GetDel(ctx, s.prefix+state).Bytes()
	if errors.Is(err, rdb.Nil) {
		return PendingAuthorization{}, ErrStateNotFound
	}
	if err != nil {
		return PendingAuthorization{}, err
	}
	var pending PendingAuthorization
	if err := json.Unmarshal(payload, &pending); err != nil {
		return PendingAuthorization{}, fmt.Errorf("oauth: decode pending authorization: %w", err)
	}
	return pending, nil
}

// DeleteExpired is a no-op; redis evicts keys at their TTL.
func (s *RedisStore) DeleteExpired(context.Context, time.Time) (int64, error) {
	return 0, nil
}
