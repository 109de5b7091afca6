package blacklist

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var _ Checker = (*RedisChecker)(nil)

// DefaultRedisKeyPrefix is where revoked jtis are written, one key per jti
const DefaultRedisKeyPrefix = "blacklist:jti:"

// RedisChecker reads revocations from a Redis keyspace shared with the Identity API.
// Each revoked jti is a key that expires with the token.
type RedisChecker struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisChecker(client redis.UniversalClient, prefix string) *RedisChecker {
	if prefix == "" {
		prefix = DefaultRedisKeyPrefix
	}
	return &RedisChecker{client: client, prefix: prefix}
}

func (r *RedisChecker) IsBlacklisted(ctx context.Context, jti string) (bool, error) {
	n, err := r.client.Exists(ctx, r.prefix+jti).Result()
	if err != nil {
		return false, fmt.Errorf("[RedisChecker IsBlacklisted] exists %s: %w", jti, err)
	}
	return n > 0, nil
}

// Revoke writes a revocation that lives until exp
func (r *RedisChecker) Revoke(ctx context.Context, jti string, exp time.Time) error {
	ttl := time.Until(exp)
	if ttl <= 0 {
		return nil
	}
	if err := r.client.Set(ctx, r.prefix+jti, 1, ttl).Err(); err != nil {
		return fmt.Errorf("[RedisChecker Revoke] set %s: %w", jti, err)
	}
	return nil
}
