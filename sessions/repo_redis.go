package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	autherrors "github.com/jrsteele09/go-session-gateway/internal/errors"
	"github.com/redis/go-redis/v9"
)

var _ Registry = (*RedisRegistry)(nil)

// getter is satisfied by both the client and a watched transaction
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

const (
	defaultKeyPrefix = "session:"
	maxTxAttempts    = 5
)

// RedisRegistry shares sessions between gateway instances. Each record is a JSON
// value whose key expires with the session; a set per user indexes their sessions.
type RedisRegistry struct {
	client  redis.UniversalClient
	prefix  string
	nowFunc func() time.Time
}

type RedisOption func(*RedisRegistry)

func WithKeyPrefix(prefix string) RedisOption {
	return func(r *RedisRegistry) {
		r.prefix = prefix
	}
}

func WithRedisNowFunc(now func() time.Time) RedisOption {
	return func(r *RedisRegistry) {
		r.nowFunc = now
	}
}

func NewRedisRegistry(client redis.UniversalClient, options ...RedisOption) *RedisRegistry {
	r := &RedisRegistry{
		client:  client,
		prefix:  defaultKeyPrefix,
		nowFunc: time.Now,
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

func (r *RedisRegistry) sessionKey(sessionID string) string {
	return r.prefix + "id:" + sessionID
}

func (r *RedisRegistry) userKey(userID string) string {
	return r.prefix + "user:" + userID
}

func (r *RedisRegistry) Create(ctx context.Context, rec *Record) error {
	if err := rec.validate(); err != nil {
		return err
	}

	stored := rec.Clone()
	now := r.nowFunc()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now

	ttl := stored.ExpiresAt.Sub(now)
	if ttl <= 0 {
		return fmt.Errorf("[RedisRegistry Create] session %s: %w", rec.ID, autherrors.ErrSessionExpired)
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("[RedisRegistry Create] marshal: %w", err)
	}

	created, err := r.client.SetNX(ctx, r.sessionKey(stored.ID), data, ttl).Result()
	if err != nil {
		return fmt.Errorf("[RedisRegistry Create] set %s: %w", stored.ID, err)
	}
	if !created {
		return fmt.Errorf("[RedisRegistry Create] session %s: %w", stored.ID, autherrors.ErrConflict)
	}
	if err := r.client.SAdd(ctx, r.userKey(stored.UserID), stored.ID).Err(); err != nil {
		return fmt.Errorf("[RedisRegistry Create] index %s: %w", stored.ID, err)
	}
	return nil
}

func (r *RedisRegistry) Get(ctx context.Context, sessionID string) (*Record, error) {
	rec, err := r.read(ctx, r.client, sessionID)
	if err != nil || rec == nil {
		return nil, err
	}
	if rec.Expired(r.nowFunc()) {
		return nil, nil
	}
	return rec, nil
}

// Update runs an optimistic WATCH/MULTI transaction, retrying when another
// instance wrote the same session in between.
func (r *RedisRegistry) Update(ctx context.Context, sessionID string, patch Patch) (*Record, error) {
	key := r.sessionKey(sessionID)
	var updated *Record

	txf := func(tx *redis.Tx) error {
		rec, err := r.read(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		now := r.nowFunc()
		if rec == nil || rec.Expired(now) {
			return autherrors.ErrSessionNotFound
		}
		oldUserID := rec.UserID
		if err := patch.apply(rec, now); err != nil {
			return err
		}

		ttl := rec.ExpiresAt.Sub(now)
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if ttl <= 0 {
				pipe.Del(ctx, key)
				pipe.SRem(ctx, r.userKey(oldUserID), sessionID)
				return nil
			}
			pipe.Set(ctx, key, data, ttl)
			if oldUserID != rec.UserID {
				pipe.SRem(ctx, r.userKey(oldUserID), sessionID)
				pipe.SAdd(ctx, r.userKey(rec.UserID), sessionID)
			}
			return nil
		})
		if err != nil {
			return err
		}
		updated = rec
		return nil
	}

	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := r.client.Watch(ctx, txf, key)
		switch {
		case err == nil:
			return updated, nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		default:
			return nil, fmt.Errorf("[RedisRegistry Update] session %s: %w", sessionID, err)
		}
	}
	return nil, fmt.Errorf("[RedisRegistry Update] session %s: %w", sessionID, autherrors.ErrConflict)
}

func (r *RedisRegistry) Delete(ctx context.Context, sessionID string) error {
	rec, err := r.read(ctx, r.client, sessionID)
	if err != nil {
		return err
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.sessionKey(sessionID))
		if rec != nil {
			pipe.SRem(ctx, r.userKey(rec.UserID), sessionID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("[RedisRegistry Delete] session %s: %w", sessionID, err)
	}
	return nil
}

func (r *RedisRegistry) DeleteAllForUser(ctx context.Context, userID, exceptID string) (int, error) {
	userKey := r.userKey(userID)
	sessionIDs, err := r.client.SMembers(ctx, userKey).Result()
	if err != nil {
		return 0, fmt.Errorf("[RedisRegistry DeleteAllForUser] members %s: %w", userID, err)
	}

	var dels []*redis.IntCmd
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, sessionID := range sessionIDs {
			if sessionID == exceptID {
				continue
			}
			dels = append(dels, pipe.Del(ctx, r.sessionKey(sessionID)))
			pipe.SRem(ctx, userKey, sessionID)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("[RedisRegistry DeleteAllForUser] user %s: %w", userID, err)
	}

	// Index members whose key already expired are pruned but not counted
	deleted := 0
	for _, cmd := range dels {
		deleted += int(cmd.Val())
	}
	return deleted, nil
}

func (r *RedisRegistry) read(ctx context.Context, c getter, sessionID string) (*Record, error) {
	data, err := c.Get(ctx, r.sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("[RedisRegistry] get %s: %w", sessionID, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("[RedisRegistry] decode %s: %w", sessionID, err)
	}
	return &rec, nil
}
