package sessions_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	autherrors "github.com/jrsteele09/go-session-gateway/internal/errors"
	"github.com/jrsteele09/go-session-gateway/internal/utils"
	"github.com/jrsteele09/go-session-gateway/sessions"
	"github.com/jrsteele09/go-session-gateway/users"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type registryFixture struct {
	registry sessions.Registry
	clock    *clock
	// advance moves both the registry clock and any backing store clock
	advance func(d time.Duration)
}

func registries(t *testing.T) map[string]func(t *testing.T) *registryFixture {
	t.Helper()
	return map[string]func(t *testing.T) *registryFixture{
		"memory": func(t *testing.T) *registryFixture {
			c := &clock{now: time.Now()}
			return &registryFixture{
				registry: sessions.NewMemoryRegistry(sessions.WithNowFunc(c.Now)),
				clock:    c,
				advance:  c.Advance,
			}
		},
		"redis": func(t *testing.T) *registryFixture {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })
			c := &clock{now: time.Now()}
			return &registryFixture{
				registry: sessions.NewRedisRegistry(client, sessions.WithRedisNowFunc(c.Now)),
				clock:    c,
				advance: func(d time.Duration) {
					c.Advance(d)
					mr.FastForward(d)
				},
			}
		},
	}
}

func newRecord(f *registryFixture, id, userID string) *sessions.Record {
	return &sessions.Record{
		ID:           id,
		UserID:       userID,
		User:         &users.User{ID: userID, Email: userID + "@example.com"},
		AccessToken:  "access-" + id,
		RefreshToken: "refresh-" + id,
		ExpiresAt:    f.clock.Now().Add(7 * 24 * time.Hour),
	}
}

func TestRegistry_CreateGet(t *testing.T) {
	for name, setup := range registries(t) {
		t.Run(name, func(t *testing.T) {
			f := setup(t)
			ctx := context.Background()

			rec := newRecord(f, "s1", "u1")
			require.NoError(t, f.registry.Create(ctx, rec))

			got, err := f.registry.Get(ctx, "s1")
			require.NoError(t, err)
			require.NotNil(t, got)
			require.Equal(t, "u1", got.UserID)
			require.Equal(t, "u1@example.com", got.User.Email)
			require.Equal(t, "refresh-s1", got.RefreshToken)
			require.False(t, got.CreatedAt.IsZero())

			t.Run("unknown id is absent, not an error", func(t *testing.T) {
				got, err := f.registry.Get(ctx, "missing")
				require.NoError(t, err)
				require.Nil(t, got)
			})

			t.Run("duplicate id", func(t *testing.T) {
				err := f.registry.Create(ctx, newRecord(f, "s1", "u1"))
				require.ErrorIs(t, err, autherrors.ErrConflict)
			})

			t.Run("returned records are copies", func(t *testing.T) {
				got.User.Email = "mutated@example.com"
				again, err := f.registry.Get(ctx, "s1")
				require.NoError(t, err)
				require.Equal(t, "u1@example.com", again.User.Email)
			})

			t.Run("invalid record", func(t *testing.T) {
				err := f.registry.Create(ctx, &sessions.Record{ID: "x"})
				require.ErrorIs(t, err, autherrors.ErrInvalidRequest)
			})
		})
	}
}

func TestRegistry_Update(t *testing.T) {
	for name, setup := range registries(t) {
		t.Run(name, func(t *testing.T) {
			f := setup(t)
			ctx := context.Background()
			require.NoError(t, f.registry.Create(ctx, newRecord(f, "s1", "u1")))

			newExpiry := f.clock.Now().Add(8 * 24 * time.Hour)
			updated, err := f.registry.Update(ctx, "s1", sessions.Patch{
				AccessToken:  utils.Ptr("access-2"),
				RefreshToken: utils.Ptr("refresh-2"),
				ExpiresAt:    &newExpiry,
			})
			require.NoError(t, err)
			require.Equal(t, "access-2", updated.AccessToken)
			require.Equal(t, "refresh-2", updated.RefreshToken)
			require.Equal(t, "u1@example.com", updated.User.Email, "unspecified fields preserved")

			got, err := f.registry.Get(ctx, "s1")
			require.NoError(t, err)
			require.Equal(t, "access-2", got.AccessToken)
			require.True(t, got.ExpiresAt.Equal(newExpiry))

			t.Run("precondition on refresh token", func(t *testing.T) {
				_, err := f.registry.Update(ctx, "s1", sessions.Patch{
					AccessToken:    utils.Ptr("access-3"),
					IfRefreshToken: utils.Ptr("refresh-s1"),
				})
				require.ErrorIs(t, err, autherrors.ErrConflict)

				got, err := f.registry.Get(ctx, "s1")
				require.NoError(t, err)
				require.Equal(t, "access-2", got.AccessToken)

				_, err = f.registry.Update(ctx, "s1", sessions.Patch{
					AccessToken:    utils.Ptr("access-3"),
					IfRefreshToken: utils.Ptr("refresh-2"),
				})
				require.NoError(t, err)
			})

			t.Run("unknown session", func(t *testing.T) {
				_, err := f.registry.Update(ctx, "missing", sessions.Patch{AccessToken: utils.Ptr("x")})
				require.ErrorIs(t, err, autherrors.ErrSessionNotFound)
			})

			t.Run("user snapshot without an id keeps the owner", func(t *testing.T) {
				require.NoError(t, f.registry.Create(ctx, newRecord(f, "s9", "u9")))
				updated, err := f.registry.Update(ctx, "s9", sessions.Patch{User: &users.User{Email: "renamed@example.com"}})
				require.NoError(t, err)
				require.Equal(t, "u9", updated.UserID)
				require.Equal(t, "u9", updated.User.ID)
				require.Equal(t, "renamed@example.com", updated.User.Email)

				n, err := f.registry.DeleteAllForUser(ctx, "u9", "")
				require.NoError(t, err)
				require.Equal(t, 1, n)
			})
		})
	}
}

func TestRegistry_ConcurrentRotationsOnlyOneWins(t *testing.T) {
	for name, setup := range registries(t) {
		t.Run(name, func(t *testing.T) {
			f := setup(t)
			ctx := context.Background()
			require.NoError(t, f.registry.Create(ctx, newRecord(f, "s1", "u1")))

			const workers = 8
			errs := make([]error, workers)
			var wg sync.WaitGroup
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, errs[i] = f.registry.Update(ctx, "s1", sessions.Patch{
						RefreshToken:   utils.Ptr("rotated"),
						IfRefreshToken: utils.Ptr("refresh-s1"),
					})
				}(i)
			}
			wg.Wait()

			wins := 0
			for _, err := range errs {
				if err == nil {
					wins++
					continue
				}
				require.ErrorIs(t, err, autherrors.ErrConflict)
			}
			require.Equal(t, 1, wins)
		})
	}
}

func TestRegistry_Delete(t *testing.T) {
	for name, setup := range registries(t) {
		t.Run(name, func(t *testing.T) {
			f := setup(t)
			ctx := context.Background()
			require.NoError(t, f.registry.Create(ctx, newRecord(f, "s1", "u1")))

			require.NoError(t, f.registry.Delete(ctx, "s1"))
			require.NoError(t, f.registry.Delete(ctx, "s1"))
			require.NoError(t, f.registry.Delete(ctx, "never-existed"))

			got, err := f.registry.Get(ctx, "s1")
			require.NoError(t, err)
			require.Nil(t, got)
		})
	}
}

func TestRegistry_DeleteAllForUser(t *testing.T) {
	for name, setup := range registries(t) {
		t.Run(name, func(t *testing.T) {
			f := setup(t)
			ctx := context.Background()
			for _, id := range []string{"a", "b", "c"} {
				require.NoError(t, f.registry.Create(ctx, newRecord(f, id, "u1")))
			}
			require.NoError(t, f.registry.Create(ctx, newRecord(f, "other", "u2")))

			deleted, err := f.registry.DeleteAllForUser(ctx, "u1", "b")
			require.NoError(t, err)
			require.Equal(t, 2, deleted)

			for id, present := range map[string]bool{"a": false, "b": true, "c": false, "other": true} {
				got, err := f.registry.Get(ctx, id)
				require.NoError(t, err)
				require.Equal(t, present, got != nil, id)
			}

			deleted, err = f.registry.DeleteAllForUser(ctx, "nobody", "")
			require.NoError(t, err)
			require.Zero(t, deleted)
		})
	}
}

func TestRegistry_Expiry(t *testing.T) {
	for name, setup := range registries(t) {
		t.Run(name, func(t *testing.T) {
			f := setup(t)
			ctx := context.Background()
			rec := newRecord(f, "s1", "u1")
			rec.ExpiresAt = f.clock.Now().Add(time.Hour)
			require.NoError(t, f.registry.Create(ctx, rec))

			f.advance(time.Hour + time.Second)

			got, err := f.registry.Get(ctx, "s1")
			require.NoError(t, err)
			require.Nil(t, got)

			_, err = f.registry.Update(ctx, "s1", sessions.Patch{AccessToken: utils.Ptr("x")})
			require.ErrorIs(t, err, autherrors.ErrSessionNotFound)
		})
	}
}

func TestMemoryRegistry_Sweep(t *testing.T) {
	c := &clock{now: time.Now()}
	registry := sessions.NewMemoryRegistry(sessions.WithNowFunc(c.Now))
	ctx := context.Background()

	short := &sessions.Record{ID: "short", UserID: "u1", ExpiresAt: c.Now().Add(time.Minute)}
	long := &sessions.Record{ID: "long", UserID: "u1", ExpiresAt: c.Now().Add(time.Hour)}
	require.NoError(t, registry.Create(ctx, short))
	require.NoError(t, registry.Create(ctx, long))

	c.Advance(2 * time.Minute)
	require.Equal(t, 1, registry.Sweep())
	require.Equal(t, 1, registry.Len())
}
