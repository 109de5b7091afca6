package refresh_test

import (
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/jrsteele09/go-session-gateway/token"
	"github.com/jrsteele09/go-session-gateway/token/refresh"
	"github.com/stretchr/testify/require"
)

func claims(jti, userID string, exp time.Time) *token.Claims {
	return &token.Claims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			ID:        jti,
			Subject:   userID,
			IssuedAt:  jwtlib.NewNumericDate(exp.Add(-time.Hour)),
			ExpiresAt: jwtlib.NewNumericDate(exp),
		},
		Type: token.TypeRefresh,
	}
}

func TestManager_Rotation(t *testing.T) {
	m := refresh.NewManager(refresh.NewInMemoryRepo())
	exp := time.Now().Add(time.Hour)

	family, err := m.Track(claims("rt-1", "user-1", exp), "")
	require.NoError(t, err)
	require.NotEmpty(t, family)

	rt, err := m.Consume("rt-1")
	require.NoError(t, err)
	require.Equal(t, "user-1", rt.UserID)
	require.Equal(t, family, rt.FamilyID)

	sameFamily, err := m.Track(claims("rt-2", "user-1", exp), rt.FamilyID)
	require.NoError(t, err)
	require.Equal(t, family, sameFamily)

	t.Run("replay revokes the family", func(t *testing.T) {
		_, err := m.Consume("rt-1")
		require.ErrorIs(t, err, refresh.ErrReplayed)

		_, err = m.Consume("rt-2")
		require.ErrorIs(t, err, refresh.ErrNotFound)
	})

	t.Run("unknown token", func(t *testing.T) {
		_, err := m.Consume("nope")
		require.ErrorIs(t, err, refresh.ErrNotFound)
	})
}

func TestManager_Expired(t *testing.T) {
	m := refresh.NewManager(refresh.NewInMemoryRepo())
	_, err := m.Track(claims("rt-old", "user-1", time.Now().Add(-time.Minute)), "")
	require.NoError(t, err)

	_, err = m.Consume("rt-old")
	require.ErrorIs(t, err, refresh.ErrExpired)
}

func TestManager_RevokeUser(t *testing.T) {
	m := refresh.NewManager(refresh.NewInMemoryRepo())
	exp := time.Now().Add(time.Hour)
	for _, jti := range []string{"a", "b"} {
		_, err := m.Track(claims(jti, "user-1", exp), "")
		require.NoError(t, err)
	}
	_, err := m.Track(claims("c", "user-2", exp), "")
	require.NoError(t, err)

	n, err := m.RevokeUser("user-1", "b")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = m.Consume("b")
	require.NoError(t, err, "kept family survives")

	n, err = m.RevokeUser("user-1", "")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = m.Consume("c")
	require.NoError(t, err)

	require.NoError(t, m.RevokeFamily("missing"))
}
