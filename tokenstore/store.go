// Package tokenstore persists a session's tokens and id in the client context.
package tokenstore

import (
	"time"

	"github.com/jrsteele09/go-session-gateway/internal/config"
	"github.com/jrsteele09/go-session-gateway/token"
)

const (
	AccessTokenCookie  = "access-token"
	RefreshTokenCookie = "refresh-token"
	SessionIDCookie    = "session-id"
)

// MaxAges are the cookie lifetimes for the three entries
type MaxAges struct {
	AccessToken  time.Duration
	RefreshToken time.Duration
	SessionID    time.Duration
}

// DefaultMaxAges is 30 minutes, 7 days and 30 days
var DefaultMaxAges = MaxAges{
	AccessToken:  30 * time.Minute,
	RefreshToken: 7 * 24 * time.Hour,
	SessionID:    30 * 24 * time.Hour,
}

// MaxAgesFromConfig reads the lifetimes from cookie config
func MaxAgesFromConfig(cfg config.CookieConfig) MaxAges {
	return MaxAges{
		AccessToken:  cfg.GetAccessTokenMaxAge(),
		RefreshToken: cfg.GetRefreshTokenMaxAge(),
		SessionID:    cfg.GetSessionIDMaxAge(),
	}
}

// Store reads and writes the access token, refresh token and session id of one client
type Store struct {
	jar     Jar
	maxAges MaxAges
}

func New(jar Jar, maxAges MaxAges) *Store {
	return &Store{jar: jar, maxAges: maxAges}
}

// Jar exposes the underlying client context for other per-client state (OAuth flow, 2FA)
func (s *Store) Jar() Jar {
	return s.jar
}

// SetTokens writes the pair and session id. The access token lives as long as the
// Identity API said it does, falling back to the configured max age.
func (s *Store) SetTokens(pair token.Pair, sessionID string) {
	accessMaxAge := s.maxAges.AccessToken
	if pair.ExpiresIn > 0 {
		accessMaxAge = pair.Lifetime()
	}
	s.jar.Set(AccessTokenCookie, pair.AccessToken, accessMaxAge)
	s.jar.Set(RefreshTokenCookie, pair.RefreshToken, s.maxAges.RefreshToken)
	s.jar.Set(SessionIDCookie, sessionID, s.maxAges.SessionID)
}

func (s *Store) AccessToken() string {
	v, _ := s.jar.Get(AccessTokenCookie)
	return v
}

func (s *Store) RefreshToken() string {
	v, _ := s.jar.Get(RefreshTokenCookie)
	return v
}

func (s *Store) SessionID() string {
	v, _ := s.jar.Get(SessionIDCookie)
	return v
}

// HasTokens reports whether either token is present
func (s *Store) HasTokens() bool {
	return s.AccessToken() != "" || s.RefreshToken() != ""
}

// Clear removes all three entries. Safe to call when nothing is stored.
func (s *Store) Clear() {
	s.jar.Delete(AccessTokenCookie)
	s.jar.Delete(RefreshTokenCookie)
	s.jar.Delete(SessionIDCookie)
}
