package token

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Type is the declared purpose of a JWT, carried in its "type" claim
type Type string

const (
	TypeAccess  Type = "access"
	TypeRefresh Type = "refresh"
)

// Pair is an access token and refresh token issued together by the Identity API
type Pair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int    `json:"expiresIn"` // access token lifetime in seconds
}

// Lifetime returns the access token lifetime as a duration
func (p Pair) Lifetime() time.Duration {
	return time.Duration(p.ExpiresIn) * time.Second
}

// Complete reports whether both halves of the pair are present
func (p Pair) Complete() bool {
	return p.AccessToken != "" && p.RefreshToken != ""
}

// Claims is the payload of access and refresh tokens: sub, email, jti, exp, iat and type
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
	Type  Type   `json:"type"`
}

// ExpiresAt returns the exp claim, or the zero time if it is absent
func (c *Claims) ExpiresAt() time.Time {
	if c.RegisteredClaims.ExpiresAt == nil {
		return time.Time{}
	}
	return c.RegisteredClaims.ExpiresAt.Time
}

// IssuedAt returns the iat claim, or the zero time if it is absent
func (c *Claims) IssuedAt() time.Time {
	if c.RegisteredClaims.IssuedAt == nil {
		return time.Time{}
	}
	return c.RegisteredClaims.IssuedAt.Time
}
