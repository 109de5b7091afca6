package jwt

import (
	"fmt"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jrsteele09/go-session-gateway/token"
	"github.com/jrsteele09/go-session-gateway/token/keys"
	"github.com/jrsteele09/go-session-gateway/users"
)

// Creator handles access and refresh token creation
type Creator struct {
	signer          keys.Signer
	issuer          string
	accessTokenTTL  time.Duration
	refreshTokenTTL time.Duration
	nowFunc         func() time.Time
}

type CreatorOption func(*Creator)

func WithTokenExpiry(accessTokenTTL, refreshTokenTTL time.Duration) CreatorOption {
	return func(c *Creator) {
		c.accessTokenTTL = accessTokenTTL
		c.refreshTokenTTL = refreshTokenTTL
	}
}

func WithIssuer(issuer string) CreatorOption {
	return func(c *Creator) {
		c.issuer = issuer
	}
}

func WithCreatorNowFunc(now func() time.Time) CreatorOption {
	return func(c *Creator) {
		c.nowFunc = now
	}
}

// NewCreator creates a new JWT creator
func NewCreator(signer keys.Signer, options ...CreatorOption) *Creator {
	c := &Creator{
		signer:          signer,
		accessTokenTTL:  30 * time.Minute,
		refreshTokenTTL: 7 * 24 * time.Hour,
		nowFunc:         time.Now,
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// CreatePair issues an access token and a refresh token for the user together.
// The refresh token's claims are returned so the caller can track its jti for rotation.
func (c *Creator) CreatePair(user *users.User) (token.Pair, *token.Claims, error) {
	access, _, err := c.create(user, token.TypeAccess, c.accessTokenTTL)
	if err != nil {
		return token.Pair{}, nil, err
	}
	refresh, refreshClaims, err := c.create(user, token.TypeRefresh, c.refreshTokenTTL)
	if err != nil {
		return token.Pair{}, nil, err
	}
	return token.Pair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int(c.accessTokenTTL.Seconds()),
	}, refreshClaims, nil
}

// CreateAccessToken creates a single access token
func (c *Creator) CreateAccessToken(user *users.User) (string, *token.Claims, error) {
	return c.create(user, token.TypeAccess, c.accessTokenTTL)
}

func (c *Creator) create(user *users.User, tokenType token.Type, ttl time.Duration) (string, *token.Claims, error) {
	now := c.nowFunc()
	claims := &token.Claims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   user.ID,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
			ID:        uuid.New().String(), // Unique token ID for revocation
		},
		Email: user.Email,
		Type:  tokenType,
	}

	signed, err := c.signer.Sign(claims)
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign %s token: %w", tokenType, err)
	}
	return signed, claims, nil
}
