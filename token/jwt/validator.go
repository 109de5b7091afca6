package jwt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	autherrors "github.com/jrsteele09/go-session-gateway/internal/errors"
	"github.com/jrsteele09/go-session-gateway/metrics"
	"github.com/jrsteele09/go-session-gateway/token"
	"github.com/jrsteele09/go-session-gateway/token/keys"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// BlacklistChecker reports whether a token id has been revoked
type BlacklistChecker interface {
	IsBlacklisted(ctx context.Context, jti string) (bool, error)
}

// Validator verifies Identity API tokens: signature and standard claims first,
// then exp and the declared type, and the remote blacklist last.
type Validator struct {
	verifier  keys.Verifier
	blacklist BlacklistChecker
	nowFunc   func() time.Time
	leeway    time.Duration
	logger    zerolog.Logger
}

type ValidatorOption func(*Validator)

func WithBlacklist(checker BlacklistChecker) ValidatorOption {
	return func(v *Validator) {
		v.blacklist = checker
	}
}

func WithNowFunc(now func() time.Time) ValidatorOption {
	return func(v *Validator) {
		v.nowFunc = now
	}
}

// WithLeeway tolerates clock skew between this service and the Identity API
func WithLeeway(leeway time.Duration) ValidatorOption {
	return func(v *Validator) {
		v.leeway = leeway
	}
}

func WithLogger(logger zerolog.Logger) ValidatorOption {
	return func(v *Validator) {
		v.logger = logger
	}
}

// NewValidator creates a validator for tokens signed by the given verifier's key
func NewValidator(verifier keys.Verifier, options ...ValidatorOption) *Validator {
	v := &Validator{
		verifier: verifier,
		nowFunc:  time.Now,
		logger:   log.Logger,
	}
	for _, opt := range options {
		opt(v)
	}
	return v
}

// Validate performs the full check including the blacklist lookup. A failed lookup
// is logged and the token treated as not blacklisted.
func (v *Validator) Validate(ctx context.Context, rawToken string, expected token.Type) (*token.Claims, error) {
	claims, err := v.validate(rawToken, expected)
	if err != nil {
		metrics.ObserveValidation(outcome(err))
		return nil, err
	}

	if v.blacklist != nil && claims.ID != "" {
		blacklisted, err := v.blacklist.IsBlacklisted(ctx, claims.ID)
		switch {
		case err != nil:
			v.logger.Warn().Err(err).Str("jti", claims.ID).Msg("blacklist lookup failed, failing open")
		case blacklisted:
			metrics.ObserveValidation("blacklisted")
			return nil, autherrors.ErrTokenBlacklisted
		}
	}

	metrics.ObserveValidation("valid")
	return claims, nil
}

// ValidateLocal checks signature, expiry and type without any network call
func (v *Validator) ValidateLocal(rawToken string, expected token.Type) (*token.Claims, error) {
	claims, err := v.validate(rawToken, expected)
	if err != nil {
		metrics.ObserveValidation(outcome(err))
		return nil, err
	}
	return claims, nil
}

func (v *Validator) validate(rawToken string, expected token.Type) (*token.Claims, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" || strings.Count(rawToken, ".") != 2 {
		return nil, autherrors.ErrMalformedToken
	}

	claims := &token.Claims{}
	parser := jwtlib.NewParser(
		jwtlib.WithValidMethods([]string{v.verifier.GetSigningMethod().Alg()}),
		jwtlib.WithTimeFunc(v.nowFunc),
		jwtlib.WithExpirationRequired(),
		jwtlib.WithIssuedAt(),
		jwtlib.WithLeeway(v.leeway),
	)

	if _, err := parser.ParseWithClaims(rawToken, claims, v.verifier.GetVerificationKey); err != nil {
		switch {
		case errors.Is(err, jwtlib.ErrTokenMalformed):
			return nil, autherrors.ErrMalformedToken
		case errors.Is(err, jwtlib.ErrTokenExpired):
			return nil, autherrors.ErrTokenExpired
		default:
			return nil, fmt.Errorf("%w: %s", autherrors.ErrInvalidToken, err.Error())
		}
	}

	// The parser enforces exp already; checked again against our own clock.
	if !v.nowFunc().Before(claims.ExpiresAt().Add(v.leeway)) {
		return nil, autherrors.ErrTokenExpired
	}

	if claims.Type != expected {
		return nil, fmt.Errorf("%w: %w: got %q want %q", autherrors.ErrInvalidToken, autherrors.ErrWrongTokenType, claims.Type, expected)
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing sub claim", autherrors.ErrInvalidToken)
	}

	return claims, nil
}

// ExpiresAt reads the exp claim without verifying the token. Only for scheduling.
func ExpiresAt(rawToken string) (time.Time, error) {
	claims := &token.Claims{}
	if _, _, err := jwtlib.NewParser().ParseUnverified(rawToken, claims); err != nil {
		return time.Time{}, fmt.Errorf("%w: %s", autherrors.ErrMalformedToken, err.Error())
	}
	return claims.ExpiresAt(), nil
}

func outcome(err error) string {
	switch {
	case errors.Is(err, autherrors.ErrTokenExpired):
		return "expired"
	case errors.Is(err, autherrors.ErrMalformedToken):
		return "malformed"
	case errors.Is(err, autherrors.ErrTokenBlacklisted):
		return "blacklisted"
	default:
		return "invalid"
	}
}
