package errors

import (
	"errors"
	"fmt"
)

// Common error types for the session gateway
var (
	// Token errors
	ErrTokenExpired     = errors.New("token expired")
	ErrInvalidToken     = errors.New("invalid token")
	ErrTokenBlacklisted = errors.New("token blacklisted")
	ErrMalformedToken   = errors.New("malformed token")
	ErrWrongTokenType   = errors.New("wrong token type")

	// OAuth errors
	ErrStateMismatch       = errors.New("oauth state mismatch")
	ErrMissingVerifier     = errors.New("oauth code verifier missing")
	ErrProviderExchange    = errors.New("oauth provider exchange failed")
	ErrUnsupportedProvider = errors.New("unsupported oauth provider")
	ErrProviderDenied      = errors.New("oauth provider denied authorization")

	// Two factor errors. Login reports the step-up as an outcome; ErrTwoFactorRequired
	// is for requests that arrive while a challenge is still pending.
	ErrTwoFactorRequired  = errors.New("two factor authentication required")
	ErrTwoFactorFailed    = errors.New("two factor verification failed")
	ErrNoPendingTwoFactor = errors.New("no pending two factor challenge")

	// Session errors
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionExpired    = errors.New("session expired")
	ErrSessionTerminated = errors.New("session terminated")
	ErrRefreshFailed     = errors.New("refresh failed")
	ErrConflict          = errors.New("session was modified concurrently")

	// Authentication errors
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnauthorized       = errors.New("unauthorized")

	// General errors
	ErrInvalidRequest = errors.New("invalid request")
	ErrInternal       = errors.New("internal error")
)

// Wrapf wraps an error with context using fmt.Errorf
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}
