package identity

import (
	"errors"
	"fmt"
	"net/http"

	autherrors "github.com/jrsteele09/go-session-gateway/internal/errors"
	"github.com/jrsteele09/go-session-gateway/token"
	"github.com/jrsteele09/go-session-gateway/users"
)

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type LogoutRequest struct {
	RefreshToken string `json:"refreshToken,omitempty"`
}

// LogoutAllRequest names the caller's refresh token, which stays valid
type LogoutAllRequest struct {
	KeepRefreshToken string `json:"keepRefreshToken,omitempty"`
}

// OAuthLoginRequest forwards the provider's identity token (id_token or access_token)
type OAuthLoginRequest struct {
	Provider string `json:"provider"`
	Token    string `json:"token"`
}

type TwoFactorVerifyRequest struct {
	UserID         string `json:"userId"`
	Code           string `json:"code"`
	ChallengeToken string `json:"challengeToken,omitempty"`
}

// AuthResponse is either a token pair with the user, or a step-up challenge
// when RequiresTwoFactor is set.
type AuthResponse struct {
	User         *users.User `json:"user,omitempty"`
	AccessToken  string      `json:"accessToken,omitempty"`
	RefreshToken string      `json:"refreshToken,omitempty"`
	ExpiresIn    int         `json:"expiresIn,omitempty"`

	RequiresTwoFactor bool   `json:"requiresTwoFactor,omitempty"`
	UserID            string `json:"userId,omitempty"`
	Email             string `json:"email,omitempty"`
	ChallengeToken    string `json:"challengeToken,omitempty"`
}

func (r *AuthResponse) Pair() token.Pair {
	return token.Pair{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		ExpiresIn:    r.ExpiresIn,
	}
}

type BlacklistResponse struct {
	Blacklisted bool `json:"blacklisted"`
}

// ErrorResponse is the Identity API's error body
type ErrorResponse struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
	Message     string `json:"message,omitempty"`
}

// APIError is a non-2xx answer from the Identity API
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("identity api %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("identity api %d %s", e.Status, e.Code)
}

// Unwrap maps the status onto the error taxonomy so callers can use errors.Is
func (e *APIError) Unwrap() error {
	switch {
	case e.Status == http.StatusUnauthorized, e.Status == http.StatusForbidden:
		return autherrors.ErrUnauthorized
	case e.Status == http.StatusNotFound:
		return autherrors.ErrSessionNotFound
	case e.Status >= 400 && e.Status < 500:
		return autherrors.ErrInvalidRequest
	default:
		return autherrors.ErrInternal
	}
}

// IsTerminal reports whether err means the credentials presented will never work again
func IsTerminal(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusForbidden
}
