package server

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/jrsteele09/go-session-gateway/auth"
	autherrors "github.com/jrsteele09/go-session-gateway/internal/errors"
	"github.com/jrsteele09/go-session-gateway/sessions"
	"github.com/jrsteele09/go-session-gateway/token/jwt"
	"github.com/jrsteele09/go-session-gateway/users"
)

const (
	contentTypeJSON = "application/json; charset=utf-8"
	maxBodyBytes    = 1 << 20
)

// sessionResponse is what the browser learns about its session. Tokens stay in
// HttpOnly cookies and are never echoed.
type sessionResponse struct {
	Authenticated        bool        `json:"authenticated"`
	User                 *users.User `json:"user,omitempty"`
	AccessTokenExpiresAt *time.Time  `json:"accessTokenExpiresAt,omitempty"`
	SessionExpiresAt     *time.Time  `json:"sessionExpiresAt,omitempty"`
}

type twoFactorResponse struct {
	RequiresTwoFactor bool   `json:"requiresTwoFactor"`
	UserID            string `json:"userId"`
	Email             string `json:"email,omitempty"`
}

func newSessionResponse(rec *sessions.Record) sessionResponse {
	resp := sessionResponse{Authenticated: true, User: rec.User.Clone()}
	if exp, err := jwt.ExpiresAt(rec.AccessToken); err == nil {
		resp.AccessTokenExpiresAt = &exp
	}
	if !rec.ExpiresAt.IsZero() {
		expiresAt := rec.ExpiresAt
		resp.SessionExpiresAt = &expiresAt
	}
	return resp
}

func writeLoginResult(w http.ResponseWriter, result *auth.LoginResult) {
	if result.TwoFactorRequired() {
		writeJSON(w, http.StatusOK, twoFactorResponse{
			RequiresTwoFactor: true,
			UserID:            result.TwoFactor.UserID,
			Email:             result.TwoFactor.Email,
		})
		return
	}
	writeJSON(w, http.StatusOK, newSessionResponse(result.Session))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, errorCode, description string, statusCode int) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             errorCode,
		"error_description": description,
	})
}

// writeServiceError maps the error taxonomy onto HTTP. Descriptions are fixed
// strings; the cause is logged by the caller.
func writeServiceError(w http.ResponseWriter, err error) {
	code, description, status := errorCode(err)
	writeJSONError(w, code, description, status)
}

func errorCode(err error) (string, string, int) {
	switch {
	case autherrors.Is(err, autherrors.ErrInvalidRequest):
		return "invalid_request", "The request is missing a required field or is malformed", http.StatusBadRequest
	case autherrors.Is(err, autherrors.ErrInvalidCredentials):
		return "invalid_credentials", "Invalid email or password", http.StatusUnauthorized
	case autherrors.Is(err, autherrors.ErrTwoFactorFailed):
		return "two_factor_failed", "The verification code is incorrect", http.StatusUnauthorized
	case autherrors.Is(err, autherrors.ErrTwoFactorRequired):
		return "two_factor_required", "Enter the verification code to finish signing in", http.StatusUnauthorized
	case autherrors.Is(err, autherrors.ErrNoPendingTwoFactor):
		return "no_pending_two_factor", "There is no verification in progress", http.StatusBadRequest
	case autherrors.Is(err, autherrors.ErrUnauthorized), autherrors.Is(err, autherrors.ErrSessionTerminated):
		return "unauthorized", "Not signed in", http.StatusUnauthorized
	case autherrors.Is(err, autherrors.ErrUnsupportedProvider):
		return "unsupported_provider", "Unknown sign-in provider", http.StatusNotFound
	case autherrors.Is(err, autherrors.ErrRefreshFailed):
		return "refresh_failed", "The session could not be refreshed, try again", http.StatusServiceUnavailable
	default:
		return "server_error", http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError
	}
}

// decodeJSON reads a bounded JSON body into v
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return autherrors.Wrapf(autherrors.ErrInvalidRequest, "malformed JSON body: %v", err)
	}
	return nil
}
