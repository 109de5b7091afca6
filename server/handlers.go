package server

import (
	"net/http"

	"github.com/jrsteele09/go-session-gateway/identity"
	"github.com/rs/zerolog"
)

type twoFactorVerifyRequest struct {
	Code string `json:"code"`
}

// LoginHandler authenticates with email and password
func (s *Server) LoginHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req identity.LoginRequest
		if err := decodeJSON(r, &req); err != nil {
			writeServiceError(w, err)
			return
		}

		result, err := s.sessions.Login(r.Context(), s.tokenStore(w, r), req.Email, req.Password)
		if err != nil {
			zerolog.Ctx(r.Context()).Info().Err(err).Msg("login failed")
			writeServiceError(w, err)
			return
		}
		writeLoginResult(w, result)
	}
}

// LogoutHandler always succeeds; a client without a session is already logged out
func (s *Server) LogoutHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.sessions.Logout(r.Context(), s.tokenStore(w, r))
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}

// LogoutAllHandler signs the user out everywhere except this client
func (s *Server) LogoutAllHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		revoked, err := s.sessions.LogoutAll(r.Context(), s.tokenStore(w, r))
		if err != nil {
			zerolog.Ctx(r.Context()).Warn().Err(err).Msg("logout-all failed")
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "revokedSessions": revoked})
	}
}

// RefreshHandler rotates the client's tokens on demand
func (s *Server) RefreshHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := s.sessions.Resolver(s.tokenStore(w, r)).Refresh(r.Context())
		if err != nil {
			zerolog.Ctx(r.Context()).Info().Err(err).Msg("refresh failed")
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, newSessionResponse(rec))
	}
}

// TwoFactorVerifyHandler answers the pending two-factor challenge
func (s *Server) TwoFactorVerifyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req twoFactorVerifyRequest
		if err := decodeJSON(r, &req); err != nil {
			writeServiceError(w, err)
			return
		}

		result, err := s.sessions.VerifyTwoFactor(r.Context(), s.tokenStore(w, r), req.Code)
		if err != nil {
			zerolog.Ctx(r.Context()).Info().Err(err).Msg("two factor verification failed")
			writeServiceError(w, err)
			return
		}
		writeLoginResult(w, result)
	}
}

// SessionHandler describes the current session. Runs behind RequireSession.
func (s *Server) SessionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, ok := SessionFromContext(r.Context())
		if !ok {
			writeJSONError(w, "unauthorized", "no session", http.StatusUnauthorized)
			return
		}
		resp := newSessionResponse(rec)
		if claims, ok := ClaimsFromContext(r.Context()); ok {
			exp := claims.ExpiresAt()
			resp.AccessTokenExpiresAt = &exp
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
