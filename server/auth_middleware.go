package server

import (
	"context"
	"net/http"

	"github.com/jrsteele09/go-session-gateway/sessions"
	"github.com/jrsteele09/go-session-gateway/token"
	"github.com/rs/zerolog"
)

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

const (
	// ContextKeySession stores the resolved *sessions.Record
	ContextKeySession ContextKey = "session"
	// ContextKeyClaims stores the validated access token claims
	ContextKeyClaims ContextKey = "claims"
)

// RequireSession resolves the client's session and runs the full token
// validation, blacklist included. Requests without a live session get a 401 and
// any stale cookies are cleared.
func (s *Server) RequireSession() func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			store := s.tokenStore(w, r)
			rec, claims, err := s.sessions.Resolver(store).Authenticate(r.Context())
			if err != nil {
				zerolog.Ctx(r.Context()).Debug().Err(err).Msg("request has no valid session")
				writeServiceError(w, err)
				return
			}

			ctx := context.WithValue(r.Context(), ContextKeySession, rec)
			ctx = context.WithValue(ctx, ContextKeyClaims, claims)
			logger := zerolog.Ctx(ctx).With().Str("session_id", rec.ID).Str("user_id", rec.UserID).Logger()
			next(w, r.WithContext(logger.WithContext(ctx)))
		}
	}
}

// SessionFromContext returns the session RequireSession resolved
func SessionFromContext(ctx context.Context) (*sessions.Record, bool) {
	rec, ok := ctx.Value(ContextKeySession).(*sessions.Record)
	return rec, ok && rec != nil
}

// ClaimsFromContext returns the access token claims RequireSession validated
func ClaimsFromContext(ctx context.Context) (*token.Claims, bool) {
	claims, ok := ctx.Value(ContextKeyClaims).(*token.Claims)
	return claims, ok && claims != nil
}
