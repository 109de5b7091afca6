package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"

	autherrors "github.com/jrsteele09/go-session-gateway/internal/errors"
	"github.com/jrsteele09/go-session-gateway/sessions"
	"github.com/jrsteele09/go-session-gateway/token"
	"github.com/jrsteele09/go-session-gateway/tokenstore"
)

// Resolver finds the session of one client request. Resolve does the work once;
// later calls return the same answer.
type Resolver struct {
	svc   *Service
	store *tokenstore.Store

	once sync.Once
	rec  *sessions.Record
	err  error
}

// Resolver binds a resolver to the client's token store
func (s *Service) Resolver(store *tokenstore.Store) *Resolver {
	return &Resolver{svc: s, store: store}
}

// Resolve returns the current session, or nil when the client has none. An
// expired access token is refreshed once; if that fails the session is ended.
func (r *Resolver) Resolve(ctx context.Context) (*sessions.Record, error) {
	r.once.Do(func() {
		r.rec, r.err = r.resolve(ctx)
	})
	return r.rec.Clone(), r.err
}

func (r *Resolver) resolve(ctx context.Context) (*sessions.Record, error) {
	s := r.svc
	sessionID := r.store.SessionID()
	if sessionID == "" {
		if r.store.HasTokens() {
			s.logger.Warn().Msg("tokens present without a session id, clearing")
			r.store.Clear()
		}
		return nil, nil
	}

	rec, err := s.registry.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("[Resolver Resolve] %w", err)
	}
	if rec == nil {
		// Never rebuild a session from cookies alone
		if r.store.HasTokens() {
			s.logger.Warn().Str("session_id", sessionID).Msg("no registry record for presented tokens, clearing")
		}
		r.store.Clear()
		return nil, nil
	}

	claims, err := s.validator.ValidateLocal(rec.AccessToken, token.TypeAccess)
	switch {
	case err == nil:
		r.sync(rec, claims)
		return rec, nil
	case errors.Is(err, autherrors.ErrTokenExpired):
		refreshed, err := s.Refresh(ctx, sessionID, TriggerRequest)
		if err != nil {
			s.logger.Info().Err(err).Str("session_id", sessionID).Msg("refresh on access failed, ending session")
			s.terminate(ctx, r.store, sessionID)
			return nil, nil
		}
		claims, err := s.validator.ValidateLocal(refreshed.AccessToken, token.TypeAccess)
		if err != nil {
			s.terminate(ctx, r.store, sessionID)
			return nil, nil
		}
		r.sync(refreshed, claims)
		return refreshed, nil
	default:
		s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("stored access token rejected, ending session")
		s.terminate(ctx, r.store, sessionID)
		return nil, nil
	}
}

// Authenticate resolves the session and runs the full validation, blacklist
// included. A revoked or invalid token ends the session. A client that stopped
// at the two-factor gate gets ErrTwoFactorRequired rather than ErrUnauthorized.
func (r *Resolver) Authenticate(ctx context.Context) (*sessions.Record, *token.Claims, error) {
	rec, err := r.Resolve(ctx)
	if err != nil {
		return nil, nil, err
	}
	if rec == nil {
		if _, pending := r.svc.PendingTwoFactor(r.store); pending {
			return nil, nil, autherrors.ErrTwoFactorRequired
		}
		return nil, nil, autherrors.ErrUnauthorized
	}

	claims, err := r.svc.validator.Validate(ctx, rec.AccessToken, token.TypeAccess)
	if err != nil {
		r.svc.logger.Warn().Err(err).Str("session_id", rec.ID).Msg("access token failed full validation, ending session")
		r.svc.terminate(ctx, r.store, rec.ID)
		return nil, nil, fmt.Errorf("%w: %w", autherrors.ErrUnauthorized, err)
	}
	return rec, claims, nil
}

// Refresh rotates the client's session now, whatever the access token's age,
// and writes the new pair to the client. A transient failure leaves the session
// as it was.
func (r *Resolver) Refresh(ctx context.Context) (*sessions.Record, error) {
	sessionID := r.store.SessionID()
	if sessionID == "" {
		return nil, autherrors.ErrUnauthorized
	}

	rec, err := r.svc.Refresh(ctx, sessionID, TriggerRequest)
	if err != nil {
		if errors.Is(err, autherrors.ErrSessionTerminated) {
			r.store.Clear()
			return nil, fmt.Errorf("%w: %w", autherrors.ErrUnauthorized, err)
		}
		return nil, err
	}

	claims, err := r.svc.validator.ValidateLocal(rec.AccessToken, token.TypeAccess)
	if err != nil {
		r.svc.terminate(ctx, r.store, sessionID)
		return nil, fmt.Errorf("%w: %w", autherrors.ErrUnauthorized, err)
	}
	r.sync(rec, claims)
	return rec, nil
}

// sync rewrites the client's cookies when the registry holds a newer pair,
// e.g. after a background refresh
func (r *Resolver) sync(rec *sessions.Record, claims *token.Claims) {
	if r.store.AccessToken() == rec.AccessToken && r.store.RefreshToken() == rec.RefreshToken {
		return
	}
	expiresIn := int(claims.ExpiresAt().Sub(r.svc.nowFunc()).Seconds())
	if expiresIn < 1 {
		expiresIn = 1
	}
	r.store.SetTokens(token.Pair{
		AccessToken:  rec.AccessToken,
		RefreshToken: rec.RefreshToken,
		ExpiresIn:    expiresIn,
	}, rec.ID)
}
