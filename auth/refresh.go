package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jrsteele09/go-session-gateway/identity"
	autherrors "github.com/jrsteele09/go-session-gateway/internal/errors"
	"github.com/jrsteele09/go-session-gateway/internal/utils"
	"github.com/jrsteele09/go-session-gateway/metrics"
	"github.com/jrsteele09/go-session-gateway/sessions"
	"github.com/jrsteele09/go-session-gateway/token"
	"github.com/jrsteele09/go-session-gateway/token/jwt"
)

const (
	TriggerRequest   = "request"
	TriggerScheduler = "scheduler"
)

// Refresh rotates the session's token pair. Concurrent calls for the same session
// share one Identity API call. Errors wrapping ErrSessionTerminated mean the session
// is gone; ErrRefreshFailed means the attempt failed but the session still stands.
func (s *Service) Refresh(ctx context.Context, sessionID, trigger string) (*sessions.Record, error) {
	v, err, shared := s.refreshes.Do(sessionID, func() (any, error) {
		return s.rotate(context.WithoutCancel(ctx), sessionID, trigger)
	})
	if shared {
		metrics.ObserveCoalescedRefresh()
	}
	if err != nil {
		return nil, err
	}
	return v.(*sessions.Record).Clone(), nil
}

// RefreshScheduled is the scheduler's entry point. It returns the new access token lifetime.
func (s *Service) RefreshScheduled(ctx context.Context, sessionID string) (time.Duration, error) {
	rec, err := s.Refresh(ctx, sessionID, TriggerScheduler)
	if err != nil {
		return 0, err
	}
	exp, err := jwt.ExpiresAt(rec.AccessToken)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", autherrors.ErrRefreshFailed, err)
	}
	return exp.Sub(s.nowFunc()), nil
}

func (s *Service) rotate(ctx context.Context, sessionID, trigger string) (*sessions.Record, error) {
	rec, err := s.registry.Get(ctx, sessionID)
	if err != nil {
		metrics.ObserveRefresh(trigger, "error")
		return nil, fmt.Errorf("%w: %w", autherrors.ErrRefreshFailed, err)
	}
	if rec == nil {
		metrics.ObserveRefresh(trigger, "gone")
		return nil, fmt.Errorf("%w: session %s no longer exists", autherrors.ErrSessionTerminated, sessionID)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.identityTimeout)
	resp, err := s.identity.Refresh(callCtx, rec.RefreshToken)
	cancel()
	if err != nil {
		if identity.IsTerminal(err) {
			metrics.ObserveRefresh(trigger, "rejected")
			s.Terminate(ctx, sessionID)
			return nil, fmt.Errorf("%w: %w", autherrors.ErrSessionTerminated, err)
		}
		metrics.ObserveRefresh(trigger, "error")
		s.logger.Warn().Err(err).Str("session_id", sessionID).Str("trigger", trigger).Msg("refresh failed")
		return nil, fmt.Errorf("%w: %w", autherrors.ErrRefreshFailed, err)
	}

	pair := resp.Pair()
	claims, err := s.validator.ValidateLocal(pair.AccessToken, token.TypeAccess)
	if err != nil || !pair.Complete() {
		metrics.ObserveRefresh(trigger, "error")
		return nil, fmt.Errorf("%w: identity api returned an unusable pair: %v", autherrors.ErrRefreshFailed, err)
	}

	updated, err := s.registry.Update(ctx, sessionID, sessions.Patch{
		User:           resp.User,
		AccessToken:    utils.Ptr(pair.AccessToken),
		RefreshToken:   utils.Ptr(pair.RefreshToken),
		ExpiresAt:      utils.Ptr(s.nowFunc().Add(s.sessionLifetime)),
		IfRefreshToken: utils.Ptr(rec.RefreshToken),
	})
	switch {
	case errors.Is(err, autherrors.ErrConflict):
		// Rotated elsewhere while we were waiting; the stored pair is the newer one.
		current, getErr := s.registry.Get(ctx, sessionID)
		if getErr != nil || current == nil {
			metrics.ObserveRefresh(trigger, "gone")
			return nil, fmt.Errorf("%w: session %s vanished during refresh", autherrors.ErrSessionTerminated, sessionID)
		}
		metrics.ObserveRefresh(trigger, "superseded")
		return current, nil
	case errors.Is(err, autherrors.ErrSessionNotFound):
		metrics.ObserveRefresh(trigger, "gone")
		return nil, fmt.Errorf("%w: session %s ended during refresh", autherrors.ErrSessionTerminated, sessionID)
	case err != nil:
		metrics.ObserveRefresh(trigger, "error")
		return nil, fmt.Errorf("%w: %w", autherrors.ErrRefreshFailed, err)
	}

	s.scheduler.Arm(sessionID, s.accessLifetime(pair, claims))
	metrics.ObserveRefresh(trigger, "success")
	metrics.ObserveSessionEvent("refreshed")
	s.logger.Debug().Str("session_id", sessionID).Str("trigger", trigger).Msg("session refreshed")
	return updated, nil
}
