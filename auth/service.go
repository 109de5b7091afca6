// Package auth ties the Identity API, the session registry and the client's token
// store together: login, logout, refresh, per-request session resolution and the
// two-factor gate.
package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jrsteele09/go-session-gateway/identity"
	autherrors "github.com/jrsteele09/go-session-gateway/internal/errors"
	"github.com/jrsteele09/go-session-gateway/metrics"
	"github.com/jrsteele09/go-session-gateway/sessions"
	"github.com/jrsteele09/go-session-gateway/token"
	"github.com/jrsteele09/go-session-gateway/token/jwt"
	"github.com/jrsteele09/go-session-gateway/tokenstore"
	"github.com/jrsteele09/go-session-gateway/users"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// IdentityAPI is the subset of the Identity API the service calls
type IdentityAPI interface {
	Login(ctx context.Context, email, password string) (*identity.AuthResponse, error)
	Refresh(ctx context.Context, refreshToken string) (*identity.AuthResponse, error)
	Logout(ctx context.Context, accessToken, refreshToken string) error
	LogoutAll(ctx context.Context, accessToken, keepRefreshToken string) error
	OAuthLogin(ctx context.Context, provider, identityToken string) (*identity.AuthResponse, error)
	VerifyTwoFactor(ctx context.Context, req identity.TwoFactorVerifyRequest) (*identity.AuthResponse, error)
}

// Scheduler arranges background refreshes ahead of access token expiry
type Scheduler interface {
	Arm(sessionID string, lifetime time.Duration)
	Cancel(sessionID string)
}

type noopScheduler struct{}

func (noopScheduler) Arm(string, time.Duration) {}
func (noopScheduler) Cancel(string)             {}

// LoginResult is either an established session or a pending two-factor challenge
type LoginResult struct {
	Session   *sessions.Record
	TwoFactor *TwoFactorChallenge
}

// TwoFactorRequired reports whether the login stopped at the 2FA gate
func (r *LoginResult) TwoFactorRequired() bool {
	return r.TwoFactor != nil
}

// Service implements the session lifecycle
type Service struct {
	identity  IdentityAPI
	registry  sessions.Registry
	validator *jwt.Validator
	scheduler Scheduler

	sessionLifetime time.Duration
	pendingTTL      time.Duration
	identityTimeout time.Duration
	nowFunc         func() time.Time
	newSessionID    func() string
	logger          zerolog.Logger

	refreshes singleflight.Group
}

type Option func(*Service)

func WithScheduler(scheduler Scheduler) Option {
	return func(s *Service) {
		s.scheduler = scheduler
	}
}

// WithSessionLifetime sets how long a session lives past its last rotation
func WithSessionLifetime(lifetime time.Duration) Option {
	return func(s *Service) {
		s.sessionLifetime = lifetime
	}
}

func WithTwoFactorPendingTTL(ttl time.Duration) Option {
	return func(s *Service) {
		s.pendingTTL = ttl
	}
}

func WithIdentityTimeout(timeout time.Duration) Option {
	return func(s *Service) {
		s.identityTimeout = timeout
	}
}

func WithNowFunc(now func() time.Time) Option {
	return func(s *Service) {
		s.nowFunc = now
	}
}

func WithSessionIDFunc(newSessionID func() string) Option {
	return func(s *Service) {
		s.newSessionID = newSessionID
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func NewService(identityAPI IdentityAPI, registry sessions.Registry, validator *jwt.Validator, options ...Option) *Service {
	s := &Service{
		identity:        identityAPI,
		registry:        registry,
		validator:       validator,
		scheduler:       noopScheduler{},
		sessionLifetime: 7 * 24 * time.Hour,
		pendingTTL:      5 * time.Minute,
		identityTimeout: 10 * time.Second,
		nowFunc:         time.Now,
		newSessionID:    func() string { return uuid.New().String() },
		logger:          log.Logger,
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Login authenticates with email and password
func (s *Service) Login(ctx context.Context, store *tokenstore.Store, email, password string) (*LoginResult, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return nil, fmt.Errorf("%w: email and password are required", autherrors.ErrInvalidRequest)
	}

	ctx, cancel := context.WithTimeout(ctx, s.identityTimeout)
	defer cancel()

	resp, err := s.identity.Login(ctx, email, password)
	if err != nil {
		if identity.IsTerminal(err) {
			return nil, fmt.Errorf("%w: %w", autherrors.ErrInvalidCredentials, err)
		}
		return nil, fmt.Errorf("[AuthService Login] %w", err)
	}
	return s.CompleteLogin(ctx, store, resp)
}

// OAuthLogin exchanges a provider identity token for a session
func (s *Service) OAuthLogin(ctx context.Context, store *tokenstore.Store, provider, identityToken string) (*LoginResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.identityTimeout)
	defer cancel()

	resp, err := s.identity.OAuthLogin(ctx, provider, identityToken)
	if err != nil {
		if identity.IsTerminal(err) {
			return nil, fmt.Errorf("%w: %w", autherrors.ErrInvalidCredentials, err)
		}
		return nil, fmt.Errorf("[AuthService OAuthLogin] %w", err)
	}
	return s.CompleteLogin(ctx, store, resp)
}

// CompleteLogin routes an Identity API answer either to the 2FA gate or to a new session
func (s *Service) CompleteLogin(ctx context.Context, store *tokenstore.Store, resp *identity.AuthResponse) (*LoginResult, error) {
	if resp.RequiresTwoFactor {
		challenge := &TwoFactorChallenge{
			UserID:         resp.UserID,
			Email:          resp.Email,
			ChallengeToken: resp.ChallengeToken,
		}
		s.setPendingTwoFactor(store, challenge)
		s.logger.Info().Str("user_id", resp.UserID).Msg("login requires two factor verification")
		return &LoginResult{TwoFactor: challenge}, nil
	}

	rec, err := s.EstablishSession(ctx, store, resp)
	if err != nil {
		return nil, err
	}
	return &LoginResult{Session: rec}, nil
}

// EstablishSession records a freshly issued token pair as a new session and
// writes it to the client. Any session the client already had is replaced.
func (s *Service) EstablishSession(ctx context.Context, store *tokenstore.Store, resp *identity.AuthResponse) (*sessions.Record, error) {
	pair := resp.Pair()
	if !pair.Complete() {
		return nil, fmt.Errorf("[AuthService EstablishSession] %w: incomplete token pair", autherrors.ErrInvalidToken)
	}

	claims, err := s.validator.ValidateLocal(pair.AccessToken, token.TypeAccess)
	if err != nil {
		return nil, fmt.Errorf("[AuthService EstablishSession] access token: %w", err)
	}

	user := resp.User
	if user == nil {
		user = &users.User{ID: claims.Subject, Email: claims.Email}
	}

	if previous := store.SessionID(); previous != "" {
		s.dropSession(ctx, previous)
	}

	now := s.nowFunc()
	rec := &sessions.Record{
		ID:           s.newSessionID(),
		UserID:       claims.Subject,
		User:         user.Clone(),
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresAt:    now.Add(s.sessionLifetime),
		CreatedAt:    now,
	}
	if err := s.registry.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("[AuthService EstablishSession] %w", err)
	}

	store.SetTokens(pair, rec.ID)
	s.clearPendingTwoFactor(store)
	s.scheduler.Arm(rec.ID, s.accessLifetime(pair, claims))

	metrics.ObserveSessionEvent("created")
	s.logger.Info().Str("session_id", rec.ID).Str("user_id", rec.UserID).Msg("session established")
	return rec.Clone(), nil
}

// Logout ends the client's session. It never fails: the Identity API call is best
// effort and local state is always cleared.
func (s *Service) Logout(ctx context.Context, store *tokenstore.Store) {
	sessionID := store.SessionID()
	accessToken, refreshToken := store.AccessToken(), store.RefreshToken()

	if sessionID != "" {
		rec, err := s.registry.Get(ctx, sessionID)
		if err != nil {
			s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("failed to read session during logout")
		}
		if rec != nil {
			accessToken, refreshToken = rec.AccessToken, rec.RefreshToken
		}
		s.dropSession(ctx, sessionID)
	}

	if accessToken != "" || refreshToken != "" {
		callCtx, cancel := context.WithTimeout(ctx, s.identityTimeout)
		if err := s.identity.Logout(callCtx, accessToken, refreshToken); err != nil {
			s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("identity logout failed, local session cleared anyway")
		}
		cancel()
	}

	store.Clear()
	s.clearPendingTwoFactor(store)
	if sessionID != "" {
		metrics.ObserveSessionEvent("logged_out")
	}
}

// LogoutAll revokes every other session of the current user and returns how many
// sessions this gateway removed.
func (s *Service) LogoutAll(ctx context.Context, store *tokenstore.Store) (int, error) {
	rec, err := s.Resolver(store).Resolve(ctx)
	if err != nil {
		return 0, err
	}
	if rec == nil {
		return 0, autherrors.ErrUnauthorized
	}

	callCtx, cancel := context.WithTimeout(ctx, s.identityTimeout)
	defer cancel()
	if err := s.identity.LogoutAll(callCtx, rec.AccessToken, rec.RefreshToken); err != nil {
		return 0, fmt.Errorf("[AuthService LogoutAll] %w", err)
	}

	deleted, err := s.registry.DeleteAllForUser(ctx, rec.UserID, rec.ID)
	if err != nil {
		return 0, fmt.Errorf("[AuthService LogoutAll] %w", err)
	}
	s.logger.Info().Str("session_id", rec.ID).Str("user_id", rec.UserID).Int("deleted", deleted).Msg("logged out other sessions")
	return deleted, nil
}

// Terminate removes a session server-side. The client's cookies are cleared the
// next time it presents them.
func (s *Service) Terminate(ctx context.Context, sessionID string) {
	s.dropSession(ctx, sessionID)
	metrics.ObserveSessionEvent("terminated")
	s.logger.Info().Str("session_id", sessionID).Msg("session terminated")
}

func (s *Service) terminate(ctx context.Context, store *tokenstore.Store, sessionID string) {
	s.Terminate(ctx, sessionID)
	store.Clear()
}

func (s *Service) dropSession(ctx context.Context, sessionID string) {
	s.scheduler.Cancel(sessionID)
	if err := s.registry.Delete(ctx, sessionID); err != nil {
		s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("failed to delete session")
	}
}

// accessLifetime prefers the Identity API's expiresIn and falls back to the exp claim
func (s *Service) accessLifetime(pair token.Pair, claims *token.Claims) time.Duration {
	if pair.ExpiresIn > 0 {
		return pair.Lifetime()
	}
	return claims.ExpiresAt().Sub(s.nowFunc())
}
