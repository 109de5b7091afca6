package oauthbroker

import (
	"context"
	"crypto/subtle"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jrsteele09/go-session-gateway/auth"
	"github.com/jrsteele09/go-session-gateway/internal/config"
	autherrors "github.com/jrsteele09/go-session-gateway/internal/errors"
	"github.com/jrsteele09/go-session-gateway/metrics"
	"github.com/jrsteele09/go-session-gateway/tokenstore"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Phase is a step of the authorization code flow
type Phase string

const (
	PhaseIdle                   Phase = "idle"
	PhaseAuthorizationRequested Phase = "authorization_requested"
	PhaseCallbackPending        Phase = "callback_pending"
	PhaseExchanged              Phase = "exchanged"
	PhaseSessionEstablished     Phase = "session_established"
	PhaseTwoFactorRequired      Phase = "two_factor_required"
	PhaseAborted                Phase = "aborted"
)

// LoginCompleter turns a provider identity token into a session
type LoginCompleter interface {
	OAuthLogin(ctx context.Context, store *tokenstore.Store, provider, identityToken string) (*auth.LoginResult, error)
}

// Callback is what the provider sent back to the redirect URI
type Callback struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// CallbackResult is a completed flow and where to send the user next
type CallbackResult struct {
	Login      *auth.LoginResult
	RedirectTo string
}

type Broker struct {
	providers       map[string]Provider
	sessions        LoginCompleter
	flowTTL         time.Duration
	exchangeTimeout time.Duration
	nowFunc         func() time.Time
	logger          zerolog.Logger
}

type Option func(*Broker)

func WithFlowTTL(ttl time.Duration) Option {
	return func(b *Broker) {
		b.flowTTL = ttl
	}
}

// WithExchangeTimeout bounds the code exchange with the provider
func WithExchangeTimeout(timeout time.Duration) Option {
	return func(b *Broker) {
		b.exchangeTimeout = timeout
	}
}

func WithNowFunc(now func() time.Time) Option {
	return func(b *Broker) {
		b.nowFunc = now
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(b *Broker) {
		b.logger = logger
	}
}

func New(sessions LoginCompleter, providers []Provider, options ...Option) *Broker {
	b := &Broker{
		providers:       make(map[string]Provider, len(providers)),
		sessions:        sessions,
		flowTTL:         600 * time.Second,
		exchangeTimeout: 10 * time.Second,
		nowFunc:         time.Now,
		logger:          log.Logger,
	}
	for _, p := range providers {
		b.providers[p.Name()] = p
	}
	for _, opt := range options {
		opt(b)
	}
	return b
}

// ProvidersFromConfig builds every provider that has a client id configured.
// Redirect URIs are baseURL plus the configured callback path.
func ProvidersFromConfig(ctx context.Context, cfg config.ProviderConfig, baseURL string) ([]Provider, error) {
	var providers []Provider
	for _, name := range []string{Google, Apple, Facebook, GitHub} {
		creds := cfg.GetProviderCredentials(name)
		if !creds.Configured() {
			continue
		}
		redirectURL := baseURL + strings.ReplaceAll(cfg.GetOAuthCallbackPath(), "{provider}", name)

		var options []ProviderOption
		if cfg.GetVerifyIDTokens() {
			options = append(options, WithRemoteIDTokenVerification(ctx))
		}

		switch name {
		case Google:
			providers = append(providers, NewGoogle(creds, redirectURL, options...))
		case Apple:
			p, err := NewApple(creds, redirectURL, options...)
			if err != nil {
				return nil, err
			}
			providers = append(providers, p)
		case Facebook:
			providers = append(providers, NewFacebook(creds, redirectURL))
		case GitHub:
			providers = append(providers, NewGitHub(creds, redirectURL))
		}
	}
	return providers, nil
}

// Provider returns the named provider, or ErrUnsupportedProvider
func (b *Broker) Provider(name string) (Provider, error) {
	p, ok := b.providers[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", autherrors.ErrUnsupportedProvider, name)
	}
	return p, nil
}

// Providers lists the configured provider names
func (b *Broker) Providers() []string {
	names := make([]string, 0, len(b.providers))
	for name := range b.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// InitiateOAuth starts a flow and returns the provider URL to send the user to.
// Starting again for the same provider replaces the earlier flow.
func (b *Broker) InitiateOAuth(ctx context.Context, store *tokenstore.Store, provider, redirectTo string) (string, error) {
	p, err := b.Provider(provider)
	if err != nil {
		return "", err
	}

	flow := newFlowState(p.Name(), SanitizeRedirect(redirectTo), b.nowFunc())
	saveFlowState(store.Jar(), flow, b.flowTTL)
	b.transition(p.Name(), PhaseAuthorizationRequested)

	return p.AuthCodeURL(flow.State, flow.CodeChallenge), nil
}

// HandleOAuthCallback finishes a flow. The flow state is consumed whatever the
// outcome, and nothing is written to the client unless a session or a two-factor
// challenge results.
func (b *Broker) HandleOAuthCallback(ctx context.Context, store *tokenstore.Store, provider string, cb Callback) (*CallbackResult, error) {
	p, err := b.Provider(provider)
	if err != nil {
		return nil, err
	}
	name := p.Name()
	b.transition(name, PhaseCallbackPending)

	jar := store.Jar()
	flow := loadFlowState(jar, name)

	if cb.Error != "" {
		clearFlowState(jar, name)
		return nil, b.abort(name, fmt.Errorf("%w: %s %s", autherrors.ErrProviderDenied, cb.Error, cb.ErrorDescription))
	}

	if flow.State == "" || cb.State == "" || subtle.ConstantTimeCompare([]byte(flow.State), []byte(cb.State)) != 1 {
		clearFlowState(jar, name)
		return nil, b.abort(name, autherrors.ErrStateMismatch)
	}

	clearFlowState(jar, name)

	if flow.expired(b.nowFunc(), b.flowTTL) {
		return nil, b.abort(name, fmt.Errorf("%w: flow started %s is past its %s lifetime", autherrors.ErrStateMismatch, flow.CreatedAt.Format(time.RFC3339), b.flowTTL))
	}
	if cb.Code == "" {
		return nil, b.abort(name, fmt.Errorf("%w: missing authorization code", autherrors.ErrInvalidRequest))
	}
	if flow.CodeVerifier == "" && p.RequiresPKCE() {
		return nil, b.abort(name, autherrors.ErrMissingVerifier)
	}

	exchangeCtx, cancel := context.WithTimeout(ctx, b.exchangeTimeout)
	identityToken, err := p.Exchange(exchangeCtx, cb.Code, flow.CodeVerifier)
	cancel()
	if err != nil {
		return nil, b.abort(name, fmt.Errorf("%w: %w", autherrors.ErrProviderExchange, err))
	}
	b.transition(name, PhaseExchanged)

	result, err := b.sessions.OAuthLogin(ctx, store, name, identityToken)
	if err != nil {
		return nil, b.abort(name, err)
	}

	if result.TwoFactorRequired() {
		b.transition(name, PhaseTwoFactorRequired)
	} else {
		b.transition(name, PhaseSessionEstablished)
	}

	// The redirect cookie is client controlled, so it is checked again on the way out
	return &CallbackResult{Login: result, RedirectTo: SanitizeRedirect(flow.RedirectTo)}, nil
}

func (b *Broker) transition(provider string, phase Phase) {
	metrics.ObserveOAuthPhase(provider, string(phase))
	b.logger.Debug().Str("provider", provider).Str("phase", string(phase)).Msg("oauth flow")
}

func (b *Broker) abort(provider string, err error) error {
	metrics.ObserveOAuthPhase(provider, string(PhaseAborted))
	b.logger.Warn().Err(err).Str("provider", provider).Str("phase", string(PhaseAborted)).Msg("oauth flow aborted")
	return err
}
