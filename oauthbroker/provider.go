// Package oauthbroker runs the browser side of social login: it sends the user to
// the provider with PKCE, checks the callback, exchanges the code and hands the
// provider's identity token to the Identity API.
package oauthbroker

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/jrsteele09/go-session-gateway/internal/config"
	autherrors "github.com/jrsteele09/go-session-gateway/internal/errors"
	"golang.org/x/oauth2"
)

// Supported providers
const (
	Google   = "google"
	Apple    = "apple"
	Facebook = "facebook"
	GitHub   = "github"
)

// Provider is one social identity provider
type Provider interface {
	Name() string
	Scopes() []string
	// AuthCodeURL builds the authorization URL for an S256 code challenge
	AuthCodeURL(state, codeChallenge string) string
	// Exchange trades an authorization code for the token the Identity API accepts
	Exchange(ctx context.Context, code, verifier string) (string, error)
	// RequiresPKCE reports whether a callback without the code verifier must be refused
	RequiresPKCE() bool
}

var (
	googleEndpoint = oauth2.Endpoint{
		AuthURL:   "https://accounts.google.com/o/oauth2/auth",
		TokenURL:  "https://oauth2.googleapis.com/token",
		AuthStyle: oauth2.AuthStyleInParams,
	}
	appleEndpoint = oauth2.Endpoint{
		AuthURL:   "https://appleid.apple.com/auth/authorize",
		TokenURL:  "https://appleid.apple.com/auth/token",
		AuthStyle: oauth2.AuthStyleInParams,
	}
	facebookEndpoint = oauth2.Endpoint{
		AuthURL:  "https://www.facebook.com/v19.0/dialog/oauth",
		TokenURL: "https://graph.facebook.com/v19.0/oauth/access_token",
	}
	githubEndpoint = oauth2.Endpoint{
		AuthURL:  "https://github.com/login/oauth/authorize",
		TokenURL: "https://github.com/login/oauth/access_token",
	}
)

// Issuers and key sets used when id tokens are verified before being forwarded
const (
	googleIssuer  = "https://accounts.google.com"
	googleJWKSURL = "https://www.googleapis.com/oauth2/v3/certs"
	appleIssuer   = "https://appleid.apple.com"
	appleJWKSURL  = "https://appleid.apple.com/auth/keys"
)

type oauthProvider struct {
	name       string
	config     oauth2.Config
	pkce       bool
	useIDToken bool
	authParams []oauth2.AuthCodeOption
	secret     func() (string, error)
	idVerifier *oidc.IDTokenVerifier
	httpClient *http.Client
}

type ProviderOption func(*oauthProvider)

// WithEndpoint points the provider at a different authorization server
func WithEndpoint(endpoint oauth2.Endpoint) ProviderOption {
	return func(p *oauthProvider) {
		p.config.Endpoint = endpoint
	}
}

func WithHTTPClient(client *http.Client) ProviderOption {
	return func(p *oauthProvider) {
		p.httpClient = client
	}
}

// WithIDTokenVerifier checks id tokens locally before they are forwarded. Only
// providers that return an id token use it.
func WithIDTokenVerifier(verifier *oidc.IDTokenVerifier) ProviderOption {
	return func(p *oauthProvider) {
		p.idVerifier = verifier
	}
}

// WithRemoteIDTokenVerification verifies id tokens against the provider's published keys
func WithRemoteIDTokenVerification(ctx context.Context) ProviderOption {
	return func(p *oauthProvider) {
		switch p.name {
		case Google:
			p.idVerifier = oidc.NewVerifier(googleIssuer, oidc.NewRemoteKeySet(ctx, googleJWKSURL), &oidc.Config{ClientID: p.config.ClientID})
		case Apple:
			p.idVerifier = oidc.NewVerifier(appleIssuer, oidc.NewRemoteKeySet(ctx, appleJWKSURL), &oidc.Config{ClientID: p.config.ClientID})
		}
	}
}

func newProvider(name string, creds config.ProviderCredentials, redirectURL string, endpoint oauth2.Endpoint, scopes []string) *oauthProvider {
	return &oauthProvider{
		name: name,
		config: oauth2.Config{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			Endpoint:     endpoint,
			RedirectURL:  redirectURL,
			Scopes:       scopes,
		},
	}
}

func (p *oauthProvider) apply(options []ProviderOption) *oauthProvider {
	for _, opt := range options {
		opt(p)
	}
	return p
}

// NewGoogle returns the Google provider. Google answers with an id token.
func NewGoogle(creds config.ProviderCredentials, redirectURL string, options ...ProviderOption) Provider {
	p := newProvider(Google, creds, redirectURL, googleEndpoint, []string{"openid", "email", "profile"})
	p.useIDToken = true
	p.pkce = true
	return p.apply(options)
}

// NewFacebook returns the Facebook provider. The access token is forwarded and
// the code verifier is sent when the client still has it.
func NewFacebook(creds config.ProviderCredentials, redirectURL string, options ...ProviderOption) Provider {
	p := newProvider(Facebook, creds, redirectURL, facebookEndpoint, []string{"email", "public_profile"})
	return p.apply(options)
}

// NewGitHub returns the GitHub provider. Like Facebook, PKCE is best effort.
func NewGitHub(creds config.ProviderCredentials, redirectURL string, options ...ProviderOption) Provider {
	p := newProvider(GitHub, creds, redirectURL, githubEndpoint, []string{"user:email"})
	return p.apply(options)
}

func (p *oauthProvider) Name() string {
	return p.name
}

func (p *oauthProvider) Scopes() []string {
	return append([]string(nil), p.config.Scopes...)
}

func (p *oauthProvider) RequiresPKCE() bool {
	return p.pkce
}

// AuthCodeURL always carries the challenge, even for providers that do not insist on one
func (p *oauthProvider) AuthCodeURL(state, codeChallenge string) string {
	opts := append([]oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("code_challenge", codeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	}, p.authParams...)
	return p.config.AuthCodeURL(state, opts...)
}

func (p *oauthProvider) Exchange(ctx context.Context, code, verifier string) (string, error) {
	cfg := p.config
	if p.secret != nil {
		secret, err := p.secret()
		if err != nil {
			return "", fmt.Errorf("[%s Exchange] client secret: %w", p.name, err)
		}
		cfg.ClientSecret = secret
	}
	if p.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	}

	var opts []oauth2.AuthCodeOption
	if verifier != "" {
		opts = append(opts, oauth2.VerifierOption(verifier))
	}
	tok, err := cfg.Exchange(ctx, code, opts...)
	if err != nil {
		return "", fmt.Errorf("[%s Exchange] %w", p.name, err)
	}

	if !p.useIDToken {
		if tok.AccessToken == "" {
			return "", fmt.Errorf("[%s Exchange] %w: no access token in response", p.name, autherrors.ErrProviderExchange)
		}
		return tok.AccessToken, nil
	}

	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return "", fmt.Errorf("[%s Exchange] %w: no id token in response", p.name, autherrors.ErrProviderExchange)
	}
	if p.idVerifier != nil {
		if _, err := p.idVerifier.Verify(ctx, rawIDToken); err != nil {
			return "", fmt.Errorf("[%s Exchange] id token verification: %w", p.name, err)
		}
	}
	return rawIDToken, nil
}
