package oauthbroker_test

import (
	"context"
	"crypto"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jrsteele09/go-session-gateway/auth"
	"github.com/jrsteele09/go-session-gateway/identity"
	"github.com/jrsteele09/go-session-gateway/identity/fakeidentity"
	"github.com/jrsteele09/go-session-gateway/internal/config"
	autherrors "github.com/jrsteele09/go-session-gateway/internal/errors"
	"github.com/jrsteele09/go-session-gateway/oauthbroker"
	"github.com/jrsteele09/go-session-gateway/sessions"
	jwtpkg "github.com/jrsteele09/go-session-gateway/token/jwt"
	"github.com/jrsteele09/go-session-gateway/token/keys"
	"github.com/jrsteele09/go-session-gateway/tokenstore"
	"github.com/jrsteele09/go-session-gateway/users"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

const (
	googleIssuer   = "https://accounts.test"
	googleClientID = "google-client"
)

// providerServer is a stand-in authorization server token endpoint
type providerServer struct {
	mu       sync.Mutex
	calls    int
	status   int
	response map[string]any
	form     url.Values
}

func (p *providerServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()

	p.mu.Lock()
	p.calls++
	p.form = r.PostForm
	status, response := p.status, p.response
	p.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if status != 0 {
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
		return
	}
	_ = json.NewEncoder(w).Encode(response)
}

func (p *providerServer) respond(status int, response map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status, p.response = status, response
}

func (p *providerServer) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *providerServer) FormValue(key string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.form.Get(key)
}

// testClock is a settable clock for the broker
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// testFixture holds all test dependencies
type testFixture struct {
	fake       *fakeidentity.Server
	registry   *sessions.MemoryRegistry
	provider   *providerServer
	broker     *oauthbroker.Broker
	clock      *testClock
	user       *users.User
	googleKeys *keys.KeyPair
}

func setupTestFixture(t *testing.T) *testFixture {
	t.Helper()

	fake := fakeidentity.New(keys.NewHMACSigner("oauth-test-secret"))
	identitySrv := httptest.NewServer(fake.Handler())
	t.Cleanup(identitySrv.Close)

	user, err := fake.AddUser(users.User{Email: "social@example.com"}, "unused-password")
	require.NoError(t, err)

	client := identity.NewClient(identitySrv.URL)
	validator := jwtpkg.NewValidator(fake.Verifier())
	registry := sessions.NewMemoryRegistry()
	service := auth.NewService(client, registry, validator)

	provider := &providerServer{}
	providerSrv := httptest.NewServer(provider)
	t.Cleanup(providerSrv.Close)
	endpoint := oauth2.Endpoint{
		AuthURL:   "https://provider.test/authorize",
		TokenURL:  providerSrv.URL + "/token",
		AuthStyle: oauth2.AuthStyleInParams,
	}

	googleKeys, err := keys.GenerateRSAKeyPair("google-test", 2048)
	require.NoError(t, err)
	idVerifier := oidc.NewVerifier(googleIssuer,
		&oidc.StaticKeySet{PublicKeys: []crypto.PublicKey{googleKeys.PublicKey}},
		&oidc.Config{ClientID: googleClientID})

	redirect := func(name string) string {
		return "https://gateway.test/auth/oauth/" + name + "/callback"
	}
	providers := []oauthbroker.Provider{
		oauthbroker.NewGitHub(config.ProviderCredentials{ClientID: "github-client", ClientSecret: "github-secret"},
			redirect(oauthbroker.GitHub), oauthbroker.WithEndpoint(endpoint)),
		oauthbroker.NewGoogle(config.ProviderCredentials{ClientID: googleClientID, ClientSecret: "google-secret"},
			redirect(oauthbroker.Google), oauthbroker.WithEndpoint(endpoint), oauthbroker.WithIDTokenVerifier(idVerifier)),
	}
	apple, err := oauthbroker.NewApple(appleCredentials(t), redirect(oauthbroker.Apple), oauthbroker.WithEndpoint(endpoint))
	require.NoError(t, err)
	providers = append(providers, apple)

	clock := &testClock{now: time.Now()}
	return &testFixture{
		fake:       fake,
		registry:   registry,
		provider:   provider,
		broker:     oauthbroker.New(service, providers, oauthbroker.WithNowFunc(clock.Now)),
		clock:      clock,
		user:       user,
		googleKeys: googleKeys,
	}
}

func (f *testFixture) newStore() (*tokenstore.Store, *tokenstore.MemoryJar) {
	jar := tokenstore.NewMemoryJar(nil)
	return tokenstore.New(jar, tokenstore.DefaultMaxAges), jar
}

func (f *testFixture) googleIDToken(t *testing.T, audience string) string {
	t.Helper()
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		Issuer:    googleIssuer,
		Subject:   "google-user-1",
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	})
	tok.Header["kid"] = f.googleKeys.KeyID
	signed, err := tok.SignedString(f.googleKeys.PrivateKey)
	require.NoError(t, err)
	return signed
}

func TestInitiateOAuth(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	t.Run("URL carries client, redirect, state and PKCE challenge", func(t *testing.T) {
		store, jar := f.newStore()

		rawURL, err := f.broker.InitiateOAuth(ctx, store, oauthbroker.GitHub, "/dashboard")
		require.NoError(t, err)

		u, err := url.Parse(rawURL)
		require.NoError(t, err)
		q := u.Query()
		require.Equal(t, "github-client", q.Get("client_id"))
		require.Equal(t, "https://gateway.test/auth/oauth/github/callback", q.Get("redirect_uri"))
		require.Equal(t, "user:email", q.Get("scope"))
		require.Equal(t, "code", q.Get("response_type"))
		require.Equal(t, "S256", q.Get("code_challenge_method"))

		state, ok := jar.Get(oauthbroker.StateCookiePrefix + "github")
		require.True(t, ok)
		require.Equal(t, state, q.Get("state"))

		verifier, ok := jar.Get(oauthbroker.VerifierCookiePrefix + "github")
		require.True(t, ok)
		require.Equal(t, oauth2.S256ChallengeFromVerifier(verifier), q.Get("code_challenge"))

		redirectTo, ok := jar.Get(oauthbroker.RedirectCookiePrefix + "github")
		require.True(t, ok)
		require.Equal(t, "/dashboard", redirectTo)
	})

	t.Run("Google requests openid scopes", func(t *testing.T) {
		store, _ := f.newStore()
		rawURL, err := f.broker.InitiateOAuth(ctx, store, oauthbroker.Google, "")
		require.NoError(t, err)

		u, err := url.Parse(rawURL)
		require.NoError(t, err)
		require.Equal(t, "openid email profile", u.Query().Get("scope"))
	})

	t.Run("restarting replaces the earlier flow", func(t *testing.T) {
		store, jar := f.newStore()
		_, err := f.broker.InitiateOAuth(ctx, store, oauthbroker.GitHub, "")
		require.NoError(t, err)
		first, _ := jar.Get(oauthbroker.StateCookiePrefix + "github")

		_, err = f.broker.InitiateOAuth(ctx, store, oauthbroker.GitHub, "")
		require.NoError(t, err)
		second, _ := jar.Get(oauthbroker.StateCookiePrefix + "github")
		require.NotEqual(t, first, second)
	})

	t.Run("unknown provider", func(t *testing.T) {
		store, jar := f.newStore()
		_, err := f.broker.InitiateOAuth(ctx, store, "myspace", "/")
		require.ErrorIs(t, err, autherrors.ErrUnsupportedProvider)
		require.Empty(t, jar.Names())
	})

	t.Run("provider names", func(t *testing.T) {
		require.Equal(t, []string{"apple", "github", "google"}, f.broker.Providers())
	})
}

func TestHandleOAuthCallback(t *testing.T) {
	ctx := context.Background()

	t.Run("GitHub access token establishes a session", func(t *testing.T) {
		f := setupTestFixture(t)
		f.fake.LinkOAuthIdentity(oauthbroker.GitHub, "gh-access-token", f.user.ID)
		f.provider.respond(0, map[string]any{"access_token": "gh-access-token", "token_type": "bearer"})

		store, jar := f.newStore()
		_, err := f.broker.InitiateOAuth(ctx, store, oauthbroker.GitHub, "/settings?tab=security")
		require.NoError(t, err)
		state, _ := jar.Get(oauthbroker.StateCookiePrefix + "github")
		verifier, _ := jar.Get(oauthbroker.VerifierCookiePrefix + "github")

		result, err := f.broker.HandleOAuthCallback(ctx, store, oauthbroker.GitHub, oauthbroker.Callback{Code: "auth-code", State: state})
		require.NoError(t, err)
		require.NotNil(t, result.Login.Session)
		require.Equal(t, f.user.ID, result.Login.Session.UserID)
		require.Equal(t, "/settings?tab=security", result.RedirectTo)

		require.Equal(t, "auth-code", f.provider.FormValue("code"))
		require.Equal(t, verifier, f.provider.FormValue("code_verifier"))

		require.NotEmpty(t, store.AccessToken())
		require.Equal(t, result.Login.Session.ID, store.SessionID())
		_, ok := jar.Get(oauthbroker.StateCookiePrefix + "github")
		require.False(t, ok, "flow state must be consumed")
		require.Equal(t, 1, f.registry.Len())
	})

	t.Run("Google id token is verified and forwarded", func(t *testing.T) {
		f := setupTestFixture(t)
		idToken := f.googleIDToken(t, googleClientID)
		f.fake.LinkOAuthIdentity(oauthbroker.Google, idToken, f.user.ID)
		f.provider.respond(0, map[string]any{"access_token": "ya29", "token_type": "Bearer", "id_token": idToken})

		store, jar := f.newStore()
		_, err := f.broker.InitiateOAuth(ctx, store, oauthbroker.Google, "")
		require.NoError(t, err)
		state, _ := jar.Get(oauthbroker.StateCookiePrefix + "google")

		result, err := f.broker.HandleOAuthCallback(ctx, store, oauthbroker.Google, oauthbroker.Callback{Code: "c", State: state})
		require.NoError(t, err)
		require.NotNil(t, result.Login.Session)
		require.Equal(t, "/", result.RedirectTo)
	})

	t.Run("Google id token for another audience is rejected", func(t *testing.T) {
		f := setupTestFixture(t)
		f.provider.respond(0, map[string]any{"access_token": "ya29", "token_type": "Bearer", "id_token": f.googleIDToken(t, "someone-else")})

		store, jar := f.newStore()
		_, err := f.broker.InitiateOAuth(ctx, store, oauthbroker.Google, "")
		require.NoError(t, err)
		state, _ := jar.Get(oauthbroker.StateCookiePrefix + "google")

		_, err = f.broker.HandleOAuthCallback(ctx, store, oauthbroker.Google, oauthbroker.Callback{Code: "c", State: state})
		require.ErrorIs(t, err, autherrors.ErrProviderExchange)
		require.Zero(t, f.fake.Calls("/oauth/login"))
		require.Empty(t, jar.Names())
	})

	t.Run("wrong state makes no network call and writes nothing", func(t *testing.T) {
		f := setupTestFixture(t)
		store, jar := f.newStore()
		_, err := f.broker.InitiateOAuth(ctx, store, oauthbroker.GitHub, "/")
		require.NoError(t, err)

		_, err = f.broker.HandleOAuthCallback(ctx, store, oauthbroker.GitHub, oauthbroker.Callback{Code: "c", State: "forged"})
		require.ErrorIs(t, err, autherrors.ErrStateMismatch)
		require.Zero(t, f.provider.Calls())
		require.Zero(t, f.fake.Calls("/oauth/login"))
		require.Empty(t, jar.Names())
		require.Zero(t, f.registry.Len())
	})

	t.Run("callback without a flow is a state mismatch", func(t *testing.T) {
		f := setupTestFixture(t)
		store, _ := f.newStore()

		_, err := f.broker.HandleOAuthCallback(ctx, store, oauthbroker.GitHub, oauthbroker.Callback{Code: "c", State: "anything"})
		require.ErrorIs(t, err, autherrors.ErrStateMismatch)
		require.Zero(t, f.provider.Calls())
	})

	t.Run("failed exchange leaves no record and no cookies", func(t *testing.T) {
		f := setupTestFixture(t)
		f.provider.respond(http.StatusBadRequest, nil)

		store, jar := f.newStore()
		_, err := f.broker.InitiateOAuth(ctx, store, oauthbroker.GitHub, "/")
		require.NoError(t, err)
		state, _ := jar.Get(oauthbroker.StateCookiePrefix + "github")

		_, err = f.broker.HandleOAuthCallback(ctx, store, oauthbroker.GitHub, oauthbroker.Callback{Code: "c", State: state})
		require.ErrorIs(t, err, autherrors.ErrProviderExchange)
		require.Zero(t, f.fake.Calls("/oauth/login"))
		require.Zero(t, f.registry.Len())
		require.Empty(t, jar.Names())
	})

	for _, name := range []string{oauthbroker.Google, oauthbroker.Apple} {
		t.Run(name+" without its verifier is refused before the exchange", func(t *testing.T) {
			f := setupTestFixture(t)
			store, jar := f.newStore()
			_, err := f.broker.InitiateOAuth(ctx, store, name, "/")
			require.NoError(t, err)
			state, _ := jar.Get(oauthbroker.StateCookiePrefix + name)
			jar.Delete(oauthbroker.VerifierCookiePrefix + name)

			_, err = f.broker.HandleOAuthCallback(ctx, store, name, oauthbroker.Callback{Code: "c", State: state})
			require.ErrorIs(t, err, autherrors.ErrMissingVerifier)
			require.Zero(t, f.provider.Calls())
			require.Zero(t, f.fake.Calls("/oauth/login"))
			require.Empty(t, jar.Names())
		})
	}

	t.Run("GitHub without its verifier still exchanges the code", func(t *testing.T) {
		f := setupTestFixture(t)
		f.fake.LinkOAuthIdentity(oauthbroker.GitHub, "gh-no-pkce", f.user.ID)
		f.provider.respond(0, map[string]any{"access_token": "gh-no-pkce", "token_type": "bearer"})

		store, jar := f.newStore()
		_, err := f.broker.InitiateOAuth(ctx, store, oauthbroker.GitHub, "/")
		require.NoError(t, err)
		state, _ := jar.Get(oauthbroker.StateCookiePrefix + "github")
		jar.Delete(oauthbroker.VerifierCookiePrefix + "github")

		result, err := f.broker.HandleOAuthCallback(ctx, store, oauthbroker.GitHub, oauthbroker.Callback{Code: "c", State: state})
		require.NoError(t, err)
		require.NotNil(t, result.Login.Session)
		require.Equal(t, 1, f.provider.Calls())
		require.Equal(t, "c", f.provider.FormValue("code"))
		require.Empty(t, f.provider.FormValue("code_verifier"))
	})

	t.Run("flow older than its lifetime is refused", func(t *testing.T) {
		f := setupTestFixture(t)
		store, jar := f.newStore()
		_, err := f.broker.InitiateOAuth(ctx, store, oauthbroker.GitHub, "/")
		require.NoError(t, err)
		state, _ := jar.Get(oauthbroker.StateCookiePrefix + "github")

		f.clock.Advance(601 * time.Second)
		_, err = f.broker.HandleOAuthCallback(ctx, store, oauthbroker.GitHub, oauthbroker.Callback{Code: "c", State: state})
		require.ErrorIs(t, err, autherrors.ErrStateMismatch)
		require.Zero(t, f.provider.Calls())
		require.Empty(t, jar.Names())
	})

	t.Run("state without a start time is refused", func(t *testing.T) {
		f := setupTestFixture(t)
		store, jar := f.newStore()
		_, err := f.broker.InitiateOAuth(ctx, store, oauthbroker.GitHub, "/")
		require.NoError(t, err)
		jar.Set(oauthbroker.StateCookiePrefix+"github", "no-timestamp", time.Minute)

		_, err = f.broker.HandleOAuthCallback(ctx, store, oauthbroker.GitHub, oauthbroker.Callback{Code: "c", State: "no-timestamp"})
		require.ErrorIs(t, err, autherrors.ErrStateMismatch)
		require.Zero(t, f.provider.Calls())
	})

	t.Run("tampered redirect cookie falls back to the root", func(t *testing.T) {
		f := setupTestFixture(t)
		f.fake.LinkOAuthIdentity(oauthbroker.GitHub, "gh-redirect", f.user.ID)
		f.provider.respond(0, map[string]any{"access_token": "gh-redirect", "token_type": "bearer"})

		store, jar := f.newStore()
		_, err := f.broker.InitiateOAuth(ctx, store, oauthbroker.GitHub, "/dashboard")
		require.NoError(t, err)
		state, _ := jar.Get(oauthbroker.StateCookiePrefix + "github")
		jar.Set(oauthbroker.RedirectCookiePrefix+"github", "https://evil.test/phish", time.Minute)

		result, err := f.broker.HandleOAuthCallback(ctx, store, oauthbroker.GitHub, oauthbroker.Callback{Code: "c", State: state})
		require.NoError(t, err)
		require.Equal(t, "/", result.RedirectTo)
	})

	t.Run("provider error aborts and clears the flow", func(t *testing.T) {
		f := setupTestFixture(t)
		store, jar := f.newStore()
		_, err := f.broker.InitiateOAuth(ctx, store, oauthbroker.GitHub, "/")
		require.NoError(t, err)
		state, _ := jar.Get(oauthbroker.StateCookiePrefix + "github")

		_, err = f.broker.HandleOAuthCallback(ctx, store, oauthbroker.GitHub,
			oauthbroker.Callback{State: state, Error: "access_denied", ErrorDescription: "user cancelled"})
		require.ErrorIs(t, err, autherrors.ErrProviderDenied)
		require.Zero(t, f.provider.Calls())
		require.Empty(t, jar.Names())
	})

	t.Run("identity API rejects an unlinked identity", func(t *testing.T) {
		f := setupTestFixture(t)
		f.provider.respond(0, map[string]any{"access_token": "stranger", "token_type": "bearer"})

		store, jar := f.newStore()
		_, err := f.broker.InitiateOAuth(ctx, store, oauthbroker.GitHub, "/")
		require.NoError(t, err)
		state, _ := jar.Get(oauthbroker.StateCookiePrefix + "github")

		_, err = f.broker.HandleOAuthCallback(ctx, store, oauthbroker.GitHub, oauthbroker.Callback{Code: "c", State: state})
		require.ErrorIs(t, err, autherrors.ErrInvalidCredentials)
		require.Equal(t, int64(1), f.fake.Calls("/oauth/login"))
		require.Zero(t, f.registry.Len())
		require.Empty(t, jar.Names())
	})

	t.Run("two factor accounts stop at the gate", func(t *testing.T) {
		f := setupTestFixture(t)
		_, err := f.fake.EnableTwoFactor(f.user.ID)
		require.NoError(t, err)
		f.fake.LinkOAuthIdentity(oauthbroker.GitHub, "gh-2fa", f.user.ID)
		f.provider.respond(0, map[string]any{"access_token": "gh-2fa", "token_type": "bearer"})

		store, jar := f.newStore()
		_, err = f.broker.InitiateOAuth(ctx, store, oauthbroker.GitHub, "/")
		require.NoError(t, err)
		state, _ := jar.Get(oauthbroker.StateCookiePrefix + "github")

		result, err := f.broker.HandleOAuthCallback(ctx, store, oauthbroker.GitHub, oauthbroker.Callback{Code: "c", State: state})
		require.NoError(t, err)
		require.True(t, result.Login.TwoFactorRequired())
		require.Empty(t, store.AccessToken())
		require.Equal(t, []string{auth.TwoFactorPendingCookie}, jar.Names())
	})
}

func TestRequiresPKCE(t *testing.T) {
	creds := config.ProviderCredentials{ClientID: "id", ClientSecret: "secret"}
	apple, err := oauthbroker.NewApple(appleCredentials(t), "https://gateway.test/cb")
	require.NoError(t, err)

	cases := map[string]struct {
		provider oauthbroker.Provider
		want     bool
	}{
		oauthbroker.Google:   {oauthbroker.NewGoogle(creds, "https://gateway.test/cb"), true},
		oauthbroker.Apple:    {apple, true},
		oauthbroker.Facebook: {oauthbroker.NewFacebook(creds, "https://gateway.test/cb"), false},
		oauthbroker.GitHub:   {oauthbroker.NewGitHub(creds, "https://gateway.test/cb"), false},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, tc.want, tc.provider.RequiresPKCE())
		})
	}
}

func TestSanitizeRedirect(t *testing.T) {
	cases := map[string]string{
		"":                    "/",
		"/":                   "/",
		"/dashboard":          "/dashboard",
		"/a/b?c=d":            "/a/b?c=d",
		"https://evil.test/":  "/",
		"//evil.test/path":    "/",
		`/\evil.test`:         "/",
		"javascript:alert(1)": "/",
		"relative/path":       "/",
		"  /trimmed  ":        "/trimmed",
	}
	for input, want := range cases {
		t.Run(input, func(t *testing.T) {
			require.Equal(t, want, oauthbroker.SanitizeRedirect(input))
		})
	}
}
