package oauthbroker_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jrsteele09/go-session-gateway/internal/config"
	"github.com/jrsteele09/go-session-gateway/oauthbroker"
	"github.com/jrsteele09/go-session-gateway/token/keys"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func applePrivateKeyPEM(t *testing.T) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
}

func appleCredentials(t *testing.T) config.ProviderCredentials {
	t.Helper()
	return config.ProviderCredentials{
		ClientID:      "com.example.web",
		TeamID:        "TEAM123",
		KeyID:         "KEY456",
		PrivateKeyPEM: applePrivateKeyPEM(t),
	}
}

func TestAppleClientSecret(t *testing.T) {
	creds := appleCredentials(t)
	key, err := keys.LoadECPrivateKeyFromPEM(creds.KeyID, creds.PrivateKeyPEM)
	require.NoError(t, err)

	now := time.Now().Truncate(time.Second)
	secret, err := oauthbroker.AppleClientSecret(key, creds.TeamID, creds.ClientID, now)
	require.NoError(t, err)

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(secret, claims, func(tok *jwt.Token) (any, error) {
		return key.PublicKey, nil
	}, jwt.WithValidMethods([]string{"ES256"}))
	require.NoError(t, err)
	require.Equal(t, "KEY456", parsed.Header["kid"])
	require.Equal(t, "TEAM123", claims.Issuer)
	require.Equal(t, "com.example.web", claims.Subject)
	require.Equal(t, jwt.ClaimStrings{"https://appleid.apple.com"}, claims.Audience)
	require.Equal(t, now.Add(5*time.Minute).Unix(), claims.ExpiresAt.Unix())
}

func TestNewApple(t *testing.T) {
	t.Run("requires team key material", func(t *testing.T) {
		_, err := oauthbroker.NewApple(config.ProviderCredentials{ClientID: "com.example.web"}, "https://gateway.test/cb")
		require.Error(t, err)
	})

	t.Run("rejects a malformed key", func(t *testing.T) {
		creds := appleCredentials(t)
		creds.PrivateKeyPEM = "not a key"
		_, err := oauthbroker.NewApple(creds, "https://gateway.test/cb")
		require.Error(t, err)
	})

	t.Run("authorization uses form post", func(t *testing.T) {
		p, err := oauthbroker.NewApple(appleCredentials(t), "https://gateway.test/auth/oauth/apple/callback")
		require.NoError(t, err)
		require.True(t, p.RequiresPKCE())

		challenge := oauth2.S256ChallengeFromVerifier(oauth2.GenerateVerifier())
		u, err := url.Parse(p.AuthCodeURL("state-1", challenge))
		require.NoError(t, err)
		q := u.Query()
		require.Equal(t, "form_post", q.Get("response_mode"))
		require.Equal(t, "email name", q.Get("scope"))
		require.Equal(t, challenge, q.Get("code_challenge"))
		require.Equal(t, "S256", q.Get("code_challenge_method"))
		require.Equal(t, "com.example.web", q.Get("client_id"))
		require.Equal(t, "state-1", q.Get("state"))
	})

	t.Run("exchange signs a fresh client secret and returns the id token", func(t *testing.T) {
		provider := &providerServer{}
		provider.respond(0, map[string]any{"access_token": "a", "token_type": "Bearer", "id_token": "apple-id-token"})
		srv := httptest.NewServer(provider)
		defer srv.Close()

		p, err := oauthbroker.NewApple(appleCredentials(t), "https://gateway.test/cb",
			oauthbroker.WithEndpoint(oauth2.Endpoint{AuthURL: "https://apple.test/auth", TokenURL: srv.URL, AuthStyle: oauth2.AuthStyleInParams}))
		require.NoError(t, err)

		identityToken, err := p.Exchange(context.Background(), "code", "")
		require.NoError(t, err)
		require.Equal(t, "apple-id-token", identityToken)

		secret := provider.FormValue("client_secret")
		require.NotEmpty(t, secret)
		claims := &jwt.RegisteredClaims{}
		_, _, err = jwt.NewParser().ParseUnverified(secret, claims)
		require.NoError(t, err)
		require.Equal(t, "TEAM123", claims.Issuer)
		require.Empty(t, provider.FormValue("code_verifier"))
	})
}

type providerConfig struct {
	creds map[string]config.ProviderCredentials
}

func (c providerConfig) GetOAuthFlowTTL() time.Duration { return 600 * time.Second }
func (c providerConfig) GetOAuthCallbackPath() string   { return "/auth/oauth/{provider}/callback" }
func (c providerConfig) GetVerifyIDTokens() bool        { return false }
func (c providerConfig) GetProviderCredentials(provider string) config.ProviderCredentials {
	return c.creds[provider]
}

func TestProvidersFromConfig(t *testing.T) {
	cfg := providerConfig{creds: map[string]config.ProviderCredentials{
		oauthbroker.GitHub: {ClientID: "gh", ClientSecret: "s"},
		oauthbroker.Apple:  appleCredentials(t),
	}}

	providers, err := oauthbroker.ProvidersFromConfig(context.Background(), cfg, "https://gateway.test")
	require.NoError(t, err)
	require.Len(t, providers, 2)

	names := []string{providers[0].Name(), providers[1].Name()}
	require.ElementsMatch(t, []string{oauthbroker.Apple, oauthbroker.GitHub}, names)

	for _, p := range providers {
		u, err := url.Parse(p.AuthCodeURL("s", "challenge"))
		require.NoError(t, err)
		require.Equal(t, "https://gateway.test/auth/oauth/"+p.Name()+"/callback", u.Query().Get("redirect_uri"))
	}

	t.Run("broken apple key fails startup", func(t *testing.T) {
		bad := appleCredentials(t)
		bad.PrivateKeyPEM = "garbage"
		_, err := oauthbroker.ProvidersFromConfig(context.Background(), providerConfig{creds: map[string]config.ProviderCredentials{oauthbroker.Apple: bad}}, "https://gateway.test")
		require.Error(t, err)
	})
}
