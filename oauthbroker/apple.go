package oauthbroker

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jrsteele09/go-session-gateway/internal/config"
	"github.com/jrsteele09/go-session-gateway/token/keys"
	"golang.org/x/oauth2"
)

const (
	appleAudience        = "https://appleid.apple.com"
	appleClientSecretTTL = 5 * time.Minute
)

// NewApple returns the Sign in with Apple provider. Apple has no static client
// secret: each exchange signs a short-lived ES256 JWT with the team's key. The
// callback arrives as a form post.
func NewApple(creds config.ProviderCredentials, redirectURL string, options ...ProviderOption) (Provider, error) {
	if creds.TeamID == "" || creds.KeyID == "" || creds.PrivateKeyPEM == "" {
		return nil, fmt.Errorf("[NewApple] team id, key id and private key are required")
	}
	key, err := keys.LoadECPrivateKeyFromPEM(creds.KeyID, creds.PrivateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("[NewApple] %w", err)
	}

	p := newProvider(Apple, creds, redirectURL, appleEndpoint, []string{"email", "name"})
	p.useIDToken = true
	p.pkce = true
	p.authParams = []oauth2.AuthCodeOption{oauth2.SetAuthURLParam("response_mode", "form_post")}
	p.secret = func() (string, error) {
		return AppleClientSecret(key, creds.TeamID, creds.ClientID, time.Now())
	}
	return p.apply(options), nil
}

// AppleClientSecret signs the client_secret Apple expects on the token endpoint
func AppleClientSecret(key *keys.KeyPair, teamID, clientID string, now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Issuer:    teamID,
		Subject:   clientID,
		Audience:  jwt.ClaimStrings{appleAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(appleClientSecretTTL)),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	tok.Header["kid"] = key.KeyID
	signed, err := tok.SignedString(key.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign apple client secret: %w", err)
	}
	return signed, nil
}
