package config

import (
	"strings"
	"time"
)

type ProviderConfig interface {
	GetOAuthFlowTTL() time.Duration
	GetOAuthCallbackPath() string
	GetProviderCredentials(provider string) ProviderCredentials
	GetVerifyIDTokens() bool
}

// ProviderCredentials are the registered client credentials for one identity provider
type ProviderCredentials struct {
	ClientID     string
	ClientSecret string

	// Apple only: the client secret is minted from these
	TeamID        string
	KeyID         string
	PrivateKeyPEM string
}

func (c ProviderCredentials) Configured() bool {
	return c.ClientID != ""
}

type Providers struct{}

var _ ProviderConfig = Providers{}

func (Providers) GetOAuthFlowTTL() time.Duration {
	return 600 * time.Second
}

// GetOAuthCallbackPath is appended to the base URL; "{provider}" is substituted
func (Providers) GetOAuthCallbackPath() string {
	return "/auth/oauth/{provider}/callback"
}

func (Providers) GetVerifyIDTokens() bool {
	return GetEnvBool("OAUTH_VERIFY_ID_TOKENS", false)
}

func (Providers) GetProviderCredentials(provider string) ProviderCredentials {
	prefix := strings.ToUpper(provider) + "_"
	return ProviderCredentials{
		ClientID:      GetEnv(prefix+"CLIENT_ID", ""),
		ClientSecret:  GetEnv(prefix+"CLIENT_SECRET", ""),
		TeamID:        GetEnv(prefix+"TEAM_ID", ""),
		KeyID:         GetEnv(prefix+"KEY_ID", ""),
		PrivateKeyPEM: GetEnv(prefix+"PRIVATE_KEY", ""),
	}
}
