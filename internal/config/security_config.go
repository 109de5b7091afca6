package config

import "time"

type SecurityConfig interface {
	GetJWTSecret() string
	GetJWTPublicKeyPEM() string
	GetIdentityTimeout() time.Duration
	GetBlacklistCacheTTL() time.Duration
}

type Security struct{}

var _ SecurityConfig = Security{}

// GetJWTSecret is the HS256 secret shared with the Identity API. Ignored when a public key is set.
func (Security) GetJWTSecret() string {
	return GetEnv("JWT_SECRET", "")
}

// GetJWTPublicKeyPEM is the RS256 verification key of the Identity API
func (Security) GetJWTPublicKeyPEM() string {
	return GetEnv("JWT_PUBLIC_KEY", "")
}

// GetIdentityTimeout bounds every identity-affecting call (login, refresh, exchange, 2fa)
func (Security) GetIdentityTimeout() time.Duration {
	return GetEnvDuration("IDENTITY_TIMEOUT", 10*time.Second)
}

func (Security) GetBlacklistCacheTTL() time.Duration {
	return GetEnvDuration("BLACKLIST_CACHE_TTL", 30*time.Second)
}
