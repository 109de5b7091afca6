package config

import "time"

type CookieConfig interface {
	GetCookieSecure() bool
	GetCookieDomain() string
	GetAccessTokenMaxAge() time.Duration
	GetRefreshTokenMaxAge() time.Duration
	GetSessionIDMaxAge() time.Duration
}

type Cookies struct{}

var _ CookieConfig = Cookies{}

// GetCookieSecure can only be switched off in the DEV environment
func (Cookies) GetCookieSecure() bool {
	if !(EnvVars{}).IsDev() {
		return true
	}
	return GetEnvBool("COOKIE_SECURE", true)
}

func (Cookies) GetCookieDomain() string {
	return GetEnv("COOKIE_DOMAIN", "")
}

func (Cookies) GetAccessTokenMaxAge() time.Duration {
	return 30 * time.Minute
}

func (Cookies) GetRefreshTokenMaxAge() time.Duration {
	return 7 * 24 * time.Hour
}

func (Cookies) GetSessionIDMaxAge() time.Duration {
	return 30 * 24 * time.Hour
}
