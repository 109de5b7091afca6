package config

import "time"

type SessionConfig interface {
	GetRefreshMargin() time.Duration
	GetRefreshRetryBackoff() time.Duration
	GetRefreshMaxFailures() int
	GetSessionLifetime() time.Duration
	GetTwoFactorPendingTTL() time.Duration
}

type Session struct{}

var _ SessionConfig = Session{}

// GetRefreshMargin is how long before access token expiry the scheduler refreshes
func (Session) GetRefreshMargin() time.Duration {
	return GetEnvDuration("REFRESH_MARGIN", 5*time.Minute)
}

func (Session) GetRefreshRetryBackoff() time.Duration {
	return GetEnvDuration("REFRESH_RETRY_BACKOFF", time.Minute)
}

// GetRefreshMaxFailures bounds consecutive scheduled refresh failures. 0 means unlimited.
func (Session) GetRefreshMaxFailures() int {
	return GetEnvInt("REFRESH_MAX_FAILURES", 0)
}

// GetSessionLifetime matches the refresh token lifetime
func (Session) GetSessionLifetime() time.Duration {
	return 7 * 24 * time.Hour
}

func (Session) GetTwoFactorPendingTTL() time.Duration {
	return 5 * time.Minute
}
