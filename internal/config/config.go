package config

type Config interface {
	EnvConfig
	CorsConfig
	CookieConfig
	SessionConfig
	ProviderConfig
	SecurityConfig
	RedisConfig
}

type EnvConfig interface {
	GetPort() string
	GetAppName() string
	GetEnv() string
	GetBaseURL() string
	GetIdentityAPIURL() string
	IsDev() bool
}

type CorsConfig interface {
	GetAllowedOrigins() AllowedOrigins
	GetAllowedMethods() []string
	GetAllowedHeaders() []string
}

type mainConfig struct {
	EnvVars
	Cors
	Cookies
	Session
	Providers
	Security
	Redis
}

func New() Config {
	return mainConfig{}
}
