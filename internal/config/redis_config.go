package config

type RedisConfig interface {
	GetRedisURL() string
}

type Redis struct{}

var _ RedisConfig = Redis{}

// GetRedisURL enables the shared session registry when set (e.g. "redis://localhost:6379/0")
func (Redis) GetRedisURL() string {
	return GetEnv("REDIS_URL", "")
}
