package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/jrsteele09/go-session-gateway/auth"
	"github.com/jrsteele09/go-session-gateway/identity"
	"github.com/jrsteele09/go-session-gateway/internal/config"
	"github.com/jrsteele09/go-session-gateway/oauthbroker"
	"github.com/jrsteele09/go-session-gateway/scheduler"
	"github.com/jrsteele09/go-session-gateway/server"
	"github.com/jrsteele09/go-session-gateway/sessions"
	"github.com/jrsteele09/go-session-gateway/token/blacklist"
	"github.com/jrsteele09/go-session-gateway/token/jwt"
	"github.com/jrsteele09/go-session-gateway/token/keys"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const housekeepingInterval = time.Minute

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("error running server")
	}
	log.Info().Msg("server stopped")
}

func run() (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("recovered from panic")
			returnError = errors.New("panic recovered")
		}
	}()

	c := config.New()
	setupLogging(c)
	displayAppname(c.GetAppName())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, err := build(ctx, c)
	if err != nil {
		return err
	}
	defer g.close()

	go func() {
		if err := g.scheduler.Run(ctx, g.service); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("refresh scheduler stopped")
		}
	}()
	go g.housekeeping(ctx)

	srv := &http.Server{
		Addr:              c.GetPort(),
		Handler:           server.New(c, g.service, g.broker),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- listenAndServe(srv) }()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}
	return shutdown(srv)
}

// gateway is the wired object graph
type gateway struct {
	service   *auth.Service
	broker    *oauthbroker.Broker
	scheduler *scheduler.Scheduler
	cache     *blacklist.Cache
	memory    *sessions.MemoryRegistry
	redis     *redis.Client
}

func build(ctx context.Context, c config.Config) (*gateway, error) {
	g := &gateway{}

	verifier, err := keys.NewVerifier(c.GetJWTSecret(), c.GetJWTPublicKeyPEM())
	if err != nil {
		return nil, fmt.Errorf("[build] token verifier: %w", err)
	}

	identityClient := identity.NewClient(c.GetIdentityAPIURL(), identity.WithTimeout(c.GetIdentityTimeout()))

	var registry sessions.Registry
	var checker blacklist.Checker = identityClient
	if redisURL := c.GetRedisURL(); redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("[build] redis url: %w", err)
		}
		g.redis = redis.NewClient(opts)
		if err := g.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("[build] redis ping: %w", err)
		}
		registry = sessions.NewRedisRegistry(g.redis)
		checker = blacklist.NewRedisChecker(g.redis, blacklist.DefaultRedisKeyPrefix)
		log.Info().Str("addr", opts.Addr).Msg("using redis session registry and blacklist")
	} else {
		g.memory = sessions.NewMemoryRegistry()
		registry = g.memory
		log.Warn().Msg("REDIS_URL not set, sessions are held in process memory")
	}

	g.cache = blacklist.NewCache(checker, blacklist.WithTTLs(30*time.Minute, c.GetBlacklistCacheTTL()))
	validator := jwt.NewValidator(verifier, jwt.WithBlacklist(g.cache))

	g.scheduler = scheduler.New(
		scheduler.WithMargin(c.GetRefreshMargin()),
		scheduler.WithRetryBackoff(c.GetRefreshRetryBackoff()),
		scheduler.WithMaxFailures(c.GetRefreshMaxFailures()),
	)

	g.service = auth.NewService(identityClient, registry, validator,
		auth.WithScheduler(g.scheduler),
		auth.WithSessionLifetime(c.GetSessionLifetime()),
		auth.WithTwoFactorPendingTTL(c.GetTwoFactorPendingTTL()),
		auth.WithIdentityTimeout(c.GetIdentityTimeout()),
	)

	providers, err := oauthbroker.ProvidersFromConfig(ctx, c, c.GetBaseURL())
	if err != nil {
		return nil, fmt.Errorf("[build] oauth providers: %w", err)
	}
	g.broker = oauthbroker.New(g.service, providers,
		oauthbroker.WithFlowTTL(c.GetOAuthFlowTTL()),
		oauthbroker.WithExchangeTimeout(c.GetIdentityTimeout()),
	)
	log.Info().Strs("providers", g.broker.Providers()).Msg("oauth providers configured")

	return g, nil
}

// housekeeping drops expired blacklist cache entries and in-memory sessions
func (g *gateway) housekeeping(ctx context.Context) {
	ticker := time.NewTicker(housekeepingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.cache.Cleanup()
			if g.memory != nil {
				g.memory.Sweep()
			}
		}
	}
}

func (g *gateway) close() {
	if g.redis != nil {
		_ = g.redis.Close()
	}
}

func setupLogging(c config.EnvConfig) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if c.IsDev() {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		return
	}
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func listenAndServe(server *http.Server) error {
	log.Info().Str("addr", server.Addr).Msg("server listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server.ListenAndServe %w", err)
	}
	return nil
}

func shutdown(server *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
