// Command identity-dev runs the in-process Identity API for local development.
// Tokens are HS256 when JWT_SECRET is set, otherwise RS256 with a fresh key whose
// public half is printed for the gateway's JWT_PUBLIC_KEY.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jrsteele09/go-session-gateway/identity/fakeidentity"
	"github.com/jrsteele09/go-session-gateway/internal/config"
	"github.com/jrsteele09/go-session-gateway/token/keys"
	"github.com/jrsteele09/go-session-gateway/users"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("identity-dev failed")
	}
}

func run() error {
	signer, err := newSigner(config.GetEnv("JWT_SECRET", ""))
	if err != nil {
		return err
	}

	idp := fakeidentity.New(signer, fakeidentity.WithTokenExpiry(
		config.GetEnvDuration("DEV_ACCESS_TOKEN_TTL", 15*time.Minute),
		config.GetEnvDuration("DEV_REFRESH_TOKEN_TTL", 7*24*time.Hour),
	))
	if err := seed(idp); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              config.GetEnv("IDENTITY_DEV_ADDR", ":9000"),
		Handler:           idp.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", srv.Addr).Msg("identity-dev listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server.ListenAndServe %w", err)
	}
	return nil
}

func newSigner(secret string) (keys.Signer, error) {
	if secret != "" {
		return keys.NewHMACSigner(secret), nil
	}
	kp, err := keys.GenerateRSAKeyPair("identity-dev", 2048)
	if err != nil {
		return nil, err
	}
	pem, err := kp.ExportPublicKeyPEM()
	if err != nil {
		return nil, err
	}
	fmt.Printf("JWT_PUBLIC_KEY for the gateway:\n%s\n", pem)
	return keys.NewKeyPairSigner(kp), nil
}

func seed(idp *fakeidentity.Server) error {
	user, err := idp.AddUser(users.User{
		ID:        uuid.NewString(),
		Email:     config.GetEnv("DEV_USER_EMAIL", "dev@example.com"),
		FirstName: "Dev",
		LastName:  "User",
		Provider:  "password",
	}, config.GetEnv("DEV_USER_PASSWORD", "password"))
	if err != nil {
		return fmt.Errorf("seed user: %w", err)
	}
	log.Info().Str("email", user.Email).Str("userId", user.ID).Msg("seeded user")

	if config.GetEnvBool("DEV_USER_TWO_FACTOR", false) {
		secret, err := idp.EnableTwoFactor(user.ID)
		if err != nil {
			return fmt.Errorf("enable two-factor: %w", err)
		}
		log.Info().Str("totpSecret", secret).Msg("two-factor enabled for seeded user")
	}
	return nil
}
