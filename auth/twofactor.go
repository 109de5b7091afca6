package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jrsteele09/go-session-gateway/identity"
	autherrors "github.com/jrsteele09/go-session-gateway/internal/errors"
	"github.com/jrsteele09/go-session-gateway/tokenstore"
)

// TwoFactorPendingCookie holds the challenge between login and verification
const TwoFactorPendingCookie = "two-factor-pending"

// TwoFactorChallenge is what the client must answer before tokens are issued
type TwoFactorChallenge struct {
	UserID         string `json:"userId"`
	Email          string `json:"email"`
	ChallengeToken string `json:"challengeToken,omitempty"`
}

// PendingTwoFactor returns the challenge waiting for this client, if any
func (s *Service) PendingTwoFactor(store *tokenstore.Store) (*TwoFactorChallenge, bool) {
	raw, ok := store.Jar().Get(TwoFactorPendingCookie)
	if !ok {
		return nil, false
	}
	data, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return nil, false
	}
	var challenge TwoFactorChallenge
	if err := json.Unmarshal(data, &challenge); err != nil || challenge.UserID == "" {
		return nil, false
	}
	return &challenge, true
}

// VerifyTwoFactor answers the pending challenge. A wrong code leaves the challenge
// in place so the user can try again.
func (s *Service) VerifyTwoFactor(ctx context.Context, store *tokenstore.Store, code string) (*LoginResult, error) {
	challenge, ok := s.PendingTwoFactor(store)
	if !ok {
		return nil, autherrors.ErrNoPendingTwoFactor
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, fmt.Errorf("%w: code is required", autherrors.ErrInvalidRequest)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.identityTimeout)
	defer cancel()

	resp, err := s.identity.VerifyTwoFactor(callCtx, identity.TwoFactorVerifyRequest{
		UserID:         challenge.UserID,
		Code:           code,
		ChallengeToken: challenge.ChallengeToken,
	})
	if err != nil {
		if identity.IsTerminal(err) {
			s.logger.Info().Str("user_id", challenge.UserID).Msg("two factor verification rejected")
			return nil, fmt.Errorf("%w: %w", autherrors.ErrTwoFactorFailed, err)
		}
		return nil, fmt.Errorf("[AuthService VerifyTwoFactor] %w", err)
	}
	if resp.RequiresTwoFactor {
		return nil, autherrors.ErrTwoFactorFailed
	}
	return s.CompleteLogin(ctx, store, resp)
}

func (s *Service) setPendingTwoFactor(store *tokenstore.Store, challenge *TwoFactorChallenge) {
	data, err := json.Marshal(challenge)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to encode two factor challenge")
		return
	}
	store.Jar().Set(TwoFactorPendingCookie, base64.RawURLEncoding.EncodeToString(data), s.pendingTTL)
}

func (s *Service) clearPendingTwoFactor(store *tokenstore.Store) {
	if _, ok := store.Jar().Get(TwoFactorPendingCookie); ok {
		store.Jar().Delete(TwoFactorPendingCookie)
	}
}
