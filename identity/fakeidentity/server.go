// Package fakeidentity is an in-process Identity API: password and OAuth login,
// TOTP step-up, refresh rotation with replay detection, logout and a jti blacklist.
// It backs the gateway's tests and cmd/identity-dev.
package fakeidentity

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jrsteele09/go-session-gateway/identity"
	"github.com/jrsteele09/go-session-gateway/token"
	"github.com/jrsteele09/go-session-gateway/token/jwt"
	"github.com/jrsteele09/go-session-gateway/token/keys"
	"github.com/jrsteele09/go-session-gateway/token/refresh"
	"github.com/jrsteele09/go-session-gateway/users"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/rs/zerolog/log"
)

const challengeTTL = 5 * time.Minute

type challenge struct {
	userID    string
	expiresAt time.Time
}

type failure struct {
	status int
	times  int
}

type issuedToken struct {
	jti string
	exp time.Time
}

// Server is the fake Identity API
type Server struct {
	signer    keys.Signer
	creator   *jwt.Creator
	validator *jwt.Validator
	refresh   *refresh.Manager
	accounts  *AccountRepo
	nowFunc   func() time.Time

	mu         sync.Mutex
	revoked    map[string]time.Time     // jti to exp
	issued     map[string][]issuedToken // user id to access tokens
	challenges map[string]challenge
	identities map[string]string // provider|token to user id
	failures   map[string]*failure
	latency    map[string]time.Duration

	calls sync.Map // path to *atomic.Int64
}

type Option func(*Server)

func WithNowFunc(now func() time.Time) Option {
	return func(s *Server) {
		s.nowFunc = now
	}
}

func WithTokenExpiry(accessTokenTTL, refreshTokenTTL time.Duration) Option {
	return func(s *Server) {
		s.creator = jwt.NewCreator(s.signer,
			jwt.WithIssuer("fake-identity"),
			jwt.WithTokenExpiry(accessTokenTTL, refreshTokenTTL),
			jwt.WithCreatorNowFunc(func() time.Time { return s.nowFunc() }))
	}
}

// New creates a fake Identity API signing with signer
func New(signer keys.Signer, options ...Option) *Server {
	s := &Server{
		signer:     signer,
		accounts:   NewAccountRepo(),
		nowFunc:    time.Now,
		revoked:    make(map[string]time.Time),
		issued:     make(map[string][]issuedToken),
		challenges: make(map[string]challenge),
		identities: make(map[string]string),
		failures:   make(map[string]*failure),
		latency:    make(map[string]time.Duration),
	}
	s.creator = jwt.NewCreator(signer,
		jwt.WithIssuer("fake-identity"),
		jwt.WithCreatorNowFunc(func() time.Time { return s.nowFunc() }))
	for _, opt := range options {
		opt(s)
	}
	s.refresh = refresh.NewManager(refresh.NewInMemoryRepo(), refresh.WithNowFunc(func() time.Time { return s.nowFunc() }))
	s.validator = jwt.NewValidator(signer, jwt.WithNowFunc(func() time.Time { return s.nowFunc() }))
	return s
}

// Verifier is what the gateway should validate tokens with
func (s *Server) Verifier() keys.Verifier {
	return s.signer
}

// AddUser registers a password account and returns the stored user
func (s *Server) AddUser(user users.User, password string) (*users.User, error) {
	hash, err := users.HashPassword(password)
	if err != nil {
		return nil, err
	}
	account := &Account{User: user, PasswordHash: hash}
	if err := s.accounts.Upsert(account); err != nil {
		return nil, err
	}
	return account.User.Clone(), nil
}

// EnableTwoFactor generates a TOTP secret for the user and returns it
func (s *Server) EnableTwoFactor(userID string) (string, error) {
	account, err := s.accounts.Get(userID)
	if err != nil {
		return "", err
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      "fake-identity",
		AccountName: account.User.Email,
		Period:      30,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", err
	}
	account.TOTPSecret = key.Secret()
	return key.Secret(), s.accounts.Upsert(account)
}

// LinkOAuthIdentity makes identityToken from provider log in as userID
func (s *Server) LinkOAuthIdentity(provider, identityToken, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identities[provider+"|"+identityToken] = userID
}

// Revoke blacklists a jti as if an administrator had revoked it
func (s *Server) Revoke(jti string, exp time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked[jti] = exp
}

// FailNext makes the next n calls to path answer with status
func (s *Server) FailNext(path string, status, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[path] = &failure{status: status, times: n}
}

// SetLatency delays every call to path
func (s *Server) SetLatency(path string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency[path] = d
}

// Calls returns how many requests path has received
func (s *Server) Calls(path string) int64 {
	v, ok := s.calls.Load(path)
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load()
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /login", s.instrument("/login", s.handleLogin))
	mux.HandleFunc("POST /refresh", s.instrument("/refresh", s.handleRefresh))
	mux.HandleFunc("POST /logout", s.instrument("/logout", s.handleLogout))
	mux.HandleFunc("POST /logout-all", s.instrument("/logout-all", s.handleLogoutAll))
	mux.HandleFunc("POST /oauth/login", s.instrument("/oauth/login", s.handleOAuthLogin))
	mux.HandleFunc("POST /2fa/verify", s.instrument("/2fa/verify", s.handleVerifyTwoFactor))
	mux.HandleFunc("GET /blacklist/{jti}", s.instrument("/blacklist", s.handleBlacklist))
	return mux
}

func (s *Server) instrument(path string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counter, _ := s.calls.LoadOrStore(path, &atomic.Int64{})
		counter.(*atomic.Int64).Add(1)

		s.mu.Lock()
		delay := s.latency[path]
		var status int
		if f, ok := s.failures[path]; ok && f.times > 0 {
			status = f.status
			f.times--
		}
		s.mu.Unlock()

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		if status != 0 {
			writeError(w, status, "injected_failure", "failure injected for "+path)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req identity.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "email and password are required")
		return
	}

	account, err := s.accounts.GetByEmail(req.Email)
	if err != nil || !users.CheckPasswordHash(req.Password, account.PasswordHash) {
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid email or password")
		return
	}
	s.respondAuthenticated(w, account)
}

func (s *Server) handleOAuthLogin(w http.ResponseWriter, r *http.Request) {
	var req identity.OAuthLoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Provider == "" || req.Token == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "provider and token are required")
		return
	}

	s.mu.Lock()
	userID, ok := s.identities[req.Provider+"|"+req.Token]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid_token", "unknown provider identity")
		return
	}
	account, err := s.accounts.Get(userID)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_token", "unknown provider identity")
		return
	}
	s.respondAuthenticated(w, account)
}

func (s *Server) respondAuthenticated(w http.ResponseWriter, account *Account) {
	if account.TOTPSecret != "" {
		challengeToken := randomToken()
		s.mu.Lock()
		s.challenges[challengeToken] = challenge{userID: account.User.ID, expiresAt: s.nowFunc().Add(challengeTTL)}
		s.mu.Unlock()

		writeJSON(w, http.StatusOK, identity.AuthResponse{
			RequiresTwoFactor: true,
			UserID:            account.User.ID,
			Email:             account.User.Email,
			ChallengeToken:    challengeToken,
		})
		return
	}

	resp, err := s.issue(&account.User, "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleVerifyTwoFactor(w http.ResponseWriter, r *http.Request) {
	var req identity.TwoFactorVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" || req.Code == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "userId and code are required")
		return
	}

	s.mu.Lock()
	c, ok := s.challenges[req.ChallengeToken]
	s.mu.Unlock()
	if !ok || c.userID != req.UserID || !s.nowFunc().Before(c.expiresAt) {
		writeError(w, http.StatusUnauthorized, "invalid_challenge", "two factor challenge expired or unknown")
		return
	}

	account, err := s.accounts.Get(req.UserID)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_challenge", "two factor challenge expired or unknown")
		return
	}
	valid, err := totp.ValidateCustom(req.Code, account.TOTPSecret, s.nowFunc().UTC(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil || !valid {
		writeError(w, http.StatusUnauthorized, "invalid_code", "the verification code is incorrect")
		return
	}

	s.mu.Lock()
	delete(s.challenges, req.ChallengeToken)
	s.mu.Unlock()

	resp, err := s.issue(&account.User, "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req identity.RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "refreshToken is required")
		return
	}

	claims, err := s.validator.ValidateLocal(req.RefreshToken, token.TypeRefresh)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_grant", err.Error())
		return
	}
	stored, err := s.refresh.Consume(claims.ID)
	if err != nil {
		if errors.Is(err, refresh.ErrReplayed) {
			log.Warn().Str("user_id", claims.Subject).Msg("refresh token replayed, family revoked")
		}
		writeError(w, http.StatusUnauthorized, "invalid_grant", err.Error())
		return
	}

	account, err := s.accounts.Get(stored.UserID)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_grant", "user no longer exists")
		return
	}
	resp, err := s.issue(&account.User, stored.FamilyID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if claims, err := s.validator.ValidateLocal(bearerToken(r), token.TypeAccess); err == nil {
		s.Revoke(claims.ID, claims.ExpiresAt())
	}

	var req identity.LogoutRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.RefreshToken != "" {
		if claims, err := s.validator.ValidateLocal(req.RefreshToken, token.TypeRefresh); err == nil {
			if err := s.refresh.RevokeFamily(claims.ID); err != nil {
				writeError(w, http.StatusInternalServerError, "server_error", err.Error())
				return
			}
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	claims, err := s.validator.ValidateLocal(bearerToken(r), token.TypeAccess)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_token", err.Error())
		return
	}

	var req identity.LogoutAllRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	keepJTI := ""
	if req.KeepRefreshToken != "" {
		if keep, err := s.validator.ValidateLocal(req.KeepRefreshToken, token.TypeRefresh); err == nil {
			keepJTI = keep.ID
		}
	}
	if _, err := s.refresh.RevokeUser(claims.Subject, keepJTI); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	// Outstanding access tokens are blacklisted, apart from the caller's own
	s.mu.Lock()
	kept := s.issued[claims.Subject][:0]
	for _, t := range s.issued[claims.Subject] {
		if t.jti == claims.ID {
			kept = append(kept, t)
			continue
		}
		s.revoked[t.jti] = t.exp
	}
	s.issued[claims.Subject] = kept
	s.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBlacklist(w http.ResponseWriter, r *http.Request) {
	jti := r.PathValue("jti")

	s.mu.Lock()
	exp, ok := s.revoked[jti]
	if ok && !s.nowFunc().Before(exp) {
		delete(s.revoked, jti)
		ok = false
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, identity.BlacklistResponse{Blacklisted: ok})
}

// issue creates a token pair, tracking the refresh token in familyID ("" starts a new family)
func (s *Server) issue(user *users.User, familyID string) (*identity.AuthResponse, error) {
	pair, refreshClaims, err := s.creator.CreatePair(user)
	if err != nil {
		return nil, err
	}
	if _, err := s.refresh.Track(refreshClaims, familyID); err != nil {
		return nil, err
	}

	accessClaims, err := s.validator.ValidateLocal(pair.AccessToken, token.TypeAccess)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.issued[user.ID] = append(s.issued[user.ID], issuedToken{jti: accessClaims.ID, exp: accessClaims.ExpiresAt()})
	s.mu.Unlock()

	return &identity.AuthResponse{
		User:         user.Clone(),
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresIn:    pair.ExpiresIn,
	}, nil
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(header, "Bearer ")
}

func randomToken() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, identity.ErrorResponse{Error: code, Description: description})
}
