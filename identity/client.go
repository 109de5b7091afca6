// Package identity is the HTTP client for the platform's Identity API, which
// issues, rotates and revokes tokens.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jrsteele09/go-session-gateway/token/blacklist"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var _ blacklist.Checker = (*Client)(nil)

const maxErrorBody = 4 << 10

// Client calls the Identity API. Calls that change identity state are bounded by
// the configured timeout and never retried; blacklist reads are retried with
// exponential backoff.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	newBackOff func() backoff.BackOff
	logger     zerolog.Logger
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.timeout = timeout
	}
}

// WithBackOff sets the retry policy for idempotent reads
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(c *Client) {
		c.newBackOff = newBackOff
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

func NewClient(baseURL string, options ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		timeout:    10 * time.Second,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxElapsedTime = 2 * time.Second
			return backoff.WithMaxRetries(b, 3)
		},
		logger: log.Logger,
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

func (c *Client) Login(ctx context.Context, email, password string) (*AuthResponse, error) {
	var resp AuthResponse
	if err := c.do(ctx, http.MethodPost, "/login", "", LoginRequest{Email: email, Password: password}, &resp); err != nil {
		return nil, fmt.Errorf("[identity Login] %w", err)
	}
	return &resp, nil
}

// Refresh exchanges a refresh token for a new pair. The old refresh token is spent
// whether or not the caller receives the answer.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*AuthResponse, error) {
	var resp AuthResponse
	if err := c.do(ctx, http.MethodPost, "/refresh", "", RefreshRequest{RefreshToken: refreshToken}, &resp); err != nil {
		return nil, fmt.Errorf("[identity Refresh] %w", err)
	}
	return &resp, nil
}

func (c *Client) Logout(ctx context.Context, accessToken, refreshToken string) error {
	if err := c.do(ctx, http.MethodPost, "/logout", accessToken, LogoutRequest{RefreshToken: refreshToken}, nil); err != nil {
		return fmt.Errorf("[identity Logout] %w", err)
	}
	return nil
}

// LogoutAll revokes every session of the access token's user except the one
// holding keepRefreshToken
func (c *Client) LogoutAll(ctx context.Context, accessToken, keepRefreshToken string) error {
	if err := c.do(ctx, http.MethodPost, "/logout-all", accessToken, LogoutAllRequest{KeepRefreshToken: keepRefreshToken}, nil); err != nil {
		return fmt.Errorf("[identity LogoutAll] %w", err)
	}
	return nil
}

func (c *Client) OAuthLogin(ctx context.Context, provider, identityToken string) (*AuthResponse, error) {
	var resp AuthResponse
	if err := c.do(ctx, http.MethodPost, "/oauth/login", "", OAuthLoginRequest{Provider: provider, Token: identityToken}, &resp); err != nil {
		return nil, fmt.Errorf("[identity OAuthLogin] %w", err)
	}
	return &resp, nil
}

func (c *Client) VerifyTwoFactor(ctx context.Context, req TwoFactorVerifyRequest) (*AuthResponse, error) {
	var resp AuthResponse
	if err := c.do(ctx, http.MethodPost, "/2fa/verify", "", req, &resp); err != nil {
		return nil, fmt.Errorf("[identity VerifyTwoFactor] %w", err)
	}
	return &resp, nil
}

// IsBlacklisted asks whether the jti was revoked. A 404 means it was not.
func (c *Client) IsBlacklisted(ctx context.Context, jti string) (bool, error) {
	var resp BlacklistResponse
	operation := func() error {
		err := c.do(ctx, http.MethodGet, "/blacklist/"+url.PathEscape(jti), "", nil, &resp)
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			if apiErr.Status == http.StatusNotFound {
				resp.Blacklisted = false
				return nil
			}
			if apiErr.Status < http.StatusInternalServerError {
				return backoff.Permanent(err)
			}
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Debug().Err(err).Dur("wait", wait).Str("jti", jti).Msg("retrying blacklist lookup")
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(c.newBackOff(), ctx), notify); err != nil {
		return false, fmt.Errorf("[identity IsBlacklisted] %w", err)
	}
	return resp.Blacklisted, nil
}

func (c *Client) do(ctx context.Context, method, path, bearer string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode, Code: http.StatusText(resp.StatusCode)}

	var body ErrorResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err := json.Unmarshal(data, &body); err == nil {
		if body.Error != "" {
			apiErr.Code = body.Error
		}
		apiErr.Message = body.Description
		if apiErr.Message == "" {
			apiErr.Message = body.Message
		}
	}
	return apiErr
}
