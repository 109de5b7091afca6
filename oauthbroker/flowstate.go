package oauthbroker

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jrsteele09/go-session-gateway/tokenstore"
	"golang.org/x/oauth2"
)

// Flow state cookie prefixes; the provider name is appended
const (
	StateCookiePrefix    = "oauth-state-"
	VerifierCookiePrefix = "oauth-verifier-"
	RedirectCookiePrefix = "oauth-redirect-"
)

// FlowState is one in-flight authorization for a provider. It lives in the
// client's jar, so each client has at most one flow per provider. The state is
// "<unix start>.<random>", so the start time travels with it.
type FlowState struct {
	Provider      string
	State         string
	CodeVerifier  string
	CodeChallenge string
	RedirectTo    string
	CreatedAt     time.Time
}

func newFlowState(provider, redirectTo string, now time.Time) *FlowState {
	verifier := oauth2.GenerateVerifier()
	return &FlowState{
		Provider:      provider,
		State:         strconv.FormatInt(now.Unix(), 10) + "." + oauth2.GenerateVerifier(),
		CodeVerifier:  verifier,
		CodeChallenge: oauth2.S256ChallengeFromVerifier(verifier),
		RedirectTo:    redirectTo,
		CreatedAt:     now,
	}
}

func saveFlowState(jar tokenstore.Jar, flow *FlowState, ttl time.Duration) {
	jar.Set(StateCookiePrefix+flow.Provider, flow.State, ttl)
	jar.Set(VerifierCookiePrefix+flow.Provider, flow.CodeVerifier, ttl)
	if flow.RedirectTo != "" {
		jar.Set(RedirectCookiePrefix+flow.Provider, flow.RedirectTo, ttl)
	}
}

// loadFlowState returns whatever the jar still holds; missing parts are empty
func loadFlowState(jar tokenstore.Jar, provider string) *FlowState {
	flow := &FlowState{Provider: provider}
	flow.State, _ = jar.Get(StateCookiePrefix + provider)
	flow.CodeVerifier, _ = jar.Get(VerifierCookiePrefix + provider)
	flow.RedirectTo, _ = jar.Get(RedirectCookiePrefix + provider)
	flow.CreatedAt = stateCreatedAt(flow.State)
	return flow
}

// stateCreatedAt reads the start time out of a state; zero if there is none
func stateCreatedAt(state string) time.Time {
	prefix, _, found := strings.Cut(state, ".")
	if !found {
		return time.Time{}
	}
	sec, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil || sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

// expired reports whether the flow is older than ttl or has no start time
func (f *FlowState) expired(now time.Time, ttl time.Duration) bool {
	return f.CreatedAt.IsZero() || now.Sub(f.CreatedAt) > ttl
}

func clearFlowState(jar tokenstore.Jar, provider string) {
	for _, prefix := range []string{StateCookiePrefix, VerifierCookiePrefix, RedirectCookiePrefix} {
		if _, ok := jar.Get(prefix + provider); ok {
			jar.Delete(prefix + provider)
		}
	}
}

// SanitizeRedirect keeps only same-origin paths. Anything else becomes "/".
func SanitizeRedirect(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") || strings.Contains(raw, `\`) {
		return "/"
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "" || u.Host != "" || u.User != nil {
		return "/"
	}
	if u.RawQuery != "" {
		return u.EscapedPath() + "?" + u.RawQuery
	}
	return u.EscapedPath()
}
