package server

import (
	"errors"
	"net/http"
	"net/url"

	autherrors "github.com/jrsteele09/go-session-gateway/internal/errors"
	"github.com/jrsteele09/go-session-gateway/oauthbroker"
	"github.com/rs/zerolog"
)

// OAuthStartHandler sends the browser to the provider. ?redirect= names the page
// to land on afterwards.
func (s *Server) OAuthStartHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		provider := r.PathValue("provider")
		authURL, err := s.oauth.InitiateOAuth(r.Context(), s.tokenStore(w, r), provider, r.URL.Query().Get("redirect"))
		if err != nil {
			zerolog.Ctx(r.Context()).Info().Err(err).Str("provider", provider).Msg("oauth start failed")
			writeServiceError(w, err)
			return
		}
		http.Redirect(w, r, authURL, http.StatusFound)
	}
}

// OAuthCallbackHandler finishes the flow and redirects to the stored page, the
// two-factor page, or the login page with a generic error.
func (s *Server) OAuthCallbackHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		provider := r.PathValue("provider")
		q := r.URL.Query()
		cb := oauthbroker.Callback{
			Code:             q.Get("code"),
			State:            q.Get("state"),
			Error:            q.Get("error"),
			ErrorDescription: q.Get("error_description"),
		}

		result, err := s.oauth.HandleOAuthCallback(r.Context(), s.tokenStore(w, r), provider, cb)
		if err != nil {
			zerolog.Ctx(r.Context()).Warn().Err(err).Str("provider", provider).Msg("oauth callback failed")
			if errors.Is(err, autherrors.ErrUnsupportedProvider) {
				writeServiceError(w, err)
				return
			}
			http.Redirect(w, r, PageLogin+"?error=oauth_failed", http.StatusFound)
			return
		}

		if result.Login.TwoFactorRequired() {
			http.Redirect(w, r, PageTwoFactor, http.StatusFound)
			return
		}
		http.Redirect(w, r, result.RedirectTo, http.StatusFound)
	}
}

// OAuthFormPostHandler accepts response_mode=form_post callbacks. The flow
// cookies are SameSite=Lax and so absent from a cross-site POST; re-issuing the
// callback as a top-level GET brings them back.
func (s *Server) OAuthFormPostHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		if err := r.ParseForm(); err != nil {
			writeJSONError(w, "invalid_request", "Failed to parse form data", http.StatusBadRequest)
			return
		}

		params := url.Values{}
		for _, key := range []string{"code", "state", "error", "error_description"} {
			if v := r.PostForm.Get(key); v != "" {
				params.Set(key, v)
			}
		}
		target := url.URL{Path: r.URL.Path, RawQuery: params.Encode()}
		http.Redirect(w, r, target.String(), http.StatusSeeOther)
	}
}
