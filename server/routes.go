package server

import (
	"net/http"

	"github.com/jrsteele09/go-session-gateway/metrics"
)

func (s *Server) initRoutes() {
	// Password login, 2FA and session lifecycle
	s.RegisterRouteFunc("POST "+RouteAuthLogin, s.LoginHandler())
	s.RegisterRouteFunc("POST "+RouteAuthLogout, s.LogoutHandler())
	s.RegisterRouteFunc("POST "+RouteAuthLogoutAll, s.LogoutAllHandler())
	s.RegisterRouteFunc("POST "+RouteAuthRefresh, s.RefreshHandler())
	s.RegisterRouteFunc("POST "+RouteTwoFactorVerify, s.TwoFactorVerifyHandler())
	s.RegisterRouteHandler("GET "+RouteAuthSession, ChainMiddleware(s.SessionHandler(), s.RequireSession()))

	// Social login
	s.RegisterRouteFunc("GET "+RouteOAuthStart, s.OAuthStartHandler())
	s.RegisterRouteFunc("GET "+RouteOAuthCallback, s.OAuthCallbackHandler())
	s.RegisterRouteFunc("POST "+RouteOAuthCallback, s.OAuthFormPostHandler()) // For form_post response mode

	s.RegisterRouteFunc("GET "+RouteHealth, s.HealthHandler())
	s.RegisterRouteHandler("GET "+RouteMetrics, metrics.Handler())
}

// HealthHandler reports liveness
func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
