package server

// Route path constants
const (
	RouteAuthLogin     = "/auth/login"
	RouteAuthLogout    = "/auth/logout"
	RouteAuthLogoutAll = "/auth/logout-all"
	RouteAuthRefresh   = "/auth/refresh"
	RouteAuthSession   = "/auth/session"

	RouteTwoFactorVerify = "/auth/2fa/verify"

	// {provider} is one of the configured social providers
	RouteOAuthStart    = "/auth/oauth/{provider}"
	RouteOAuthCallback = "/auth/oauth/{provider}/callback"

	RouteHealth  = "/healthz"
	RouteMetrics = "/metrics"
)

// Browser pages the OAuth callback redirects to. They belong to the front end.
const (
	PageLogin     = "/login"
	PageTwoFactor = "/two-factor"
)
