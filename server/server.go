package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/jrsteele09/go-session-gateway/auth"
	"github.com/jrsteele09/go-session-gateway/internal/config"
	"github.com/jrsteele09/go-session-gateway/oauthbroker"
	"github.com/jrsteele09/go-session-gateway/tokenstore"
	"github.com/rs/zerolog/log"
)

// Server is the HTTP surface of the gateway
type Server struct {
	env      string // Environment (e.g., "DEV", "PROD")
	mux      *http.ServeMux
	handler  http.Handler
	routes   []string
	config   config.Config
	sessions *auth.Service
	oauth    *oauthbroker.Broker

	cookies tokenstore.CookieOptions
	maxAges tokenstore.MaxAges
}

func New(cfg config.Config, sessions *auth.Service, oauth *oauthbroker.Broker) *Server {
	s := &Server{
		env:      cfg.GetEnv(),
		mux:      http.NewServeMux(),
		config:   cfg,
		sessions: sessions,
		oauth:    oauth,
		cookies: tokenstore.CookieOptions{
			Secure: cfg.GetCookieSecure(),
			Domain: cfg.GetCookieDomain(),
		},
		maxAges: tokenstore.MaxAgesFromConfig(cfg),
	}

	s.initRoutes()
	s.handler = ChainHandler(s.mux, s.GlobalMiddleware()...)
	s.logRoutes()

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) RegisterRouteHandler(pattern string, handler http.Handler) {
	s.routes = append(s.routes, pattern)
	s.mux.Handle(pattern, handler)
}

func (s *Server) RegisterRouteFunc(pattern string, handler func(http.ResponseWriter, *http.Request)) {
	s.routes = append(s.routes, pattern)
	s.mux.HandleFunc(pattern, handler)
}

// tokenStore binds the client's cookies for this request
func (s *Server) tokenStore(w http.ResponseWriter, r *http.Request) *tokenstore.Store {
	return tokenstore.New(tokenstore.NewHTTPJar(w, r, s.cookies), s.maxAges)
}

func (s *Server) logRoutes() {
	if !strings.EqualFold(s.env, "DEV") {
		return
	}
	for _, route := range s.routes {
		method, path, found := strings.Cut(route, " ")
		if !found {
			method, path = "", route
		}
		log.Info().Msg(fmt.Sprintf("[%-16s] %s", colourMethod(method), path))
	}
}
