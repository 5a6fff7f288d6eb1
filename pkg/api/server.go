package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/carehub/pkg/audit"
	"github.com/platinummonkey/carehub/pkg/auth"
	"github.com/platinummonkey/carehub/pkg/httputil"
	"github.com/platinummonkey/carehub/pkg/menu"
	"github.com/platinummonkey/carehub/pkg/middleware"
	"github.com/platinummonkey/carehub/pkg/observability"
	"github.com/platinummonkey/carehub/pkg/rbac"
	"github.com/platinummonkey/carehub/pkg/session"
)

// DefaultMaxBodyBytes caps request bodies when Services.MaxBodyBytes is unset
const DefaultMaxBodyBytes int64 = 1 << 20

// Rate limited routes
const (
	loginRoute  = "/sessions"
	switchRoute = "/sessions/current/switch"
)

// Services are the components the API exposes. Health, Metrics, Compliance and the
// limiters are optional.
type Services struct {
	Sessions  *session.Manager
	Verifier  auth.LoginVerifier
	Resolver  *rbac.Resolver
	Granter   *rbac.Granter
	Projector *menu.Projector

	// Compliance serves the audit trail to system administrators. Reads of it are
	// recorded through Recorder when set.
	Compliance audit.Store
	Recorder   *audit.Recorder

	Health  *observability.HealthChecker
	Metrics *observability.Metrics

	LoginLimiter  middleware.Limiter
	SwitchLimiter middleware.Limiter

	Logger       logrus.FieldLogger
	MaxBodyBytes int64
}

// Server routes the carehub API
type Server struct {
	services Services
	router   *mux.Router
	log      logrus.FieldLogger
}

// NewServer creates a new API server
func NewServer(services Services) *Server {
	if services.Logger == nil {
		services.Logger = logrus.StandardLogger()
	}
	if services.MaxBodyBytes <= 0 {
		services.MaxBodyBytes = DefaultMaxBodyBytes
	}

	s := &Server{
		services: services,
		router:   mux.NewRouter(),
		log:      services.Logger,
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all the API routes. The public, session and compliance groups
// are subrouters without matchers, so a request falls through to the next group when
// its path is not registered in the current one.
func (s *Server) setupRoutes() {
	if s.services.Metrics != nil {
		s.router.Use(observability.HTTPMetricsMiddleware(s.services.Metrics))
	}
	authn := middleware.NewAuthMiddleware(s.services.Sessions, s.log)
	sessions := session.NewHandlers(s.services.Sessions, s.services.Verifier)

	public := s.router.NewRoute().Subrouter()
	if s.services.LoginLimiter != nil {
		public.Use(s.limitRoute(http.MethodPost, loginRoute, s.services.LoginLimiter))
	}
	sessions.RegisterPublicRoutes(public)

	authed := s.router.NewRoute().Subrouter()
	authed.Use(authn.Handler)
	if s.services.SwitchLimiter != nil {
		authed.Use(s.limitRoute(http.MethodPost, switchRoute, s.services.SwitchLimiter))
	}
	sessions.RegisterRoutes(authed)
	rbac.NewHandlers(s.services.Resolver, s.services.Granter).RegisterRoutes(authed)
	menu.NewHandlers(s.services.Projector).RegisterRoutes(authed)

	if s.services.Compliance != nil {
		compliance := s.router.NewRoute().Subrouter()
		compliance.Use(authn.Handler, middleware.RequireSystemAdmin)
		var opts []audit.HandlerOption
		if s.services.Recorder != nil {
			opts = append(opts, audit.WithReadRecorder(s.services.Recorder, middleware.Caller))
		}
		audit.NewHandlers(s.services.Compliance, opts...).RegisterRoutes(compliance)
	}
}

// limitRoute applies limiter to a single route of a subrouter
func (s *Server) limitRoute(method, template string, limiter middleware.Limiter) mux.MiddlewareFunc {
	limited := middleware.NewRateLimitMiddleware(limiter, s.log)
	return func(next http.Handler) http.Handler {
		wrapped := limited.Handler(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == method && routeTemplate(r) == template {
				wrapped.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func routeTemplate(r *http.Request) string {
	route := mux.CurrentRoute(r)
	if route == nil {
		return ""
	}
	tmpl, err := route.GetPathTemplate()
	if err != nil {
		return ""
	}
	return tmpl
}

// ServeHTTP implements http.Handler without the outer middleware chain
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the router wrapped in the request middleware and an otelhttp span per
// request
func (s *Server) Handler() http.Handler {
	chain := httputil.Chain(
		httputil.RequestIDMiddleware(s.log),
		httputil.RecoveryMiddleware(s.log),
		httputil.LoggingMiddleware(s.log),
		httputil.MaxBytesMiddleware(s.services.MaxBodyBytes),
		httputil.ContentTypeMiddleware,
	)
	return otelhttp.NewHandler(chain(s.router), "carehub.api")
}

// HealthHandler serves /healthz, /readyz and /metrics for the health port
func (s *Server) HealthHandler() http.Handler {
	router := mux.NewRouter()
	if s.services.Health != nil {
		s.services.Health.RegisterRoutes(router)
	}
	if s.services.Metrics != nil {
		router.Handle("/metrics", s.services.Metrics.Handler()).Methods("GET")
	}
	return router
}
