package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func (s *Server) initRoutes() {
	r := chi.NewRouter()
	r.Use(s.RequestLoggingMiddleware()...)
	r.Use(middleware.Recoverer)
	r.Use(s.MetricsMiddleware)

	r.Get(RouteHealth, s.Health())
	r.Handle(RouteMetrics, s.metrics.Handler())

	r.Get(RouteAuthorize, s.Authorize())
	r.With(s.CorsMiddleware).Post(RouteToken, s.Token())
	r.With(s.CorsMiddleware).Options(RouteToken, func(http.ResponseWriter, *http.Request) {})
	r.Get(RouteOAuthAuthorize, s.OAuthAuthorize())

	// The default tenant is served without a prefix, every other tenant under its slug.
	r.Group(func(r chi.Router) {
		r.Use(s.DefaultTenantMiddleware)
		s.tenantRoutes(r)
	})
	r.Route("/{"+tenantSlugParam+"}", func(r chi.Router) {
		r.Use(s.TenantSlugMiddleware)
		s.tenantRoutes(r)
	})
	s.router = r
}

func (s *Server) tenantRoutes(r chi.Router) {
	r.Get(RouteWellKnownJWKS, s.JWKS())

	r.Group(func(r chi.Router) {
		r.Use(s.FrameSecurityMiddleware)
		r.Get(RouteLogin, s.LoginPage())
		r.Post(RouteLogin, s.LoginSubmit())
		r.Get(RouteRegister, s.RegisterPage())
		r.Post(RouteRegister, s.RegisterSubmit())
		r.Get(RouteConsent, s.ConsentPage())
		r.Post(RouteConsent, s.ConsentSubmit())
		r.Post(RouteLogout, s.Logout())
		r.Get(RouteVerifyRequest, s.VerifyRequestPage())
		r.Get(RouteOAuthCallback, s.OAuthCallback())
	})
}
