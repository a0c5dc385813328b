package server

import "time"

// Route path constants
const (
	// Routes shared by every tenant
	RouteAuthorize      = "/authorize"
	RouteToken          = "/token"
	RouteOAuthAuthorize = "/oauth/authorize"
	RouteHealth         = "/healthz"
	RouteMetrics        = "/metrics"

	// Routes under the tenant prefix ("" for the default tenant, "/{slug}" otherwise)
	RouteLogin         = "/login"
	RouteRegister      = "/register"
	RouteConsent       = "/consent"
	RouteLogout        = "/logout"
	RouteVerifyRequest = "/verify-request"
	RouteOAuthCallback = "/oauth/callback"

	RouteWellKnownJWKS = "/.well-known/jwks.json"
)

const (
	tenantSlugParam = "tenant"
	shutdownTimeout = 15 * time.Second
)
