package server

import (
	"context"
	"fmt"
	"html/template"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jrsteele09/authflow/auth"
	"github.com/jrsteele09/authflow/internal/config"
	"github.com/jrsteele09/authflow/internal/metrics"
	"github.com/jrsteele09/authflow/tenants"
)

type Server struct {
	env       string // Environment (e.g., "DEV", "PROD")
	router    chi.Router
	config    config.Config
	auth      *auth.Service
	tenants   tenants.Directory
	templates *template.Template
	logger    zerolog.Logger
	metrics   *metrics.Metrics
}

type Option func(*Server)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

func New(cfg config.Config, authService *auth.Service, directory tenants.Directory, options ...Option) (*Server, error) {
	if authService == nil {
		return nil, errors.New("[server.New] authorization service is required")
	}
	if directory == nil {
		return nil, errors.New("[server.New] tenant directory is required")
	}
	templates, err := ParseTemplates()
	if err != nil {
		return nil, errors.Wrap(err, "[server.New] templates")
	}

	s := &Server{
		env:       cfg.GetEnv(),
		config:    cfg,
		auth:      authService,
		tenants:   directory,
		templates: templates,
		logger:    log.Logger,
	}
	for _, opt := range options {
		opt(s)
	}

	s.initRoutes()
	s.logRoutes()
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return errors.Wrap(err, "[Server.ListenAndServe]")
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "[Server.ListenAndServe] shutdown")
	}
	return nil
}

func (s *Server) logRoutes() {
	if s.env != "DEV" {
		return // Skip logging in non-development environments
	}
	_ = chi.Walk(s.router, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		s.logger.Debug().Msg(formatRoute(method, route))
		return nil
	})
}

func formatRoute(method, path string) string {
	paddedMethod := fmt.Sprintf(" %-7s", method)
	color, ok := methodColors[method]
	if !ok {
		color = Gray
	}
	return fmt.Sprintf("[%s%s%s] %s", color, paddedMethod, ResetColor, path)
}

// Helper function to determine the scheme (http/https)
func getScheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	if scheme := r.Header.Get("X-Forwarded-Proto"); scheme != "" {
		return scheme
	}
	return "http"
}
