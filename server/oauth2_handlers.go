package server

import (
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"

	"github.com/jrsteele09/authflow/oauthmodel"
	"github.com/jrsteele09/authflow/token/keys"
)

const (
	contentTypeHTML = "text/html; charset=utf-8"
	contentTypeJSON = "application/json; charset=utf-8"
)

type jwksPublisher interface {
	GetJWKS() (*keys.JWKS, error)
}

// Authorize begins the authorization flow. The tenant is the one owning client_id.
func (s *Server) Authorize() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		params := oauthmodel.ParseAuthorizationParameters(r.URL.Query())
		s.respond(w, r, s.auth.Authorize(r.Context(), params, requestCookies(r)))
	}
}

// Token exchanges an authorization code or refresh token for tokens
func (s *Server) Token() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			writeJSONError(w, oauthmodel.NewError(oauthmodel.ErrCodeInvalidRequest, "failed to parse form data"))
			return
		}
		id, secret, hasBasic := r.BasicAuth()
		req := oauthmodel.ParseTokenRequest(r.PostForm, id, secret, hasBasic)

		resp, err := s.auth.Token(r.Context(), req)
		if err != nil {
			var oerr *oauthmodel.Error
			if !errors.As(err, &oerr) {
				hlog.FromRequest(r).Error().Err(err).Msg("token exchange failed")
				oerr = oauthmodel.NewError(oauthmodel.ErrCodeServerError, "internal error")
			}
			if oerr.Code == oauthmodel.ErrCodeInvalidClient && hasBasic {
				w.Header().Set("WWW-Authenticate", `Basic realm="token"`)
			}
			writeJSONError(w, oerr)
			return
		}

		w.Header().Set("Content-Type", contentTypeJSON)
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Pragma", "no-cache")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// JWKS returns the JSON Web Key Set used to validate the tenant's tokens
func (s *Server) JWKS() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t := tenantFromContext(r.Context())
		signer, err := s.tenants.SigningKey(r.Context(), t.ID)
		if err != nil {
			hlog.FromRequest(r).Error().Err(err).Str("tenant", t.ID).Msg("signing key unavailable")
			writeJSONError(w, oauthmodel.NewError(oauthmodel.ErrCodeServerError, "signing key unavailable"))
			return
		}
		publisher, ok := signer.(jwksPublisher)
		if !ok {
			writeJSONError(w, oauthmodel.NewError(oauthmodel.ErrCodeServerError, "signing key cannot be published"))
			return
		}
		jwks, err := publisher.GetJWKS()
		if err != nil {
			hlog.FromRequest(r).Error().Err(err).Str("tenant", t.ID).Msg("jwks export failed")
			writeJSONError(w, oauthmodel.NewError(oauthmodel.ErrCodeServerError, "jwks export failed"))
			return
		}

		w.Header().Set("Content-Type", contentTypeJSON)
		w.Header().Set("Cache-Control", "public, max-age=3600") // Cache for 1 hour
		_ = json.NewEncoder(w).Encode(jwks)
	}
}

func (s *Server) Health() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", contentTypeJSON)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}
}

// writeJSONError writes an OAuth2 error response
func writeJSONError(w http.ResponseWriter, oerr *oauthmodel.Error) {
	status := oerr.Status
	if status == 0 {
		status = http.StatusBadRequest
	}
	w.Header().Set("Content-Type", contentTypeJSON)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(oerr)
}
