package server

import (
	"net/http"
	"strings"

	"github.com/jrsteele09/authflow/auth"
	"github.com/jrsteele09/authflow/oauthmodel"
	"github.com/jrsteele09/authflow/tenants"
)

// pageData is what every flow page template receives.
type pageData struct {
	View   any
	Error  string
	Prefix string // tenant route prefix, "" for the default tenant
	Slug   string
}

func newPageData(t *tenants.Tenant, view any) pageData {
	return pageData{View: view, Prefix: t.PathPrefix(), Slug: t.Slug}
}

func (s *Server) LoginPage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t := tenantFromContext(r.Context())
		view, oerr := s.auth.LoginScreen(r.Context(), t, requestCookies(r))
		if oerr != nil {
			s.renderError(w, r, oerr)
			return
		}
		data := newPageData(t, view)
		if r.URL.Query().Get("error") == oauthmodel.ErrCodeProviderError {
			data.Error = "Sign-in with the identity provider failed. Try again or use your password."
		}
		s.render(w, r, http.StatusOK, "login.html", data)
	}
}

func (s *Server) LoginSubmit() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t := tenantFromContext(r.Context())
		if err := r.ParseForm(); err != nil {
			s.renderError(w, r, oauthmodel.NewError(oauthmodel.ErrCodeInvalidRequest, "malformed form"))
			return
		}
		cookies := requestCookies(r)
		out := s.auth.Login(r.Context(), t, auth.LoginRequest{
			Email:    r.PostFormValue("email"),
			Password: r.PostFormValue("password"),
		}, cookies)
		if out.State == auth.StateNeedsLogin && out.IsDirectError() {
			view, oerr := s.auth.LoginScreen(r.Context(), t, cookies)
			if oerr != nil {
				s.renderError(w, r, oerr)
				return
			}
			view.LoginHint = strings.TrimSpace(r.PostFormValue("email"))
			data := newPageData(t, view)
			data.Error = out.Err.Description
			s.render(w, r, out.Err.Status, "login.html", data)
			return
		}
		s.respond(w, r, out)
	}
}

func (s *Server) RegisterPage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t := tenantFromContext(r.Context())
		view, oerr := s.auth.RegistrationScreen(r.Context(), t, requestCookies(r))
		if oerr != nil {
			s.renderError(w, r, oerr)
			return
		}
		s.render(w, r, http.StatusOK, "register.html", newPageData(t, view))
	}
}

func (s *Server) RegisterSubmit() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t := tenantFromContext(r.Context())
		if err := r.ParseForm(); err != nil {
			s.renderError(w, r, oauthmodel.NewError(oauthmodel.ErrCodeInvalidRequest, "malformed form"))
			return
		}
		req := auth.RegisterRequest{
			Email:    r.PostFormValue("email"),
			Password: r.PostFormValue("password"),
			Fields:   map[string]string{},
		}
		for _, def := range t.UserFields {
			if vs, ok := r.PostForm[def.Name]; ok {
				req.Fields[def.Name] = strings.Join(vs, ",")
			}
		}
		cookies := requestCookies(r)
		out := s.auth.Register(r.Context(), t, req, cookies)
		if out.State == auth.StateNeedsRegistration && out.IsDirectError() {
			view, oerr := s.auth.RegistrationScreen(r.Context(), t, cookies)
			if oerr != nil {
				s.renderError(w, r, oerr)
				return
			}
			if !view.EmailLocked {
				view.Email = strings.TrimSpace(req.Email)
			}
			data := newPageData(t, view)
			data.Error = out.Err.Description
			s.render(w, r, out.Err.Status, "register.html", data)
			return
		}
		s.respond(w, r, out)
	}
}

func (s *Server) ConsentPage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t := tenantFromContext(r.Context())
		view, oerr := s.auth.ConsentScreen(r.Context(), t, requestCookies(r))
		if oerr != nil {
			if oerr.Code == oauthmodel.ErrCodeLoginRequired {
				http.Redirect(w, r, t.PathPrefix()+RouteLogin, http.StatusFound)
				return
			}
			s.renderError(w, r, oerr)
			return
		}
		s.render(w, r, http.StatusOK, "consent.html", newPageData(t, view))
	}
}

func (s *Server) ConsentSubmit() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t := tenantFromContext(r.Context())
		if err := r.ParseForm(); err != nil {
			s.renderError(w, r, oauthmodel.NewError(oauthmodel.ErrCodeInvalidRequest, "malformed form"))
			return
		}
		out := s.auth.Consent(r.Context(), t, auth.ConsentRequest{
			Allow: r.PostFormValue("decision") == "allow",
		}, requestCookies(r))
		s.respond(w, r, out)
	}
}

func (s *Server) Logout() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t := tenantFromContext(r.Context())
		s.respond(w, r, s.auth.Logout(r.Context(), t, requestCookies(r)))
	}
}

func (s *Server) VerifyRequestPage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t := tenantFromContext(r.Context())
		s.render(w, r, http.StatusOK, "verify_request.html", struct{ TenantName string }{t.Name})
	}
}

// OAuthAuthorize starts a federated login: /oauth/authorize?tenant=&provider=.
// An empty tenant selects the default tenant.
func (s *Server) OAuthAuthorize() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var (
			t   *tenants.Tenant
			err error
		)
		if slug := r.URL.Query().Get("tenant"); slug != "" {
			t, err = s.tenants.GetBySlug(r.Context(), slug)
		} else {
			t, err = s.tenants.Default(r.Context())
		}
		if err != nil {
			s.tenantError(w, r, err)
			return
		}
		provider := r.URL.Query().Get("provider")
		if provider == "" {
			s.renderError(w, r, oauthmodel.NewError(oauthmodel.ErrCodeInvalidRequest, "provider is required"))
			return
		}
		s.respond(w, r, s.auth.OAuthAuthorize(r.Context(), t, provider, requestCookies(r)))
	}
}

func (s *Server) OAuthCallback() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t := tenantFromContext(r.Context())
		q := r.URL.Query()
		s.respond(w, r, s.auth.OAuthCallback(r.Context(), t, auth.CallbackParams{
			Code:             q.Get("code"),
			State:            q.Get("state"),
			Error:            q.Get("error"),
			ErrorDescription: q.Get("error_description"),
		}, requestCookies(r)))
	}
}
