package server

import (
	"net/http"
	"time"

	"github.com/rs/zerolog/hlog"

	"github.com/jrsteele09/authflow/auth"
	"github.com/jrsteele09/authflow/oauthmodel"
)

// requestCookies collects the flow cookies the browser presented.
func requestCookies(r *http.Request) auth.Cookies {
	value := func(name string) string {
		c, err := r.Cookie(name)
		if err != nil {
			return ""
		}
		return c.Value
	}
	return auth.Cookies{
		LoginSession:        value(auth.CookieLoginSession),
		RegistrationSession: value(auth.CookieRegistrationSession),
		SessionToken:        value(auth.CookieSessionToken),
		LoginHint:           value(auth.CookieLoginHint),
	}
}

func (s *Server) setCookies(w http.ResponseWriter, r *http.Request, changes []auth.CookieChange) {
	isSecure := s.config.GetCookieSecure() || getScheme(r) == "https"
	for _, ch := range changes {
		c := &http.Cookie{
			Name:     ch.Name,
			Value:    ch.Value,
			Path:     ch.Path,
			HttpOnly: true,
			Secure:   isSecure,
			SameSite: http.SameSiteLaxMode,
			Expires:  ch.Expires,
		}
		if ch.Clear() {
			c.MaxAge = -1
			c.Expires = time.Time{}
		}
		http.SetCookie(w, c)
	}
}

// respond applies an engine outcome: cookies first, then a redirect, a
// form_post page or a directly rendered error.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, out *auth.Outcome) {
	s.setCookies(w, r, out.Cookies)
	switch {
	case out.IsDirectError():
		s.renderError(w, r, out.Err)
	case out.ResponseMode == oauthmodel.FormPostResponseMode && len(out.Params) > 0:
		s.renderFormPost(w, r, out)
	default:
		http.Redirect(w, r, out.RedirectURL(), http.StatusFound)
	}
}

func (s *Server) renderError(w http.ResponseWriter, r *http.Request, oerr *oauthmodel.Error) {
	status := oerr.Status
	if status == 0 {
		status = http.StatusBadRequest
	}
	if status >= http.StatusInternalServerError {
		hlog.FromRequest(r).Error().Str("error", oerr.Code).Msg(oerr.Description)
	}
	s.render(w, r, status, "error.html", oerr)
}

func (s *Server) renderFormPost(w http.ResponseWriter, r *http.Request, out *auth.Outcome) {
	type field struct{ Name, Value string }
	data := struct {
		RedirectURI string
		Fields      []field
	}{RedirectURI: out.Location}
	for name, values := range out.Params {
		for _, v := range values {
			data.Fields = append(data.Fields, field{Name: name, Value: v})
		}
	}
	s.render(w, r, http.StatusOK, "form_post.html", data)
}

// render executes a page template. Pages are never cached.
func (s *Server) render(w http.ResponseWriter, r *http.Request, status int, name string, data any) {
	w.Header().Set("Content-Type", contentTypeHTML)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := s.templates.ExecuteTemplate(w, name, data); err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("template", name).Msg("render failed")
	}
}
