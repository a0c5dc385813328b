package auth

import (
	"net/url"
	"strings"
	"time"

	"github.com/jrsteele09/authflow/oauthmodel"
)

// State is the position of an authorization request in the flow.
type State string

const (
	StateStart                  State = "START"
	StateNeedsLogin             State = "NEEDS_LOGIN"
	StateNeedsRegistration      State = "NEEDS_REGISTRATION"
	StateNeedsOAuth             State = "NEEDS_OAUTH"
	StateNeedsConsent           State = "NEEDS_CONSENT"
	StateNeedsEmailVerification State = "NEEDS_EMAIL_VERIFICATION"
	StateCodeIssued             State = "CODE_ISSUED"
	StateDenied                 State = "DENIED"
	StateRejected               State = "REJECTED"
)

// Browser cookies carried between steps of the flow.
const (
	CookieLoginSession        = "login_session_token"
	CookieRegistrationSession = "registration_session_token"
	CookieSessionToken        = "session_token"
	CookieLoginHint           = "login_hint"
)

// Cookies are the flow cookies presented by the browser.
type Cookies struct {
	LoginSession        string
	RegistrationSession string
	SessionToken        string
	LoginHint           string
}

// CookieChange sets a cookie until Expires, or clears it when Value is empty.
type CookieChange struct {
	Name    string
	Value   string
	Path    string
	Expires time.Time
}

func (c CookieChange) Clear() bool {
	return c.Value == ""
}

// Outcome is the result of one engine operation. With Err and no Location the
// error is rendered directly; otherwise the browser goes to Location, carrying
// Params according to ResponseMode when Location is the client's redirect_uri.
type Outcome struct {
	State        State
	Location     string
	ResponseMode oauthmodel.ResponseModeType
	Params       url.Values
	Cookies      []CookieChange
	Err          *oauthmodel.Error
}

// IsDirectError reports whether the outcome must be shown to the user instead of redirected.
func (o *Outcome) IsDirectError() bool {
	return o.Err != nil && o.Location == ""
}

// RedirectURL is Location with Params encoded in the query or fragment.
// form_post responses are rendered by the transport instead.
func (o *Outcome) RedirectURL() string {
	if len(o.Params) == 0 {
		return o.Location
	}
	if o.ResponseMode == oauthmodel.FragmentResponseMode {
		base, _, _ := strings.Cut(o.Location, "#")
		return base + "#" + o.Params.Encode()
	}
	u, err := url.Parse(o.Location)
	if err != nil {
		return o.Location
	}
	q := u.Query()
	for k, vs := range o.Params {
		q[k] = vs
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (o *Outcome) setCookie(name, value, path string, expires time.Time) {
	o.Cookies = append(o.Cookies, CookieChange{Name: name, Value: value, Path: path, Expires: expires})
}

func (o *Outcome) clearCookie(name, path string) {
	o.Cookies = append(o.Cookies, CookieChange{Name: name, Path: path})
}

func directError(state State, err *oauthmodel.Error) *Outcome {
	return &Outcome{State: state, Err: err}
}

// clientError sends err back to the client's redirect_uri.
func clientError(state State, redirectURI string, mode oauthmodel.ResponseModeType, clientState string, err *oauthmodel.Error) *Outcome {
	params := url.Values{"error": {err.Code}}
	if err.Description != "" {
		params.Set("error_description", err.Description)
	}
	if clientState != "" {
		params.Set("state", clientState)
	}
	return &Outcome{State: state, Location: redirectURI, ResponseMode: mode, Params: params, Err: err}
}
