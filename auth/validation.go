package auth

import (
	"time"

	"github.com/jrsteele09/authflow/clients"
	"github.com/jrsteele09/authflow/oauthmodel"
	"github.com/jrsteele09/authflow/sessions"
	"github.com/jrsteele09/authflow/tenants"
)

// resolveRedirectURI matches the requested redirect_uri against the client's
// registered URIs and the tenant defaults. An omitted redirect_uri resolves only
// when the client registered exactly one.
func resolveRedirectURI(client *clients.Client, tenant *tenants.Tenant, requested string) (string, bool) {
	if requested == "" {
		if len(client.RedirectURIs) == 1 {
			return client.RedirectURIs[0], true
		}
		return "", false
	}
	if clients.MatchRedirectURI(client.RedirectURIs, requested) || clients.MatchRedirectURI(tenant.DefaultRedirectURIs, requested) {
		return requested, true
	}
	return "", false
}

// usableSession reports whether an existing session token can complete ls
// without a new login. Reusing a session achieves ACR "0", so a request whose
// preferred acr_values entry is "1" always needs a fresh login.
func usableSession(st *sessions.SessionToken, ls *sessions.LoginSession, now time.Time) bool {
	if st == nil {
		return false
	}
	if oauthmodel.Prompt(ls.Prompt) == oauthmodel.PromptLogin {
		return false
	}
	if !st.SatisfiesMaxAge(ls.MaxAge, now) || !st.SatisfiesACR(ls.ACRValues) {
		return false
	}
	return len(ls.ACRValues) == 0 || ls.ACRValues[0] != sessions.ACRInteractive
}

// authorizedFor reports whether st may complete ls: either it was usable when
// the request arrived or the user authenticated during the request.
func authorizedFor(st *sessions.SessionToken, ls *sessions.LoginSession, now time.Time) bool {
	if st == nil || st.TenantID != ls.TenantID {
		return false
	}
	return ls.AchievedACR(st) == sessions.ACRInteractive || usableSession(st, ls, now)
}
