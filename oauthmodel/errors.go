package oauthmodel

import (
	"fmt"
	"net/http"
)

// OAuth error codes returned to clients and browsers.
const (
	ErrCodeInvalidRequest       = "invalid_request"
	ErrCodeInvalidClient        = "invalid_client"
	ErrCodeInvalidRedirectURI   = "invalid_redirect_uri"
	ErrCodeInvalidScope         = "invalid_scope"
	ErrCodeLoginRequired        = "login_required"
	ErrCodeConsentRequired      = "consent_required"
	ErrCodeAccessDenied         = "access_denied"
	ErrCodeRequestNotSupported  = "request_not_supported"
	ErrCodeInvalidSession       = "invalid_session"
	ErrCodeMissingSession       = "missing_session"
	ErrCodeInvalidGrant         = "invalid_grant"
	ErrCodeUnsupportedGrantType = "unsupported_grant_type"
	ErrCodeBadCredentials       = "bad_credentials"
	ErrCodeInactiveUser         = "inactive_user"
	ErrCodeUserAlreadyExists    = "user_already_exists"
	ErrCodeWeakPassword         = "weak_password"
	ErrCodeInvalidField         = "invalid_field"
	ErrCodeProviderError        = "provider_error"
	ErrCodeServerError          = "server_error"
)

var defaultStatus = map[string]int{
	ErrCodeInvalidClient:  http.StatusUnauthorized,
	ErrCodeInactiveUser:   http.StatusForbidden,
	ErrCodeAccessDenied:   http.StatusForbidden,
	ErrCodeServerError:    http.StatusInternalServerError,
	ErrCodeProviderError:  http.StatusBadGateway,
	ErrCodeMissingSession: http.StatusBadRequest,
}

// Error is an OAuth protocol error. Status is the HTTP status used when the
// error is rendered directly rather than redirected.
type Error struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	Status      int    `json:"-"`
}

func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewError builds an Error with the conventional status for code (400 unless noted).
func NewError(code, description string) *Error {
	status, ok := defaultStatus[code]
	if !ok {
		status = http.StatusBadRequest
	}
	return &Error{Code: code, Description: description, Status: status}
}

func Errorf(code, format string, args ...any) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}
