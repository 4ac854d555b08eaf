package auth

import (
	"fmt"
	"net/http"
)

// OAuth error codes returned by the registration and token endpoints.
const (
	ErrInvalidRequest       = "invalid_request"
	ErrInvalidClient        = "invalid_client"
	ErrInvalidGrant         = "invalid_grant"
	ErrUnauthorizedClient   = "unauthorized_client"
	ErrUnsupportedGrantType = "unsupported_grant_type"
	ErrInvalidScope         = "invalid_scope"
)

var oauthStatus = map[string]int{
	ErrInvalidRequest:       http.StatusBadRequest,
	ErrInvalidClient:        http.StatusUnauthorized,
	ErrInvalidGrant:         http.StatusBadRequest,
	ErrUnauthorizedClient:   http.StatusForbidden,
	ErrUnsupportedGrantType: http.StatusBadRequest,
	ErrInvalidScope:         http.StatusForbidden,
}

// OAuthError represents an OAuth2 error response.
type OAuthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Status returns the HTTP status for the error code. Unknown codes map
// to 500.
func (e *OAuthError) Status() int {
	if s, ok := oauthStatus[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

func oauthErr(code, format string, args ...interface{}) *OAuthError {
	return &OAuthError{Code: code, Description: fmt.Sprintf(format, args...)}
}
