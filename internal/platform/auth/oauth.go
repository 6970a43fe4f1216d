package auth

import "fmt"

// OAuth 2.0 error codes used by the token endpoints.
const (
	ErrCodeInvalidRequest = "invalid_request"
	ErrCodeInvalidGrant   = "invalid_grant"
	ErrCodeInvalidToken   = "invalid_token"
)

// OAuthError represents an OAuth 2.0 error response.
type OAuthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}
