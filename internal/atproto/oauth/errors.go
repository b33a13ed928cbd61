package oauth

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthRequestNotFound is returned when a callback carries a state
	// value with no pending authorization request. Treated as a forged or
	// expired callback.
	ErrAuthRequestNotFound = errors.New("oauth auth request not found")
)

// TokenError is a structured error response from a token endpoint.
type TokenError struct {
	StatusCode  int
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

func (e *TokenError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("token endpoint error %d: %s (%s)", e.StatusCode, e.Code, e.Description)
	}
	return fmt.Sprintf("token endpoint error %d: %s", e.StatusCode, e.Code)
}

// useDPoPNonce reports whether the error is the server demanding a DPoP
// nonce, which permits exactly one retry with the supplied nonce.
func (e *TokenError) useDPoPNonce() bool {
	return e.Code == "use_dpop_nonce"
}
