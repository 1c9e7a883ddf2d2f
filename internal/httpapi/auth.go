package httpapi

import (
	"crypto/hmac"
	"strings"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// authorizeAdmin checks a bearer token against the configured admin token.
// A server without an admin token never authorizes anyone.
func authorizeAdmin(authHeader, adminToken string) *authError {
	if adminToken == "" {
		return &authError{status: 403, code: "forbidden", message: "admin api is disabled"}
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return &authError{status: 401, code: "unauthorized", message: "missing or invalid bearer token"}
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if !hmac.Equal([]byte(token), []byte(adminToken)) {
		return &authError{status: 401, code: "unauthorized", message: "invalid admin token"}
	}
	return nil
}
