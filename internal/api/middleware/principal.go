package middleware

import (
	"net/http"
	"strings"

	"github.com/kronk/taskengine/internal/api/shared"
)

// DefaultPrincipalHeader is set by the authenticating proxy in front of the server.
const DefaultPrincipalHeader = "X-Principal-ID"

// maxPrincipalLength bounds the header value stored with every task.
const maxPrincipalLength = 256

// PrincipalMiddleware trusts an upstream authentication layer and reads the
// caller's identity from a request header. Token verification is not done here.
type PrincipalMiddleware struct {
	header string
}

// NewPrincipalMiddleware reads the principal from header, or
// DefaultPrincipalHeader when header is empty.
func NewPrincipalMiddleware(header string) *PrincipalMiddleware {
	if header == "" {
		header = DefaultPrincipalHeader
	}
	return &PrincipalMiddleware{header: header}
}

// Require rejects requests without a principal with 401.
func (m *PrincipalMiddleware) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal := strings.TrimSpace(r.Header.Get(m.header))
		if principal == "" {
			shared.RespondWithError(w, r, http.StatusUnauthorized, "Principal header required")
			return
		}
		if len(principal) > maxPrincipalLength {
			shared.RespondWithError(w, r, http.StatusUnauthorized, "Invalid principal")
			return
		}
		next.ServeHTTP(w, r.WithContext(shared.WithPrincipal(r.Context(), principal)))
	})
}
