package middleware

import (
	"net/http"

	"github.com/swepipe/webirc/internal/auth"
)

// WithIdentityForTest attaches an Identity to the request context for testing.
func WithIdentityForTest(r *http.Request, id auth.Identity) *http.Request {
	return r.WithContext(withIdentity(r.Context(), id))
}
