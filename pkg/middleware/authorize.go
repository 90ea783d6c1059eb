package middleware

import (
	"errors"
	"fmt"
	"net/http"

	"bearergate/pkg/identity"
	"bearergate/pkg/policy"
	"bearergate/pkg/problems"
)

// RequireAuthenticated answers 401 with a bearer challenge unless an
// authenticated identity is attached to the request.
func RequireAuthenticated() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !identity.From(r.Context()).IsAuthenticated() {
				challenge(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequirePolicy answers 401 for anonymous callers and 403 when the named
// policy denies. It panics if name is not registered.
func (a *Authenticator) RequirePolicy(name string) func(http.Handler) http.Handler {
	if _, ok := a.policies.Lookup(name); !ok {
		panic(fmt.Sprintf("middleware: policy %q is not registered", name))
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := identity.From(r.Context())
			if !id.IsAuthenticated() {
				challenge(w, r)
				return
			}
			err := a.policies.Evaluate(r.Context(), name, id)
			switch {
			case err == nil:
				next.ServeHTTP(w, r)
			case errors.Is(err, policy.ErrPolicyDenied):
				a.log.Debugw("policy denied", "policy", name, "path", r.URL.Path, "err", err)
				problems.Write(w, http.StatusForbidden, "forbidden", "Forbidden", err.Error())
			default:
				a.log.Errorw("policy evaluation failed", "policy", name, "path", r.URL.Path, "err", err)
				problems.Write(w, http.StatusInternalServerError, "internal", "Internal Server Error", "")
			}
		})
	}
}

func challenge(w http.ResponseWriter, r *http.Request) {
	if err := AuthFailureFrom(r.Context()); err != nil {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		problems.Write(w, http.StatusUnauthorized, "invalid-token", "Unauthorized", "the bearer token is invalid")
		return
	}
	w.Header().Set("WWW-Authenticate", "Bearer")
	problems.Write(w, http.StatusUnauthorized, "unauthorized", "Unauthorized", "a bearer token is required")
}
