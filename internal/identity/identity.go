// Package identity resolves the acting user for a request.
//
// Authentication happens upstream at the API gateway. The gateway proves
// itself with a shared bearer token and asserts the caller through
// X-Owner-ID and X-Actor-Role headers; this package only trusts those
// headers when the token matches.
package identity

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

const (
	HeaderOwnerID = "X-Owner-ID"
	HeaderRole    = "X-Actor-Role"

	RoleAdmin = "admin"
)

// Actor is the authenticated caller.
type Actor struct {
	OwnerID string
	IsAdmin bool
}

type ctxKey struct{}

// WithActor returns a copy of ctx carrying a.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, ctxKey{}, a)
}

// FromContext returns the actor stored by Middleware.
func FromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(ctxKey{}).(Actor)
	return a, ok
}

// Middleware authenticates the gateway token and stores the asserted
// Actor in the request context.
func Middleware(gatewayToken string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if gatewayToken == "" {
				slog.Error("identity middleware missing gateway token", "method", r.Method, "path", r.URL.Path)
				writeError(w, "server auth configuration is missing", http.StatusInternalServerError)
				return
			}

			token, ok := bearerToken(r)
			if !ok || !secureEqual(token, gatewayToken) {
				slog.Info("identity middleware unauthorized request", "method", r.Method, "path", r.URL.Path)
				writeError(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			ownerID := strings.TrimSpace(r.Header.Get(HeaderOwnerID))
			if ownerID == "" {
				writeError(w, HeaderOwnerID+" header is required", http.StatusUnauthorized)
				return
			}

			actor := Actor{
				OwnerID: ownerID,
				IsAdmin: strings.EqualFold(strings.TrimSpace(r.Header.Get(HeaderRole)), RoleAdmin),
			}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	return strings.TrimSpace(parts[1]), true
}

func secureEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
