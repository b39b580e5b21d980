package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/znz-systems/quarantined/internal/directory"
	"github.com/znz-systems/quarantined/internal/models"
	"github.com/znz-systems/quarantined/internal/store"
)

// contextKey is an unexported type used for context keys in this package.
type contextKey string

// IdentityContextKey is the context key used to store the caller.
const IdentityContextKey contextKey = "identity"

// RemoteUserHeader carries the account authenticated by the fronting proxy.
const RemoteUserHeader = "X-Remote-User"

type IdentityResolver interface {
	ResolveIdentity(ctx context.Context, email string) (*models.Identity, error)
}

// RequireIdentity resolves the account named by RemoteUserHeader and stores
// it in the request context. Requests without a known, active account are
// rejected.
func RequireIdentity(resolver IdentityResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			email := strings.TrimSpace(r.Header.Get(RemoteUserHeader))
			if email == "" {
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}

			id, err := resolver.ResolveIdentity(r.Context(), email)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					writeError(w, http.StatusForbidden, "unknown account")
					return
				}
				if errors.Is(err, directory.ErrAccountDisabled) {
					writeError(w, http.StatusForbidden, "account is disabled")
					return
				}
				slog.Error("failed to resolve identity", "account", email, "error", err)
				writeError(w, http.StatusInternalServerError, "internal server error")
				return
			}

			ctx := context.WithValue(r.Context(), IdentityContextKey, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IdentityFromContext extracts the caller from the context. Returns nil if
// no identity is present.
func IdentityFromContext(ctx context.Context) *models.Identity {
	id, _ := ctx.Value(IdentityContextKey).(*models.Identity)
	return id
}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id *models.Identity) context.Context {
	return context.WithValue(ctx, IdentityContextKey, id)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
