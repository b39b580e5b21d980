package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/znz-systems/quarantined/internal/directory"
	"github.com/znz-systems/quarantined/internal/models"
	"github.com/znz-systems/quarantined/internal/ratelimit"
	"github.com/znz-systems/quarantined/internal/store"
)

type fakeResolver map[string]error

func (f fakeResolver) ResolveIdentity(_ context.Context, email string) (*models.Identity, error) {
	if err, ok := f[email]; ok {
		return nil, err
	}
	return &models.Identity{Email: email, Role: models.RoleSimpleUser}, nil
}

func TestRequireIdentity(t *testing.T) {
	resolver := fakeResolver{
		"ghost@example.com": store.ErrNotFound,
		"off@example.com":   directory.ErrAccountDisabled,
		"bad@example.com":   errors.New("db down"),
	}

	var seen *models.Identity
	h := RequireIdentity(resolver)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = IdentityFromContext(r.Context())
	}))

	tests := []struct {
		user   string
		status int
	}{
		{"", http.StatusUnauthorized},
		{"ghost@example.com", http.StatusForbidden},
		{"off@example.com", http.StatusForbidden},
		{"bad@example.com", http.StatusInternalServerError},
		{"user@example.com", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("user=%q", tt.user), func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/quarantine", nil)
			if tt.user != "" {
				req.Header.Set(RemoteUserHeader, tt.user)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			if rr.Code != tt.status {
				t.Errorf("expected status %d, got %d", tt.status, rr.Code)
			}
		})
	}
	if seen == nil || seen.Email != "user@example.com" {
		t.Errorf("expected identity user@example.com in context, got %+v", seen)
	}
}

func TestRateLimit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := RateLimit(ratelimit.NewLimiter(ctx, 0.001, 1))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	steps := []struct {
		remote string
		status int
	}{
		{"192.0.2.1:5555", http.StatusOK},
		{"192.0.2.1:5555", http.StatusTooManyRequests},
		{"192.0.2.2:5555", http.StatusOK},
	}
	for i, s := range steps {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/selfservice/m1/release", nil)
		req.RemoteAddr = s.remote
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != s.status {
			t.Errorf("step %d (%s): expected status %d, got %d", i, s.remote, s.status, rr.Code)
		}
	}
}
