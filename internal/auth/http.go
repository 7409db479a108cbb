// ABOUTME: HTTP middleware resolving bearer credentials to customer accounts
// ABOUTME: Accepts HS256 JWTs or raw API keys and stores the user in the request context

package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/2389/agenthub-control/internal/store"
)

type contextKey string

const userKey contextKey = "auth.user"

// UserLookup is the subset of the store needed to resolve credentials.
type UserLookup interface {
	GetUser(ctx context.Context, id string) (*store.User, error)
	GetUserByAPIKey(ctx context.Context, apiKey string) (*store.User, error)
}

// Middleware authenticates HTTP requests. A bearer credential is tried as a
// JWT first, then as a raw API key. When Require is false, unauthenticated
// requests proceed with no user in context.
type Middleware struct {
	verifier TokenVerifier
	users    UserLookup
	require  bool
	logger   *slog.Logger
}

// NewMiddleware creates the authentication middleware.
func NewMiddleware(verifier TokenVerifier, users UserLookup, require bool, logger *slog.Logger) *Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return &Middleware{
		verifier: verifier,
		users:    users,
		require:  require,
		logger:   logger.With("component", "auth"),
	}
}

// Wrap returns a handler that resolves the request's credentials before
// delegating to next.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		credential := bearerToken(r)
		if credential == "" {
			if m.require {
				http.Error(w, "missing credentials", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		user, err := m.resolve(r.Context(), credential)
		if err != nil {
			m.logger.Warn("authentication failed", "error", err, "path", r.URL.Path)
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}

func (m *Middleware) resolve(ctx context.Context, credential string) (*store.User, error) {
	if m.verifier != nil {
		if userID, err := m.verifier.Verify(credential); err == nil {
			return m.users.GetUser(ctx, userID)
		}
	}
	return m.users.GetUserByAPIKey(ctx, credential)
}

// WithUser stores the authenticated user in the context.
func WithUser(ctx context.Context, user *store.User) context.Context {
	return context.WithValue(ctx, userKey, user)
}

// UserFromContext returns the authenticated user, if any.
func UserFromContext(ctx context.Context) (*store.User, bool) {
	user, ok := ctx.Value(userKey).(*store.User)
	return user, ok
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
