package middleware

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/labfoundry/labgate/internal/auth"
	"github.com/labfoundry/labgate/internal/config"
	"github.com/labfoundry/labgate/internal/database"
	"github.com/labfoundry/labgate/internal/identity"
)

type contextKey string

const (
	identityContextKey contextKey = "identity"
	sessionContextKey  contextKey = "session"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// identityFromUser translates a stored user row into the request identity.
func identityFromUser(u *database.User) *identity.Identity {
	return &identity.Identity{
		Name:  u.Username,
		Roles: []string{u.Role},
		Attributes: map[string]string{
			identity.AttrPreferredUsername: u.Username,
			identity.AttrSubscription:      u.Subscription,
		},
	}
}

// RequireAuth resolves the session cookie to an identity and places it in
// the request context. With auth disabled a default identity is
// synthesized so demo deployments work without user management.
func RequireAuth(store *auth.SessionStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if config.Cfg.AuthDisabled {
				id := &identity.Identity{
					Name:  "labuser",
					Roles: []string{"user"},
					Attributes: map[string]string{
						identity.AttrPreferredUsername: "labuser",
					},
				}
				ctx := context.WithValue(r.Context(), identityContextKey, id)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			cookie, err := r.Cookie(auth.SessionCookie)
			if err != nil {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Authentication required"})
				return
			}

			userID, ok := store.Get(cookie.Value)
			if !ok {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Authentication required"})
				return
			}

			user, err := database.GetUserByID(userID)
			if err != nil {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Authentication required"})
				return
			}

			ctx := context.WithValue(r.Context(), identityContextKey, identityFromUser(user))
			ctx = context.WithValue(ctx, sessionContextKey, cookie.Value)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin gates handlers behind the admin role. Must run inside
// RequireAuth.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := GetIdentity(r)
		if !id.HasRole("admin") {
			writeJSON(w, http.StatusForbidden, map[string]string{"detail": "Admin access required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetIdentity returns the request identity, or nil outside RequireAuth.
func GetIdentity(r *http.Request) *identity.Identity {
	id, _ := r.Context().Value(identityContextKey).(*identity.Identity)
	return id
}

// GetSessionID returns the session cookie value that authenticated the
// request, or "" when auth is disabled.
func GetSessionID(r *http.Request) string {
	s, _ := r.Context().Value(sessionContextKey).(string)
	return s
}
