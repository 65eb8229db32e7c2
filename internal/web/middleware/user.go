package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
)

// contextKey is an unexported type used for context keys in this package.
type contextKey string

// UserContextKey is the context key used to store the acting user id.
const UserContextKey contextKey = "user_id"

// UserHeader carries the id of the user the request acts for. It is set by
// the authenticating proxy in front of this service.
const UserHeader = "X-User-ID"

// RequireUser returns middleware that resolves the acting user from
// UserHeader and stores it in the request context. Requests without a valid
// positive id are rejected with 401.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get(UserHeader))
		userID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || userID <= 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{
				"error": "authentication required",
			})
			return
		}

		ctx := WithUserID(r.Context(), userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// WithUserID returns a copy of ctx carrying userID.
func WithUserID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, UserContextKey, userID)
}

// UserIDFromContext extracts the acting user id from the context.
// Returns 0 if no user is present.
func UserIDFromContext(ctx context.Context) int64 {
	id, _ := ctx.Value(UserContextKey).(int64)
	return id
}
