package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/loomhq/loom/pkg/store"
)

type contextKey string

const userIDKey contextKey = "loom.user"

// UserID returns the authenticated user for a request, or the guest
// user when the request carried no credentials.
func UserID(ctx context.Context) string {
	if id, ok := ctx.Value(userIDKey).(string); ok && id != "" {
		return id
	}
	return store.GuestUserID
}

// authMiddleware verifies HS256 bearer tokens and stores the subject as
// the request's user. Requests without a token proceed as the guest
// user; a malformed or invalid token is rejected. With no secret
// configured every request runs as guest.
func authMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				next.ServeHTTP(w, r)
				return
			}

			header := r.Header.Get("Authorization")
			if header == "" {
				next.ServeHTTP(w, r)
				return
			}

			raw, ok := strings.CutPrefix(header, "Bearer ")
			if !ok {
				http.Error(w, "malformed authorization header", http.StatusUnauthorized)
				return
			}

			token, err := jwt.Parse([]byte(raw),
				jwt.WithKey(jwa.HS256, []byte(secret)),
				jwt.WithValidate(true),
			)
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}

			sub := token.Subject()
			if sub == "" {
				http.Error(w, "token has no subject", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), userIDKey, sub)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
