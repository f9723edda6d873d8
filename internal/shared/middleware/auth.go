package middleware

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"quotepush/internal/shared/auth"
)

type ContextKey string

const UserIDKey ContextKey = "user_id"

// UserID returns the authenticated user id stored by Auth.
func UserID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(UserIDKey).(string)
	return id, ok && id != ""
}

func bearer(r *http.Request) (string, bool) {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// Auth requires a valid user JWT from the Authorization header or the
// access_token cookie and stores the user id in the request context.
func Auth(jwt *auth.JWT) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearer(r)
			if !ok {
				if cookie, err := r.Cookie("access_token"); err == nil {
					token = cookie.Value
				}
			}
			if token == "" {
				http.Error(w, "Authentication required", http.StatusUnauthorized)
				return
			}

			userID, err := jwt.Validate(token)
			if err != nil {
				http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), UserIDKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ServiceKey requires the bearer key whose bcrypt hash is keyHash. An empty
// hash rejects every request. The digest of the last verified key is kept so
// repeated calls skip bcrypt.
func ServiceKey(keyHash string) func(http.Handler) http.Handler {
	var (
		mu       sync.RWMutex
		verified []byte
	)

	check := func(key string) bool {
		sum := sha256.Sum256([]byte(key))

		mu.RLock()
		hit := verified != nil && subtle.ConstantTimeCompare(verified, sum[:]) == 1
		mu.RUnlock()
		if hit {
			return true
		}

		if err := auth.VerifyKey(keyHash, key); err != nil {
			return false
		}
		mu.Lock()
		verified = sum[:]
		mu.Unlock()
		return true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if keyHash == "" {
				slog.Default().Warn("service key request rejected, SERVICE_KEY_HASH not set", "path", r.URL.Path)
				writeUnauthorized(w)
				return
			}
			key, ok := bearer(r)
			if !ok || !check(key) {
				writeUnauthorized(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"success":false,"error":"unauthorized"}`))
}
