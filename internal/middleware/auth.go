package middleware

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/flightcheckhq/flightcheck/internal/auth"
	"github.com/flightcheckhq/flightcheck/internal/store"
)

const sessionCookieName = "flightcheck_session"

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// RequireAuth validates the session cookie and populates the auth context.
func RequireAuth(sessionStore *store.SessionStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(sessionCookieName)
			if err != nil || cookie.Value == "" {
				writeAuthError(w, http.StatusUnauthorized, "authentication required")
				return
			}

			sess, err := sessionStore.GetByToken(cookie.Value)
			if err != nil || sess == nil {
				writeAuthError(w, http.StatusUnauthorized, "invalid or expired session")
				return
			}

			ac := auth.AuthContext{
				UserID:    sess.UserID,
				SessionID: sess.ID,
				Method:    auth.MethodSession,
			}

			ctx := auth.WithAuth(r.Context(), ac)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAPIKey authenticates bearer API keys for the programmatic API.
func RequireAPIKey(apiKeyStore *store.APIKeyStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			secret, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || secret == "" {
				writeAuthError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}

			key, err := apiKeyStore.GetBySecret(secret)
			if err != nil || key == nil {
				writeAuthError(w, http.StatusUnauthorized, "invalid API key")
				return
			}

			// Best effort; failure does not block the request
			apiKeyStore.TouchLastUsed(key.ID)

			ac := auth.AuthContext{
				UserID:   key.UserID,
				APIKeyID: key.ID,
				Method:   auth.MethodAPIKey,
			}

			ctx := auth.WithAuth(r.Context(), ac)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SessionCookie builds the session cookie for a token. MaxAge <= 0 clears it.
func SessionCookie(token string, maxAge int, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
}
