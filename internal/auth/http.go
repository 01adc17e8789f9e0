// ABOUTME: HTTP middleware for API key authentication on the OpenAI-compatible endpoints
// ABOUTME: Extracts the bearer key from the Authorization header and adds the caller to context

package auth

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// keyHintLen is how many trailing key characters are kept for logging.
const keyHintLen = 4

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// KeyFunc returns the currently configured API key. An empty key disables
// authentication. It is called per request so reloads take effect.
type KeyFunc func() string

// APIKeyMiddleware rejects requests whose bearer token does not match the
// configured key with 401 and an OpenAI-style error body.
func APIKeyMiddleware(key KeyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller := &Caller{RemoteAddr: r.RemoteAddr}

			want := key()
			if want == "" {
				next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
				return
			}

			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				writeUnauthorized(w, "API key required: "+errMsg)
				return
			}
			if subtle.ConstantTimeCompare([]byte(token), []byte(want)) != 1 {
				writeUnauthorized(w, "invalid API key")
				return
			}

			caller.Authenticated = true
			caller.KeyHint = hint(token)
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
		})
	}
}

func hint(token string) string {
	if len(token) <= keyHintLen {
		return "****"
	}
	return "…" + token[len(token)-keyHintLen:]
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="arena-bridge"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{
			"message": msg,
			"type":    "invalid_request_error",
			"code":    "invalid_api_key",
		},
	})
}
