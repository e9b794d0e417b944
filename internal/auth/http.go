// ABOUTME: HTTP middleware resolving the caller identity for API endpoints
// ABOUTME: Staff use JWT bearer tokens; citizens present their conversation session token

package auth

import (
	"net/http"
	"strings"
)

// SessionHeader carries a citizen session token.
const SessionHeader = "X-Session-Token"

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

// credentials returns the bearer token and session token of a request.
// Query parameters are accepted for EventSource and WebSocket clients,
// which cannot set headers.
func credentials(r *http.Request) (bearer, session string) {
	bearer, _ = extractBearerToken(r.Header.Get("Authorization"))
	if bearer == "" {
		bearer = r.URL.Query().Get("access_token")
	}
	session = r.Header.Get(SessionHeader)
	if session == "" {
		session = r.URL.Query().Get("session")
	}
	return bearer, session
}

// IdentityMiddleware attaches the caller identity to the request context.
// A present but invalid bearer token is rejected; a request without one is
// treated as a citizen when it carries a session token and anonymous otherwise.
func IdentityMiddleware(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bearer, session := credentials(r)

			if bearer != "" {
				id, err := verifier.Verify(bearer)
				if err != nil {
					http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
					return
				}
				next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
				return
			}

			if session != "" {
				next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), Citizen(session))))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequireStaff rejects requests not made by an agent or administrator.
// Must be used after IdentityMiddleware.
func RequireStaff() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := FromContext(r.Context())
			if id == nil {
				http.Error(w, `{"error":"not authenticated"}`, http.StatusUnauthorized)
				return
			}
			if !id.IsStaff() {
				http.Error(w, `{"error":"agent or admin role required"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireIdentity rejects anonymous requests.
func RequireIdentity() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if FromContext(r.Context()) == nil {
				http.Error(w, `{"error":"not authenticated"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
