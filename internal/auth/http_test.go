// ABOUTME: Tests for HTTP identity middleware
// ABOUTME: Covers bearer tokens, session tokens, query credentials, and the staff gate

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serveWithIdentity(t *testing.T, verifier TokenVerifier, req *http.Request, gates ...func(http.Handler) http.Handler) (*httptest.ResponseRecorder, *Identity) {
	t.Helper()
	var got *Identity
	var h http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	for i := len(gates) - 1; i >= 0; i-- {
		h = gates[i](h)
	}
	rec := httptest.NewRecorder()
	IdentityMiddleware(verifier)(h).ServeHTTP(rec, req)
	return rec, got
}

func TestIdentityMiddleware_Bearer(t *testing.T) {
	verifier := NewJWTVerifier(testSecret)
	token, err := verifier.Generate(Identity{Subject: "agent-1", Role: RoleAgent}, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/agents", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec, id := serveWithIdentity(t, verifier, req, RequireStaff())

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, id)
	assert.Equal(t, "agent-1", id.Subject)
}

func TestIdentityMiddleware_QueryToken(t *testing.T) {
	verifier := NewJWTVerifier(testSecret)
	token, err := verifier.Generate(Identity{Subject: "admin", Role: RoleAdmin}, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/events?access_token="+token, nil)
	rec, id := serveWithIdentity(t, verifier, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, id)
	assert.Equal(t, RoleAdmin, id.Role)
}

func TestIdentityMiddleware_InvalidBearerRejected(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/agents", nil)
	req.Header.Set("Authorization", "Bearer nope")
	rec, id := serveWithIdentity(t, NewJWTVerifier(testSecret), req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Nil(t, id)
}

func TestIdentityMiddleware_SessionToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/conversations/c1/messages", nil)
	req.Header.Set(SessionHeader, "tok")
	rec, id := serveWithIdentity(t, NewJWTVerifier(testSecret), req, RequireIdentity())

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, id)
	assert.Equal(t, RoleCitizen, id.Role)
	assert.Equal(t, "tok", id.SessionToken)
}

func TestRequireStaff_RejectsCitizenAndAnonymous(t *testing.T) {
	verifier := NewJWTVerifier(testSecret)

	req := httptest.NewRequest(http.MethodGet, "/api/queues", nil)
	req.Header.Set(SessionHeader, "tok")
	rec, _ := serveWithIdentity(t, verifier, req, RequireStaff())
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/queues", nil)
	rec, _ = serveWithIdentity(t, verifier, req, RequireStaff())
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		header string
		token  string
		errMsg string
	}{
		{"", "", "missing authorization header"},
		{"Basic abc", "", "invalid authorization header format"},
		{"Bearer ", "", "empty token"},
		{"Bearer abc", "abc", ""},
	}
	for _, tt := range tests {
		token, errMsg := extractBearerToken(tt.header)
		assert.Equal(t, tt.token, token, tt.header)
		assert.Equal(t, tt.errMsg, errMsg, tt.header)
	}
}
