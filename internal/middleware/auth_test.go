package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fechatter/gateway/internal/audit"
	"github.com/fechatter/gateway/internal/auth"
	"github.com/fechatter/gateway/internal/config"
	"github.com/fechatter/gateway/internal/util"
)

const authSecret = "middleware-test-secret"

func bearer(t *testing.T, subject string, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewBuilder().Subject(subject).Expiration(exp).Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, []byte(authSecret)))
	require.NoError(t, err)
	return "Bearer " + string(signed)
}

func TestAuth(t *testing.T) {
	t.Parallel()

	v, err := auth.NewValidator(authSecret)
	require.NoError(t, err)

	routes := []config.RouteConfig{
		{Name: "api", Path: "/api/*", Upstream: "chat"},
		{Name: "login", Path: "/api/v1/signin", Upstream: "chat", AuthSkip: true},
		{Name: "health", Path: "/health/*", Upstream: "chat"},
	}

	tests := []struct {
		name          string
		method        string
		path          string
		authorization string
		status        int
		user          string
	}{
		{name: "valid token", method: "GET", path: "/api/v1/chats", authorization: bearer(t, "42", time.Now().Add(time.Hour)), status: 200, user: "42"},
		{name: "missing token", method: "GET", path: "/api/v1/chats", status: 401},
		{name: "expired token", method: "GET", path: "/api/v1/chats", authorization: bearer(t, "42", time.Now().Add(-time.Hour)), status: 401},
		{name: "wrong scheme", method: "GET", path: "/api/v1/chats", authorization: "Basic Zm9vOmJhcg==", status: 401},
		{name: "route auth_skip", method: "POST", path: "/api/v1/signin", status: 200},
		{name: "skip path prefix", method: "GET", path: "/health/ready", status: 200},
		{name: "options bypass", method: "OPTIONS", path: "/api/v1/chats", status: 200},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			spy := &auditSpy{}
			var user string
			mw := Auth(AuthOptions{Validator: v, SkipPaths: []string{"/health/*"}, Audit: spy})
			h := routed(t, routes, mw, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				user = util.UserFromContext(r.Context())
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.authorization != "" {
				req.Header.Set(HeaderAuthorization, tt.authorization)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.user, user)
			if tt.status == http.StatusUnauthorized {
				assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")
				assert.Contains(t, rec.Body.String(), `"error":"unauthorized"`)
				assert.Equal(t, []audit.EventType{audit.EventAuthFailure}, spy.types())
			} else {
				assert.Empty(t, spy.types())
			}
		})
	}
}

func TestAuth_NilValidatorDisables(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	Auth(AuthOptions{})(okHandler("open")).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
