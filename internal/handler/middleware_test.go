package handler

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zerotrust-service/internal/models"
)

func identityEcho(t *testing.T, captured *models.Identity) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := IdentityFromContext(r.Context())
		require.True(t, ok)
		*captured = identity
		w.WriteHeader(http.StatusOK)
	})
}

func TestIdentityMiddlewareLiftsHeaders(t *testing.T) {
	var captured models.Identity
	handler := IdentityMiddleware(identityEcho(t, &captured))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/security/dashboard", nil)
	req.Header.Set("X-User-ID", "alice")
	req.Header.Set("X-User-Role", "security")
	req.Header.Set("X-User-Email", "alice@example.com")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.Identity{UserID: "alice", Role: "security", Email: "alice@example.com"}, captured)
}

func TestIdentityMiddlewareRejectsAnonymous(t *testing.T) {
	handler := IdentityMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run without an identity")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/security/dashboard", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "authenticated identity required")
}

func TestRequireOperatorRoles(t *testing.T) {
	tests := []struct {
		role   string
		status int
	}{
		{"admin", http.StatusOK},
		{"security", http.StatusOK},
		{"user", http.StatusForbidden},
		{"", http.StatusForbidden},
	}

	for _, tt := range tests {
		chain := IdentityMiddleware(RequireOperator(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})))

		req := httptest.NewRequest(http.MethodGet, "/api/v1/security/events", nil)
		req.Header.Set("X-User-ID", "someone")
		req.Header.Set("X-User-Role", tt.role)

		rec := httptest.NewRecorder()
		chain.ServeHTTP(rec, req)
		assert.Equal(t, tt.status, rec.Code, "role %q", tt.role)
	}
}

func TestDeviceFingerprintSources(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, deviceFingerprint(req))

	req.AddCookie(&http.Cookie{Name: "device_fp", Value: "cookie-signals"})
	assert.Equal(t, "cookie-signals", deviceFingerprint(req))

	// The header wins over the cookie.
	req.Header.Set("X-Device-Fingerprint", "header-signals")
	assert.Equal(t, "header-signals", deviceFingerprint(req))
}

func TestRequestGeoHeaders(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Nil(t, requestGeo(req))

	req.Header.Set("X-Geo-Country", "DE")
	req.Header.Set("X-Geo-Region", "BE")
	geo := requestGeo(req)
	require.NotNil(t, geo)
	assert.Equal(t, "DE", geo.Country)
	assert.Equal(t, "BE", geo.Region)
}

func TestClientIPStripsPort(t *testing.T) {
	tests := []struct {
		remote string
		want   string
	}{
		{"203.0.113.7:51442", "203.0.113.7"},
		{"203.0.113.7", "203.0.113.7"},
		{"[2001:db8::1]:443", "[2001:db8::1]"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tt.remote
		assert.Equal(t, tt.want, clientIP(req), tt.remote)
	}
}
