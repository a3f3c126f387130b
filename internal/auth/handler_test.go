package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMux(f *fixture) *http.ServeMux {
	handler := NewHandler(f.service)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /login", handler.Login)
	mux.HandleFunc("POST /refresh", handler.Refresh)
	mux.Handle("GET /me", Middleware(f.service, http.HandlerFunc(handler.Me)))
	mux.Handle("GET /admin", Middleware(f.service, RequireRole(http.HandlerFunc(handler.Me), RoleAdmin, RoleSuperAdmin)))
	return mux
}

func doJSON(t *testing.T, mux http.Handler, method, path, body, ip string, headers ...string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = ip + ":53211"
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func TestHandlerLogin_Success(t *testing.T) {
	f := newFixture(t)
	mux := newTestMux(f)

	rec, body := doJSON(t, mux, http.MethodPost, "/login", `{"email":"teacher@school.test","password":"`+demoPassword+`"}`, "1.2.3.4")
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, "Login successful", body["message"])
	assert.NotEmpty(t, body["token"])
	assert.NotEmpty(t, body["refreshToken"])
	assert.NotEmpty(t, body["expiresAt"])
	assert.NotEmpty(t, body["refreshExpiresAt"])

	user, ok := body["user"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "teacher@school.test", user["email"])
	assert.Equal(t, "Teacher", user["roleLabel"])
	assert.NotContains(t, rec.Body.String(), "PasswordHash")

	meRec, me := doJSON(t, mux, http.MethodGet, "/me", "", "1.2.3.4", "Authorization", "Bearer "+body["token"].(string))
	require.Equal(t, http.StatusOK, meRec.Code)
	assert.Equal(t, "Amani Njoroge", me["name"])
	assert.Equal(t, "teacher", me["role"])
}

func TestHandlerLogin_BadRequests(t *testing.T) {
	f := newFixture(t)
	mux := newTestMux(f)

	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "invalid json", body: `{`, want: "invalid json body"},
		{name: "unknown field", body: `{"email":"a@b.test","password":"x","remember":true}`, want: "invalid json body"},
		{name: "missing password", body: `{"email":"a@b.test"}`, want: "Email and password are required"},
		{name: "missing email", body: `{"password":"x"}`, want: "Email and password are required"},
		{name: "malformed email", body: `{"email":"not-an-email","password":"x"}`, want: "email format is invalid"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := doJSON(t, mux, http.MethodPost, "/login", tt.body, "1.2.3.4")
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.want, body["error"])
		})
	}
}

func TestHandlerLogin_InvalidCredentials(t *testing.T) {
	f := newFixture(t)
	mux := newTestMux(f)

	rec, body := doJSON(t, mux, http.MethodPost, "/login", `{"email":"teacher@school.test","password":"wrong"}`, "1.2.3.4")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Invalid email or password", body["error"])
	assert.Equal(t, float64(4), body["remainingAttempts"])
	assert.Empty(t, rec.Header().Get("Retry-After"))
}

func TestHandlerLogin_LockedAndThrottled(t *testing.T) {
	f := newFixture(t)
	mux := newTestMux(f)

	for i := 0; i < 5; i++ {
		doJSON(t, mux, http.MethodPost, "/login", `{"email":"student@school.test","password":"wrong"}`, "7.7.7.7")
	}

	rec, body := doJSON(t, mux, http.MethodPost, "/login", `{"email":"student@school.test","password":"`+demoPassword+`"}`, "8.8.8.8")
	assert.Equal(t, http.StatusLocked, rec.Code)
	assert.Equal(t, "Account locked", body["error"])
	assert.Equal(t, float64((15 * time.Minute).Milliseconds()), body["retryAfterMs"])
	assert.Equal(t, "900", rec.Header().Get("Retry-After"))

	for i := 0; i < 5; i++ {
		doJSON(t, mux, http.MethodPost, "/login", `{"email":"other`+string(rune('a'+i))+`@school.test","password":"wrong"}`, "7.7.7.7")
	}

	rec, body = doJSON(t, mux, http.MethodPost, "/login", `{"email":"teacher@school.test","password":"`+demoPassword+`"}`, "7.7.7.7")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "Too many attempts", body["error"])
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestHandlerLogin_UsesForwardedFor(t *testing.T) {
	f := newFixture(t)
	mux := newTestMux(f)

	for i := 0; i < 10; i++ {
		doJSON(t, mux, http.MethodPost, "/login", `{"email":"x`+string(rune('a'+i))+`@school.test","password":"wrong"}`, "10.0.0.1", "X-Forwarded-For", "203.0.113.9")
	}

	rec, _ := doJSON(t, mux, http.MethodPost, "/login", `{"email":"teacher@school.test","password":"`+demoPassword+`"}`, "10.0.0.1", "X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec, _ = doJSON(t, mux, http.MethodPost, "/login", `{"email":"teacher@school.test","password":"`+demoPassword+`"}`, "10.0.0.1")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandlerRefresh(t *testing.T) {
	f := newFixture(t)
	mux := newTestMux(f)

	_, login := doJSON(t, mux, http.MethodPost, "/login", `{"email":"parent@school.test","password":"`+demoPassword+`"}`, "1.2.3.4")

	rec, body := doJSON(t, mux, http.MethodPost, "/refresh", `{"refreshToken":"`+login["refreshToken"].(string)+`"}`, "1.2.3.4")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Token refreshed", body["message"])
	assert.NotEmpty(t, body["token"])

	rec, body = doJSON(t, mux, http.MethodPost, "/refresh", `{"refreshToken":"`+login["token"].(string)+`"}`, "1.2.3.4")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Unauthorized", body["error"])

	rec, _ = doJSON(t, mux, http.MethodPost, "/refresh", `{"refreshToken":""}`, "1.2.3.4")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMiddleware(t *testing.T) {
	f := newFixture(t)
	mux := newTestMux(f)

	_, student := doJSON(t, mux, http.MethodPost, "/login", `{"email":"student@school.test","password":"`+demoPassword+`"}`, "1.2.3.4")
	_, admin := doJSON(t, mux, http.MethodPost, "/login", `{"email":"admin@school.test","password":"`+demoPassword+`"}`, "1.2.3.4")

	rec, body := doJSON(t, mux, http.MethodGet, "/me", "", "1.2.3.4")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Unauthorized", body["error"])

	rec, _ = doJSON(t, mux, http.MethodGet, "/me", "", "1.2.3.4", "Authorization", "Bearer "+student["refreshToken"].(string))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = doJSON(t, mux, http.MethodGet, "/admin", "", "1.2.3.4", "Authorization", "Bearer "+student["token"].(string))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = doJSON(t, mux, http.MethodGet, "/admin", "", "1.2.3.4", "Authorization", "Bearer "+admin["token"].(string))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWriteError_HidesInternalDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, assert.AnError)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"Failed to login"}`, rec.Body.String())
}
