package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcmartin/scarfeed/pkg/logging"
)

func echoSubject() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject, _ := GetSubject(r)
		w.Write([]byte(subject))
	})
}

func TestTokenService(t *testing.T) {
	svc := NewTokenService("secret", time.Hour)

	token, err := svc.GenerateToken("viewer")
	require.NoError(t, err)

	subject, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "viewer", subject)

	_, err = NewTokenService("other", time.Hour).ValidateToken(token)
	assert.Error(t, err)

	_, err = svc.ValidateToken("garbage")
	assert.Error(t, err)
}

func TestTokenService_RejectsForeignIssuer(t *testing.T) {
	claims := jwt.RegisteredClaims{
		Issuer:    "someone-else",
		Subject:   "viewer",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = NewTokenService("secret", time.Hour).ValidateToken(token)
	assert.Error(t, err)
}

func TestAuthenticate(t *testing.T) {
	svc := NewTokenService("secret", time.Hour)
	token, err := svc.GenerateToken("viewer")
	require.NoError(t, err)

	auth := NewAuthMiddleware(svc)
	header := auth.Authenticate(echoSubject())
	stream := auth.AuthenticateStream(echoSubject())

	withQuery := func(r *http.Request) {
		q := r.URL.Query()
		q.Set("token", token)
		r.URL.RawQuery = q.Encode()
	}

	tests := []struct {
		name    string
		handler http.Handler
		setup   func(r *http.Request)
		status  int
		body    string
	}{
		{"bearer header", header, func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }, http.StatusOK, "viewer"},
		{"query token ignored", header, withQuery, http.StatusUnauthorized, ""},
		{"stream bearer header", stream, func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }, http.StatusOK, "viewer"},
		{"stream query token", stream, withQuery, http.StatusOK, "viewer"},
		{"missing", header, func(r *http.Request) {}, http.StatusUnauthorized, ""},
		{"invalid", header, func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }, http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/projects", nil)
			tt.setup(req)
			rec := httptest.NewRecorder()
			tt.handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
			if tt.body != "" {
				assert.Equal(t, tt.body, rec.Body.String())
			}
		})
	}
}

func TestAuthenticate_RateLimited(t *testing.T) {
	handler := NewAuthMiddleware(NewTokenService("secret", time.Hour)).Authenticate(echoSubject())

	var last int
	for i := 0; i < 6; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer bad")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		last = rec.Code
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
}

func TestAuthenticate_PreflightPasses(t *testing.T) {
	handler := NewAuthMiddleware(NewTokenService("secret", time.Hour)).Authenticate(echoSubject())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORS(t *testing.T) {
	handler := CORS(echoSubject())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRequestLogger_KeepsFlusher(t *testing.T) {
	var flushable bool
	handler := RequestLogger(logging.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, flushable = w.(http.Flusher)
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.True(t, flushable)
	assert.Equal(t, http.StatusTeapot, rec.Code)
}
