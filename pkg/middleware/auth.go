// Package middleware provides HTTP middleware for the scarfeed API.
package middleware

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Key type for context values
type contextKey string

// Context keys
const (
	SubjectKey contextKey = "subject"
)

// TokenValidator validates bearer tokens
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// AuthMiddleware provides bearer token authentication for HTTP handlers
type AuthMiddleware struct {
	validator   TokenValidator
	rateLimiter *RateLimiter
}

// NewAuthMiddleware creates a new authentication middleware
func NewAuthMiddleware(validator TokenValidator) *AuthMiddleware {
	return &AuthMiddleware{
		validator:   validator,
		rateLimiter: NewRateLimiter(5, 60*time.Second), // 5 failed attempts per minute
	}
}

// Authenticate is middleware that authenticates requests with a bearer token
// from the Authorization header
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return m.authenticate(next, false)
}

// AuthenticateStream is Authenticate for event streams. It also accepts the
// "token" query parameter, since EventSource cannot set headers.
func (m *AuthMiddleware) AuthenticateStream(next http.Handler) http.Handler {
	return m.authenticate(next, true)
}

func (m *AuthMiddleware) authenticate(next http.Handler, allowQuery bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip authentication for OPTIONS requests (CORS preflight)
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		token := bearerToken(r)
		if token == "" && allowQuery {
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			http.Error(w, "Authorization required", http.StatusUnauthorized)
			return
		}

		clientIP := r.RemoteAddr
		if i := strings.LastIndex(clientIP, ":"); i > 0 {
			clientIP = clientIP[:i]
		}
		if m.rateLimiter.IsLimited(clientIP) {
			http.Error(w, "Too many authentication attempts, please try again later", http.StatusTooManyRequests)
			return
		}

		subject, err := m.validator.ValidateToken(token)
		if err != nil {
			m.rateLimiter.RecordAttempt(clientIP)
			http.Error(w, "Authentication failed", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), SubjectKey, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

// GetSubject retrieves the authenticated subject from the request context
func GetSubject(r *http.Request) (string, bool) {
	subject, ok := r.Context().Value(SubjectKey).(string)
	return subject, ok
}

// RateLimiter limits failed authentication attempts per client
type RateLimiter struct {
	attempts   map[string][]time.Time
	limit      int
	window     time.Duration
	mu         sync.Mutex
	cleanupInt time.Duration
	lastClean  time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		attempts:   make(map[string][]time.Time),
		limit:      limit,
		window:     window,
		cleanupInt: 5 * time.Minute,
		lastClean:  time.Now(),
	}
}

// IsLimited reports whether a client has used up its attempts in the window
func (r *RateLimiter) IsLimited(clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if time.Since(r.lastClean) > r.cleanupInt {
		r.cleanup()
		r.lastClean = time.Now()
	}

	cutoff := time.Now().Add(-r.window)
	count := 0
	for _, t := range r.attempts[clientID] {
		if t.After(cutoff) {
			count++
		}
	}
	return count >= r.limit
}

// RecordAttempt records a failed attempt
func (r *RateLimiter) RecordAttempt(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts[clientID] = append(r.attempts[clientID], time.Now())
}

func (r *RateLimiter) cleanup() {
	cutoff := time.Now().Add(-r.window)
	for clientID, attempts := range r.attempts {
		var valid []time.Time
		for _, t := range attempts {
			if t.After(cutoff) {
				valid = append(valid, t)
			}
		}
		if len(valid) > 0 {
			r.attempts[clientID] = valid
		} else {
			delete(r.attempts, clientID)
		}
	}
}
