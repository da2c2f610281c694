package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const requestIDHeader = "X-Request-Id"

type contextKey string

const ctxClaims contextKey = "claims"

func claimsFromContext(ctx context.Context) *tokenClaims {
	c, _ := ctx.Value(ctxClaims).(*tokenClaims)
	return c
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(requestIDHeader) == "" {
			var b [12]byte
			_, _ = rand.Read(b[:])
			r.Header.Set(requestIDHeader, hex.EncodeToString(b[:]))
		}
		w.Header().Set(requestIDHeader, r.Header.Get(requestIDHeader))
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Printf("%s %s %d %s in %s", r.Method, r.URL.Path, rec.status, r.Header.Get(requestIDHeader), time.Since(start).String())
	})
}

func recoverMiddleware(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Printf("[panic] %s %s: %v", r.Method, r.URL.Path, rec)
				writeError(w, http.StatusInternalServerError, "panic", "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Auth endpoints reachable without an access token.
var publicAuthPaths = map[string]bool{
	"/v1/auth/login":            true,
	"/v1/auth/verify-login-otp": true,
	"/v1/auth/resend-otp":       true,
	"/v1/auth/initiate-setup":   true,
	"/v1/auth/verify-setup-otp": true,
	"/v1/auth/complete-setup":   true,
}

func authMiddleware(tokens *tokenIssuer, logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || publicAuthPaths[r.URL.Path] || !strings.HasPrefix(r.URL.Path, "/v1/") {
			next.ServeHTTP(w, r)
			return
		}

		const prefix = "Bearer "
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, prefix) {
			tokenStr := strings.TrimSpace(strings.TrimPrefix(auth, prefix))
			claims, err := tokens.parse(tokenStr, tokenTypeAccess)
			if err == nil {
				ctx := context.WithValue(r.Context(), ctxClaims, claims)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
			logger.Printf("[auth] JWT parse failed: %v", err)
		}

		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid credentials")
	})
}

// ipRateLimiter keeps one token bucket per client address.
type ipRateLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	window   time.Duration
	visitors map[string]*visitor
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newIPRateLimiter(requests int, window time.Duration) *ipRateLimiter {
	if requests <= 0 {
		requests = 20
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	return &ipRateLimiter{
		limit:    rate.Every(window / time.Duration(requests)),
		burst:    requests,
		window:   window,
		visitors: make(map[string]*visitor),
	}
}

func (l *ipRateLimiter) allow(ip string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for k, v := range l.visitors {
		if now.Sub(v.lastSeen) > l.window {
			delete(l.visitors, k)
		}
	}

	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

func rateLimitMiddleware(l *ipRateLimiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicAuthPaths[r.URL.Path] && !l.allow(clientIP(r), time.Now()) {
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many attempts, try again later")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
