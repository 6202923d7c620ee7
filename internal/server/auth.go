// Package server provides the HTTP API server, middleware, and handlers for casepilot.
package server

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/dativo-io/casepilot/internal/requestctx"
)

// OperatorFromContext returns the authenticated operator, or "" if not set.
func OperatorFromContext(ctx context.Context) string {
	return requestctx.Operator(ctx)
}

// AuthMiddleware returns a middleware that validates X-Casepilot-Key or Authorization: Bearer <key>
// and sets the operator in context. apiKeys maps key -> operator.
func AuthMiddleware(apiKeys map[string]string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-Casepilot-Key")
			if key == "" {
				if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
					key = strings.TrimPrefix(auth, "Bearer ")
				}
			}
			if key == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid or missing API key")
				return
			}
			var operator string
			for k, op := range apiKeys {
				if subtle.ConstantTimeCompare([]byte(k), []byte(key)) == 1 {
					operator = op
					break
				}
			}
			if operator == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid or missing API key")
				return
			}
			r = r.WithContext(requestctx.SetOperator(r.Context(), operator))
			next.ServeHTTP(w, r)
		})
	}
}

// operatorLimiter hands out one token bucket per operator.
type operatorLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	buckets map[string]*rate.Limiter
}

func newOperatorLimiter(perMinute int) *operatorLimiter {
	if perMinute <= 0 {
		return nil
	}
	return &operatorLimiter{
		limit:   rate.Limit(float64(perMinute) / 60),
		burst:   perMinute,
		buckets: make(map[string]*rate.Limiter),
	}
}

func (l *operatorLimiter) allow(operator string) bool {
	l.mu.Lock()
	b, ok := l.buckets[operator]
	if !ok {
		b = rate.NewLimiter(l.limit, l.burst)
		l.buckets[operator] = b
	}
	l.mu.Unlock()
	return b.Allow()
}

// RateLimitMiddleware returns 429 with Retry-After once an operator exceeds
// its request budget. A nil limiter disables limiting.
func RateLimitMiddleware(l *operatorLimiter) func(http.Handler) http.Handler {
	if l == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if l.allow(OperatorFromContext(r.Context())) {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "too many requests")
		})
	}
}

// CORSMiddleware returns a middleware that sets CORS headers. allowedOrigins can be ["*"] for any.
func CORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	allowAll := false
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
			break
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if allowAll {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else if origin != "" {
				for _, o := range allowedOrigins {
					if o == origin {
						w.Header().Set("Access-Control-Allow-Origin", origin)
						break
					}
				}
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Casepilot-Key")
			w.Header().Set("Access-Control-Max-Age", "300")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
