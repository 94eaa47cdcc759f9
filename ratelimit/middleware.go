package ratelimit

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/outlayer-network/outlayer/internal/metrics"
	"github.com/outlayer-network/outlayer/protocol"
)

// IdentityOf classifies a request as anonymous or keyed by presence of a
// valid-looking bearer token.
func IdentityOf(r *http.Request) protocol.IdentityClass {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && len(strings.TrimPrefix(auth, "Bearer ")) > 0 {
		return protocol.IdentityKeyed
	}
	return protocol.IdentityAnonymous
}

// Middleware wraps next with admission control keyed by (route,
// identity_class). Denial writes 429 with Retry-After.
func (l *Limiter) Middleware(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := BucketKey{Route: route, Identity: IdentityOf(r)}
		release, err := l.Admit(key)
		if err != nil {
			metrics.ThrottleDenials.WithLabelValues(route, string(key.Identity)).Inc()
			w.Header().Set("Retry-After", strconv.Itoa(err.RetryAfterSeconds))
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"code":"Throttled"}`))
			return
		}
		defer release()
		next(w, r)
	}
}
