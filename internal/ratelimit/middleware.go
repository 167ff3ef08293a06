package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"

	"agentregistry/internal/util"
)

// KeyFunc derives the bucket key for a request.
type KeyFunc func(r *http.Request) string

// Middleware enforces limiter on every request. When the limiter itself fails
// the request is rejected unless failOpen is set. onReject writes the 429.
func Middleware(limiter Limiter, key KeyFunc, failOpen bool, onReject http.HandlerFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			decision, err := limiter.Take(r.Context(), key(r))
			if err != nil {
				util.LoggerFromContext(r.Context()).Warn("rate limiter unavailable", "err", err, "fail_open", failOpen)
				if failOpen {
					next.ServeHTTP(w, r)
					return
				}
			}
			setHeaders(w, decision)
			if err != nil || !decision.Allowed {
				retry := int(math.Ceil(time.Until(decision.Reset).Seconds()))
				if retry < 1 {
					retry = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				onReject(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func setHeaders(w http.ResponseWriter, d Decision) {
	if d.Limit <= 0 {
		return
	}
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
}

// Local limits in process memory. It is used when no Redis is configured,
// so limits apply per replica.
func Local(limit int, window time.Duration, key KeyFunc, onReject http.HandlerFunc) func(http.Handler) http.Handler {
	return httprate.Limit(limit, window,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) { return key(r), nil }),
		httprate.WithLimitHandler(onReject),
	)
}

// ByClientIP keys requests on the caller address.
func ByClientIP(trusted *util.TrustedProxies) KeyFunc {
	return func(r *http.Request) string {
		return util.ClientIP(r, trusted)
	}
}
