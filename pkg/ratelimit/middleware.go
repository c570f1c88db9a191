package ratelimit

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// KeyFunc picks the bucket for a request. An empty key skips limiting.
type KeyFunc func(*http.Request) string

// Middleware enforces l per key. Store errors fail open and are logged.
func Middleware(l *Limiter, key KeyFunc, log *slog.Logger) func(http.Handler) http.Handler {
	if key == nil {
		panic("ratelimit.Middleware: key func is required")
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k := key(r)
			if k == "" {
				next.ServeHTTP(w, r)
				return
			}

			res, err := l.Allow(r.Context(), k)
			if err != nil {
				log.WarnContext(r.Context(), "rate limit store unavailable", slog.String("error", err.Error()))
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))

			if !res.Allowed {
				h.Set("Retry-After", strconv.Itoa(int(res.RetryAfter(time.Now()).Seconds())))
				http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
