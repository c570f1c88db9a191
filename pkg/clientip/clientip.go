// Package clientip resolves the originating client address of a request.
//
// Forwarding headers are only honoured when the service is told it runs
// behind a proxy, otherwise any caller could spoof its rate limit key.
package clientip

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// forwardedHeaders are checked in order when proxies are trusted.
var forwardedHeaders = []string{"CF-Connecting-IP", "X-Real-IP"}

type contextKey struct{}

// Resolver extracts the client IP from requests.
type Resolver struct {
	trustProxy bool
}

// New creates a Resolver. With trustProxy the first valid address from
// CF-Connecting-IP, X-Real-IP or X-Forwarded-For is used.
func New(trustProxy bool) *Resolver {
	return &Resolver{trustProxy: trustProxy}
}

// IP returns the normalized client address or "" if none could be parsed.
func (res *Resolver) IP(r *http.Request) string {
	if res.trustProxy {
		for _, h := range forwardedHeaders {
			if ip := normalize(r.Header.Get(h)); ip != "" {
				return ip
			}
		}
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			for part := range strings.SplitSeq(fwd, ",") {
				if ip := normalize(part); ip != "" {
					return ip
				}
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return normalize(r.RemoteAddr)
	}
	return normalize(host)
}

// Middleware stores the resolved address in the request context.
func (res *Resolver) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), contextKey{}, res.IP(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// FromContext returns the address stored by Middleware.
func FromContext(ctx context.Context) string {
	ip, _ := ctx.Value(contextKey{}).(string)
	return ip
}

func normalize(s string) string {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return ""
	}
	return addr.Unmap().String()
}
