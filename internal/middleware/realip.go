package middleware

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP resolves the originating client address. Proxy headers win over
// the peer address: leftmost X-Forwarded-For entry, then X-Real-IP. The
// result is used for logging and rate limiting, never for authorization.
func ClientIP(req *http.Request) string {
	if xff := req.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.Index(xff, ","); i >= 0 {
			xff = xff[:i]
		}
		return strings.TrimSpace(xff)
	}
	if rip := req.Header.Get("X-Real-IP"); rip != "" {
		return strings.TrimSpace(rip)
	}

	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}
