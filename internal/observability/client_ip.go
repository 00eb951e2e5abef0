package observability

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP returns the address requests are attributed to. X-Forwarded-For is
// read only when trustProxy is set, and then only its last hop: that is the
// one appended by the proxy in front of us, the earlier hops are client input.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if forwarded := r.Header.Values("X-Forwarded-For"); len(forwarded) > 0 {
			hops := strings.Split(forwarded[len(forwarded)-1], ",")
			if ip := strings.TrimSpace(hops[len(hops)-1]); ip != "" {
				return ip
			}
		}
	}

	if r.RemoteAddr != "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			return host
		}
		return r.RemoteAddr
	}

	return "unknown"
}
