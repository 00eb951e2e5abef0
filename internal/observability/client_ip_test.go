package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		trustProxy bool
		forwarded  []string
		remoteAddr string
		want       string
	}{
		{"untrusted forwarded ignored", false, []string{"203.0.113.7"}, "10.0.0.1:1234", "10.0.0.1"},
		{"trusted last hop", true, []string{"198.51.100.1, 203.0.113.7"}, "10.0.0.1:1234", "203.0.113.7"},
		{"trusted last header wins", true, []string{"198.51.100.1", "203.0.113.8"}, "10.0.0.1:1234", "203.0.113.8"},
		{"trusted blank last hop", true, []string{"203.0.113.7, "}, "192.0.2.10:1", "192.0.2.10"},
		{"peer with port", false, nil, "192.0.2.10:5555", "192.0.2.10"},
		{"ipv6 peer", false, nil, "[2001:db8::1]:443", "2001:db8::1"},
		{"peer without port", false, nil, "192.0.2.10", "192.0.2.10"},
		{"nothing", true, nil, "", "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			for _, v := range tt.forwarded {
				req.Header.Add("X-Forwarded-For", v)
			}
			assert.Equal(t, tt.want, ClientIP(req, tt.trustProxy))
		})
	}
}
