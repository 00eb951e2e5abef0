package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestRequestLoggingMiddleware(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	metrics := NewHTTPMetrics(prometheus.NewRegistry())

	mux := http.NewServeMux()
	mux.HandleFunc("GET /me", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	handler := RequestLoggingMiddleware(zap.New(core), metrics, true, mux)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("X-Forwarded-For", "198.51.100.4, 203.0.113.9")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	entries := logs.FilterMessage("http_request").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "GET", fields["method"])
	assert.Equal(t, "/me", fields["path"])
	assert.EqualValues(t, http.StatusTeapot, fields["status"])
	assert.Equal(t, "203.0.113.9", fields["ip"])

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.requests.WithLabelValues("GET", "GET /me", "418")))
}

func TestRequestLoggingMiddlewareIgnoresForwardedWithoutProxy(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	handler := RequestLoggingMiddleware(zap.New(core), nil, false, http.NotFoundHandler())

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	entries := logs.FilterMessage("http_request").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "192.0.2.1", entries[0].ContextMap()["ip"])
}

func TestRequestLoggingMiddlewareNilMetrics(t *testing.T) {
	assert.Nil(t, NewHTTPMetrics(nil))

	handler := RequestLoggingMiddleware(zap.NewNop(), nil, false, http.NotFoundHandler())
	rec := httptest.NewRecorder()
	assert.NotPanics(t, func() {
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/missing", nil))
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRecoverMiddleware(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)

	handler := RecoverMiddleware(zap.New(core), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/login", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"message":"internal server error"}`, rec.Body.String())
	assert.Equal(t, 1, logs.FilterMessage("panic_recovered").Len())
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(LogConfig{Level: "warn", Service: "patient-records-auth"})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))

	logger, err = NewLogger(LogConfig{Level: "not-a-level", Pretty: true})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.InfoLevel))
}
