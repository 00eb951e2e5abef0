package app

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"patient-records-auth/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		App:   config.App{Name: "patient-records-auth", Env: "test"},
		Store: config.Store{Driver: config.StoreDriverMemory},
		Auth: config.Auth{
			SigningSecret:    "bootstrap-test-secret",
			Issuer:           "patient-records",
			Audience:         "patient-records-api",
			AccessTTL:        15 * time.Minute,
			RefreshTTL:       24 * time.Hour,
			LockoutThreshold: 5,
			LockoutDuration:  15 * time.Minute,
		},
		Admin:   config.Admin{Email: "root@x.com", Password: "admin-password"},
		Login:   config.Login{RateLimitMax: 10, RateLimitWindow: time.Minute},
		Cleanup: config.Cleanup{CronSecret: "cron", RefreshRetention: time.Hour, BatchSize: 100},
		Log:     config.Log{Level: "error"},
	}
}

func post(t *testing.T, h http.Handler, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()

	payload, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestBuildServesAuthRoutes(t *testing.T) {
	runtime, err := Build(testConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = runtime.Close() })
	h := runtime.Handler

	rec := post(t, h, "/login", "", map[string]string{"email": "root@x.com", "password": "admin-password"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var session struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &session))

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+session.AccessToken)
	meRec := httptest.NewRecorder()
	h.ServeHTTP(meRec, req)
	require.Equal(t, http.StatusOK, meRec.Code)
	assert.Contains(t, meRec.Body.String(), `"roles":["Admin"]`)

	rec = post(t, h, "/refresh-token", "", map[string]string{
		"accessToken":  session.AccessToken,
		"refreshToken": session.RefreshToken,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = post(t, h, "/admin/credentials/unknown/unlock", session.AccessToken, map[string]string{})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = post(t, h, "/logout", session.AccessToken, map[string]string{})
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/internal/maintenance/cleanup", nil)
	req.Header.Set("Authorization", "Bearer cron")
	cleanupRec := httptest.NewRecorder()
	h.ServeHTTP(cleanupRec, req)
	assert.Equal(t, http.StatusOK, cleanupRec.Code)
}

func TestBuildHealthAndMetrics(t *testing.T) {
	runtime, err := Build(testConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = runtime.Close() })

	rec := httptest.NewRecorder()
	runtime.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	_ = post(t, runtime.Handler, "/login", "", map[string]string{"email": "root@x.com", "password": "wrong"})

	rec = httptest.NewRecorder()
	runtime.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `auth_login_attempts_total{outcome="invalid"} 1`)
	assert.Contains(t, string(body), "http_requests_total")
}

func TestBuildRejectsHalfConfiguredAdmin(t *testing.T) {
	cfg := testConfig()
	cfg.Admin.Password = ""

	_, err := Build(cfg)
	assert.Error(t, err)
}
