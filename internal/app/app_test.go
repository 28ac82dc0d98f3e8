package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bissquit/followup/internal/config"
	"github.com/bissquit/followup/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestApp(t *testing.T) *App {
	t.Helper()

	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = "0"
	cfg.Server.MetricsPort = "0"
	cfg.Database.Driver = config.DriverSQLite
	cfg.Database.SQLitePath = filepath.Join(t.TempDir(), "followup.db")
	cfg.Log.Level = "error"
	cfg.Auth.SecretKey = "app-test-secret-key-0123456789abcdef"
	cfg.Resolver.SelfAddresses = []string{"me@example.com"}
	cfg.Reminders.Worker.Enabled = false
	require.NoError(t, cfg.Validate())

	application, err := New(&cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = application.Close() })
	return application
}

func mint(t *testing.T, a *App, role domain.Role) string {
	t.Helper()
	token, _, err := a.Authenticator().Mint("test", role, time.Hour)
	require.NoError(t, err)
	return token
}

func call(t *testing.T, h http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRouter_Probes(t *testing.T) {
	a := newTestApp(t)
	h := a.Router()

	assert.Equal(t, http.StatusOK, call(t, h, http.MethodGet, "/healthz", "", "").Code)
	assert.Equal(t, http.StatusOK, call(t, h, http.MethodGet, "/readyz", "", "").Code)

	rec := call(t, h, http.MethodGet, "/version", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"version"`)

	rec = call(t, h, http.MethodGet, "/api/openapi.yaml", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "openapi: 3.0.3")
}

func TestRouter_ReadyzFailsWhenStoreClosed(t *testing.T) {
	a := newTestApp(t)
	require.NoError(t, a.storage.Close())

	assert.Equal(t, http.StatusServiceUnavailable, call(t, a.Router(), http.MethodGet, "/readyz", "", "").Code)
}

func TestRouter_Roles(t *testing.T) {
	a := newTestApp(t)
	h := a.Router()
	viewer := mint(t, a, domain.RoleViewer)
	operator := mint(t, a, domain.RoleOperator)

	assert.Equal(t, http.StatusUnauthorized, call(t, h, http.MethodGet, "/api/v1/stats", "", "").Code)
	assert.Equal(t, http.StatusOK, call(t, h, http.MethodGet, "/api/v1/stats", viewer, "").Code)
	assert.Equal(t, http.StatusForbidden, call(t, h, http.MethodPost, "/api/v1/runs/enrich", viewer, "").Code)
	assert.Equal(t, http.StatusOK, call(t, h, http.MethodPost, "/api/v1/runs/enrich", operator, "").Code)
}

func TestRouter_SignalToDelivery(t *testing.T) {
	a := newTestApp(t)
	h := a.Router()
	operator := mint(t, a, domain.RoleOperator)

	received := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	rec := call(t, h, http.MethodPost, "/api/v1/signals/emails", operator, `{"emails":[{
		"message_id":"m-1","thread_id":"t-1","from":"Erin <erin@vendor.io>",
		"to":["me@example.com"],"subject":"Invoice","date":"`+received+`"}]}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	rec = call(t, h, http.MethodPost, "/api/v1/runs/enrich", operator, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"created":1`)

	rec = call(t, h, http.MethodPost, "/api/v1/runs/dispatch", operator, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var dispatch struct {
		Data struct {
			Sent int `json:"sent"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dispatch))
	assert.Equal(t, 1, dispatch.Data.Sent)

	rec = call(t, h, http.MethodGet, "/api/v1/reminders?status=sent", operator, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "erin@vendor.io")
}

func TestRun_StopsOnCancel(t *testing.T) {
	a := newTestApp(t)
	a.config.Server.WriteTimeout = 2 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
