package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opscost/opscost/internal/dashboard"
	"github.com/opscost/opscost/internal/queue"
	"github.com/opscost/opscost/internal/storage"
	"github.com/opscost/opscost/pkg/models"
)

// Mock implementations

type mockDashboard struct {
	payload *models.Payload
	diag    models.PayloadDiagnostics
	err     error
}

func (m *mockDashboard) Read(ctx context.Context) (*models.Payload, models.PayloadDiagnostics, error) {
	return m.payload, m.diag, m.err
}

type mockRefresher struct {
	calls atomic.Int32
	err   error
}

func (m *mockRefresher) RefreshNow(ctx context.Context) (*models.Payload, error) {
	m.calls.Add(1)
	if m.err != nil {
		return nil, m.err
	}
	return &models.Payload{Sources: models.PayloadSources{UsageRows: 4}}, nil
}

type denyAll struct{}

func (denyAll) Authenticate(r *http.Request) (string, error) {
	return "", errors.New("no session")
}

func setupTestServer(t *testing.T, opts ...Option) (*Server, *queue.Queue, *mockDashboard) {
	t.Helper()
	db, err := storage.New(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(context.Background()))

	q := queue.New(storage.NewRefreshStore(db))
	dash := &mockDashboard{
		payload: &models.Payload{Totals: models.AggregateBucket{EstimatedCost: 12.5}},
		diag:    models.PayloadDiagnostics{Source: dashboard.SourceKV},
	}

	server := New(q, dash, opts...)
	// Set server as ready by default in tests
	server.SetReady(true)
	return server, q, dash
}

func serve(s *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	server, _, _ := setupTestServer(t)

	w := serve(server, "GET", "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var response HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "ok", response.Status)
	assert.Equal(t, "true", response.Services["ready"])
	assert.Equal(t, "ok", response.Services["datastore"])
	assert.Equal(t, 0, response.Queue["pending"])
}

func TestHealthNotReady(t *testing.T) {
	server, _, _ := setupTestServer(t)
	server.SetReady(false)

	w := serve(server, "GET", "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var response HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "unavailable", response.Status)
	assert.Equal(t, "false", response.Services["ready"])
}

func TestReadyEndpoint(t *testing.T) {
	server, _, _ := setupTestServer(t)

	w := serve(server, "GET", "/ready", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var response ReadyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.True(t, response.Ready)

	server.SetReady(false)
	w = serve(server, "GET", "/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestEnqueueRefresh(t *testing.T) {
	server, q, _ := setupTestServer(t)

	w := serve(server, "POST", "/api/v1/costs/refresh", "", map[string]string{
		"X-Forwarded-For":   "203.0.113.7, 10.0.0.1",
		"X-Idempotency-Key": "click-1",
	})
	require.Equal(t, http.StatusAccepted, w.Code)

	var result models.EnqueueResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.True(t, result.OK)
	assert.False(t, result.Deduped)
	assert.Equal(t, models.RefreshPending, result.Status)

	stored, err := q.Get(context.Background(), result.RequestID)
	require.NoError(t, err)
	assert.Equal(t, models.SourceWeb, stored.Source)
	assert.Equal(t, "click-1", stored.IdempotencyKey)
	assert.Equal(t, "203.0.113.7", stored.RequestedBy)
}

func TestEnqueueRefreshDeduped(t *testing.T) {
	server, _, _ := setupTestServer(t)

	first := serve(server, "POST", "/api/v1/costs/refresh", `{"source":"cli"}`, nil)
	require.Equal(t, http.StatusAccepted, first.Code)
	second := serve(server, "POST", "/api/v1/costs/refresh", `{"source":"web"}`, nil)
	require.Equal(t, http.StatusAccepted, second.Code)

	var a, b models.EnqueueResult
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &a))
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &b))
	assert.Equal(t, a.RequestID, b.RequestID)
	assert.True(t, b.Deduped)
}

func TestEnqueueRefreshBadRequest(t *testing.T) {
	server, _, _ := setupTestServer(t)

	w := serve(server, "POST", "/api/v1/costs/refresh", `{"source":"cron"}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var response ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Contains(t, response.Error, "source must be one of: web, cli, worker")

	w = serve(server, "POST", "/api/v1/costs/refresh", `{"source":`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetRefresh(t *testing.T) {
	server, q, _ := setupTestServer(t)

	res, err := q.Enqueue(context.Background(), models.EnqueueRequest{Source: models.SourceCLI})
	require.NoError(t, err)

	w := serve(server, "GET", "/api/v1/costs/refresh/"+res.RequestID, "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, res.RequestID, body["requestId"])
	assert.Equal(t, "pending", body["status"])
	assert.Nil(t, body["startedAt"])
	assert.Nil(t, body["error"])
	assert.Equal(t, float64(0), body["retryCount"])
}

func TestGetRefreshNotFound(t *testing.T) {
	server, _, _ := setupTestServer(t)

	w := serve(server, "GET", "/api/v1/costs/refresh/does-not-exist", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRefreshNowDisabled(t *testing.T) {
	refresher := &mockRefresher{}
	server, _, _ := setupTestServer(t, WithSyncRefresh(refresher, false))

	w := serve(server, "POST", "/api/v1/costs/refresh-now", "", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, int32(0), refresher.calls.Load())
}

func TestRefreshNow(t *testing.T) {
	refresher := &mockRefresher{}
	server, _, _ := setupTestServer(t, WithSyncRefresh(refresher, true))

	w := serve(server, "POST", "/api/v1/costs/refresh-now", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var response RefreshNowResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.True(t, response.OK)
	assert.Equal(t, 4, response.Payload.Sources.UsageRows)

	refresher.err = errors.New("all provider fetches failed")
	w = serve(server, "POST", "/api/v1/costs/refresh-now", "", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestDashboard(t *testing.T) {
	server, _, dash := setupTestServer(t)

	w := serve(server, "GET", "/api/v1/costs/dashboard", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var response DashboardResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, dashboard.SourceKV, response.Diagnostics.Source)
	assert.Equal(t, 12.5, response.Payload.Totals.EstimatedCost)

	dash.payload = nil
	dash.err = dashboard.ErrNoPayload
	dash.diag = models.PayloadDiagnostics{Warning: "no payload stored yet"}
	w = serve(server, "GET", "/api/v1/costs/dashboard", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "no payload stored yet")
}

func TestAuthenticatorRejects(t *testing.T) {
	server, _, _ := setupTestServer(t, WithAuthenticator(denyAll{}))

	w := serve(server, "GET", "/api/v1/costs/dashboard", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Health stays open
	w = serve(server, "GET", "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequestIDMiddleware(t *testing.T) {
	server, _, _ := setupTestServer(t)

	w := serve(server, "GET", "/health", "", map[string]string{"X-Request-ID": "test-request-123"})
	assert.Equal(t, "test-request-123", w.Header().Get("X-Request-ID"))

	w = serve(server, "GET", "/health", "", map[string]string{"X-Request-ID": "bad id with spaces"})
	assert.NotEqual(t, "bad id with spaces", w.Header().Get("X-Request-ID"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestMetricsEndpoint(t *testing.T) {
	server, _, _ := setupTestServer(t)
	serve(server, "GET", "/health", "", nil)

	w := serve(server, "GET", "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "opscost_refresh_queue_depth")
}

func TestRequesterOf(t *testing.T) {
	server, q, _ := setupTestServer(t)

	w := serve(server, "POST", "/api/v1/costs/refresh", `{"requestedBy":"ops-dashboard"}`, nil)
	require.Equal(t, http.StatusAccepted, w.Code)

	var result models.EnqueueResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	stored, err := q.Get(context.Background(), result.RequestID)
	require.NoError(t, err)
	assert.Equal(t, "ops-dashboard", stored.RequestedBy)
}
