//go:build e2e
// +build e2e

package e2e

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opscost/opscost/internal/api"
	"github.com/opscost/opscost/pkg/models"
)

// Environment variables for test configuration
const (
	EnvTestTimeout     = "TEST_TIMEOUT"
	DefaultTestTimeout = 30 * time.Second
)

// TestEnv holds the test environment configuration
type TestEnv struct {
	ServerURL       string
	MockProviderURL string
	TestTimeout     time.Duration
	HTTPClient      *http.Client
}

// NewTestEnv creates a new test environment
func NewTestEnv(serverURL, mockURL string) *TestEnv {
	env := &TestEnv{
		ServerURL:       serverURL,
		MockProviderURL: mockURL,
		TestTimeout:     DefaultTestTimeout,
		HTTPClient:      &http.Client{Timeout: 30 * time.Second},
	}

	if timeout := os.Getenv(EnvTestTimeout); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			env.TestTimeout = d
		}
	}
	return env
}

// Do sends a JSON request and decodes the response into out when set
func (e *TestEnv) Do(t *testing.T, method, url string, body, out any) int {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.HTTPClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

// Enqueue requests a refresh and returns the accepted request
func (e *TestEnv) Enqueue(t *testing.T, req models.EnqueueRequest) models.EnqueueResult {
	t.Helper()

	var res models.EnqueueResult
	status := e.Do(t, http.MethodPost, e.ServerURL+"/api/v1/costs/refresh", req, &res)
	require.Equal(t, http.StatusAccepted, status)
	require.NotEmpty(t, res.RequestID)
	return res
}

// WaitForTerminal polls a refresh request until it is done or failed
func (e *TestEnv) WaitForTerminal(t *testing.T, requestID string) models.RefreshStatusResponse {
	t.Helper()

	deadline := time.Now().Add(e.TestTimeout)
	for {
		var res models.RefreshStatusResponse
		status := e.Do(t, http.MethodGet, e.ServerURL+"/api/v1/costs/refresh/"+requestID, nil, &res)
		require.Equal(t, http.StatusOK, status)
		if res.Status == models.RefreshDone || res.Status == models.RefreshFailed {
			return res
		}
		if time.Now().After(deadline) {
			t.Fatalf("refresh %s still %s after %s", requestID, res.Status, e.TestTimeout)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// Dashboard reads the published payload
func (e *TestEnv) Dashboard(t *testing.T) api.DashboardResponse {
	t.Helper()

	var res api.DashboardResponse
	status := e.Do(t, http.MethodGet, e.ServerURL+"/api/v1/costs/dashboard", nil, &res)
	require.Equal(t, http.StatusOK, status)
	require.NotNil(t, res.Payload)
	return res
}
