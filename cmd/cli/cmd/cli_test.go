package cmd

// The CLI uses package-level variables for cobra flags. Tests that execute
// commands hold testMu and restore defaults through setupTest, so they must
// not run in parallel. Pure function tests may.

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opscost/opscost/internal/aggregate"
	"github.com/opscost/opscost/pkg/models"
)

var testMu sync.Mutex

func resetGlobalStateToDefaults() {
	configPath = ""
	outputFormat = "table"
	enqueueSource = string(models.SourceCLI)
	enqueueRequestedBy = ""
	enqueueCooldown = 0
	enqueueForce = false
	listStatuses = nil
	listLimit = 20
	reconcileThreshold = aggregate.DefaultDriftThreshold
	syncLogLimit = 20
}

// setupTest locks global state, writes a config pointing at a temporary
// SQLite database and returns its path.
func setupTest(t *testing.T) string {
	t.Helper()
	testMu.Lock()
	resetGlobalStateToDefaults()

	prices := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"gpt-4o":{"input_cost_per_token":0.0000025,"output_cost_per_token":0.00001}}`)
	}))

	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "opscost.yaml")
	cfg := fmt.Sprintf(`database:
  driver: sqlite
  path: %s
pricing:
  source_url: %s
  cache_path: %s
providers:
  openrouter:
    enabled: false
  anthropic:
    enabled: false
  codex:
    enabled: false
logging:
  level: error
`, filepath.Join(dir, "opscost.db"), prices.URL, filepath.Join(dir, "pricing-cache.json"))
	require.NoError(t, os.WriteFile(cfgFile, []byte(cfg), 0644))

	t.Cleanup(func() {
		prices.Close()
		resetGlobalStateToDefaults()
		testMu.Unlock()
	})
	return cfgFile
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCooldownRemaining(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		last     time.Time
		cooldown time.Duration
		want     time.Duration
	}{
		{"no cooldown", now.Add(-time.Minute), 0, 0},
		{"never finished", time.Time{}, 30 * time.Minute, 0},
		{"inside window", now.Add(-10 * time.Minute), 30 * time.Minute, 20 * time.Minute},
		{"window elapsed", now.Add(-45 * time.Minute), 30 * time.Minute, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, cooldownRemaining(tt.last, now, tt.cooldown))
		})
	}
}

func TestMaskSecret(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "(not set)", maskSecret(""))
	assert.Equal(t, "****", maskSecret("short"))
	assert.Equal(t, "****wxyz", maskSecret("sk-or-v1-abcdwxyz"))
}

func TestTruncateString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "hello", truncateString("hello", 10))
	assert.Equal(t, "hello w...", truncateString("hello world!", 10))
	assert.Equal(t, "he", truncateString("hello", 2))
}

func TestEnqueueStatusList(t *testing.T) {
	cfgFile := setupTest(t)

	out, err := execute(t, "enqueue", "-c", cfgFile, "-o", "json", "--requested-by", "ops")
	require.NoError(t, err)

	var result models.EnqueueResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.True(t, result.OK)
	assert.Equal(t, models.RefreshPending, result.Status)

	out, err = execute(t, "status", result.RequestID, "-c", cfgFile, "-o", "json")
	require.NoError(t, err)
	var status models.RefreshStatusResponse
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.Equal(t, result.RequestID, status.RequestID)

	out, err = execute(t, "list", "-c", cfgFile, "-o", "table")
	require.NoError(t, err)
	assert.Contains(t, out, result.RequestID)
	assert.Contains(t, out, "ops")

	_, err = execute(t, "status", "missing-id", "-c", cfgFile)
	assert.Error(t, err)
}

func TestEnqueueCooldown(t *testing.T) {
	cfgFile := setupTest(t)

	_, err := execute(t, "enqueue", "-c", cfgFile)
	require.NoError(t, err)

	out, err := execute(t, "process-once", "-c", cfgFile)
	require.NoError(t, err)
	assert.Contains(t, out, "done")

	out, err = execute(t, "enqueue", "-c", cfgFile, "--cooldown", "30m")
	require.NoError(t, err)
	assert.Contains(t, out, "Skipped")

	out, err = execute(t, "enqueue", "-c", cfgFile, "--cooldown", "30m", "--force")
	require.NoError(t, err)
	assert.Contains(t, out, "Enqueued refresh")
}

func TestProcessOnceEmpty(t *testing.T) {
	cfgFile := setupTest(t)

	out, err := execute(t, "process-once", "-c", cfgFile)
	require.NoError(t, err)
	assert.Contains(t, out, "No refresh job to process.")
}

func TestReconcile(t *testing.T) {
	cfgFile := setupTest(t)

	_, err := execute(t, "reconcile", "-c", cfgFile)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load stored payload")

	out, err := execute(t, "refresh-now", "-c", cfgFile)
	require.NoError(t, err)
	assert.Contains(t, out, "Pricing:         live")

	out, err = execute(t, "reconcile", "-c", cfgFile, "-o", "json")
	require.NoError(t, err)
	var report aggregate.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.True(t, report.OK)
	assert.NotEmpty(t, report.Checks)
}

func TestMigrateAndConfig(t *testing.T) {
	cfgFile := setupTest(t)

	out, err := execute(t, "migrate", "-c", cfgFile)
	require.NoError(t, err)
	assert.Contains(t, out, "Migrations applied (sqlite)")

	out, err = execute(t, "config", "-c", cfgFile)
	require.NoError(t, err)
	assert.Contains(t, out, "openrouter     enabled=false")
}
