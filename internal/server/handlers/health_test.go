package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/cycjobs/internal/errors"
)

type checkerFunc func(ctx context.Context) error

func (f checkerFunc) CheckHealth(ctx context.Context) error { return f(ctx) }

// dirChecker passes while dir exists, like the job store checker.
func dirChecker(dir string) HealthChecker {
	return checkerFunc(func(context.Context) error {
		_, err := os.Stat(dir)
		return err
	})
}

func serveHealth(t *testing.T, h http.HandlerFunc, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func withGlobalManager(t *testing.T, m *HealthManager) {
	t.Helper()
	globalMu.Lock()
	original := globalHealthManager
	globalHealthManager = m
	globalMu.Unlock()
	t.Cleanup(func() {
		globalMu.Lock()
		globalHealthManager = original
		globalMu.Unlock()
	})
}

func TestHealthHandler_JobStoreReadiness(t *testing.T) {
	jobsDir := filepath.Join(t.TempDir(), "jobs")
	require.NoError(t, os.MkdirAll(jobsDir, 0o755))

	m := NewHealthManager("1.2.3")
	m.RegisterChecker("job_store", dirChecker(jobsDir))

	rec := serveHealth(t, m.ReadinessHandler, "/health/ready")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "1.2.3", resp.Version)
	assert.Equal(t, map[string]string{"job_store": "healthy"}, resp.Checks)

	require.NoError(t, os.RemoveAll(jobsDir))
	rec = serveHealth(t, m.ReadinessHandler, "/health/ready")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, apperrors.CodeServiceUnavailable, body.Error.Code)
	assert.Equal(t, "unhealthy", body.Error.Details["status"])
	checks, ok := body.Error.Details["checks"].(map[string]any)
	require.True(t, ok, "details carry the per-check results")
	assert.Equal(t, "unhealthy", checks["job_store"])
}

func TestHealthHandler_SlowCheckerIsDegraded(t *testing.T) {
	m := NewHealthManager("dev")
	m.timeout = 20 * time.Millisecond
	m.RegisterChecker("job_store", checkerFunc(func(context.Context) error { return nil }))
	m.RegisterChecker("telemetry", checkerFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	rec := serveHealth(t, m.HealthHandler, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "timeout", resp.Checks["telemetry"])
	assert.Equal(t, "healthy", resp.Checks["job_store"])
}

func TestDetermineOverallStatus(t *testing.T) {
	m := NewHealthManager("dev")
	tests := []struct {
		checks map[string]string
		want   string
	}{
		{nil, "healthy"},
		{map[string]string{"job_store": "healthy"}, "healthy"},
		{map[string]string{"job_store": "healthy", "telemetry": "timeout"}, "degraded"},
		{map[string]string{"job_store": "unhealthy", "telemetry": "timeout"}, "unhealthy"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, m.determineOverallStatus(tt.checks), "%v", tt.checks)
	}
}

func TestRegisterChecker_Replaces(t *testing.T) {
	m := NewHealthManager("dev")
	m.RegisterChecker("job_store", checkerFunc(func(context.Context) error { return errors.New("read-only") }))
	m.RegisterChecker("job_store", checkerFunc(func(context.Context) error { return nil }))

	assert.Equal(t, map[string]string{"job_store": "healthy"}, m.runChecks(context.Background()))
}

func TestGlobalHandlers(t *testing.T) {
	withGlobalManager(t, nil)
	m := InitHealthManager("2.0.0")
	assert.Same(t, m, GetHealthManager())

	tests := []struct {
		handler http.HandlerFunc
		path    string
		status  string
	}{
		{HealthHandler, "/health", "healthy"},
		{LivenessHandler, "/health/live", "alive"},
		{ReadinessHandler, "/health/ready", "healthy"},
		{StartupHandler, "/health/startup", "started"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := serveHealth(t, tt.handler, tt.path)
			require.Equal(t, http.StatusOK, rec.Code)

			var resp HealthResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.Equal(t, tt.status, resp.Status)
			assert.Equal(t, "2.0.0", resp.Version)
		})
	}
}

func TestLivenessIgnoresFailingCheckers(t *testing.T) {
	m := NewHealthManager("dev")
	m.RegisterChecker("job_store", checkerFunc(func(context.Context) error { return errors.New("gone") }))

	assert.Equal(t, http.StatusOK, serveHealth(t, m.LivenessHandler, "/health/live").Code)
	assert.Equal(t, http.StatusServiceUnavailable, serveHealth(t, m.ReadinessHandler, "/health/ready").Code)
}

func TestGlobalHandlers_WhenNotInitialized(t *testing.T) {
	withGlobalManager(t, nil)

	for _, h := range []http.HandlerFunc{HealthHandler, LivenessHandler, ReadinessHandler, StartupHandler} {
		rec := serveHealth(t, h, "/health")
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)

		var body apperrors.HTTPErrorResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		assert.Equal(t, apperrors.CodeServiceUnavailable, body.Error.Code)
		assert.Equal(t, "health manager not initialized", body.Error.Message)
	}
}
