package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/cycjobs/internal/errors"
	"github.com/3leaps/cycjobs/pkg/jobregistry"
	"github.com/3leaps/cycjobs/pkg/toolapi"
)

// idleLauncher starts nothing and reports every job as still running.
type idleLauncher struct {
	mu  sync.Mutex
	pid int
}

func (l *idleLauncher) Launch(_ context.Context, spec jobregistry.LaunchSpec) (jobregistry.ProcessHandle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pid++
	return jobregistry.ProcessHandle{PID: l.pid, JobDir: spec.JobDir}, nil
}

func (l *idleLauncher) IsAlive(jobregistry.ProcessHandle) bool { return true }

func (l *idleLauncher) ExitStatus(jobregistry.ProcessHandle) (*jobregistry.ExitStatus, bool) {
	return nil, false
}

func (l *idleLauncher) Terminate(context.Context, jobregistry.ProcessHandle) error { return nil }

func newAPIServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	catalog, err := toolapi.DefaultCatalog()
	require.NoError(t, err)
	catalog.WithScriptsDir("/opt/scripts")

	store := jobregistry.NewStore(t.TempDir())
	mgr, err := jobregistry.NewManager(jobregistry.ManagerOptions{
		Store:    store,
		Launcher: &idleLauncher{},
		Resolver: catalog,
	})
	require.NoError(t, err)
	t.Cleanup(mgr.Close)

	svc := toolapi.NewService(catalog, mgr, toolapi.ServiceOptions{Version: "test", JobsDir: store.RootDir()})
	return New("127.0.0.1", 0, append([]Option{WithToolService(svc)}, opts...)...)
}

func do(t *testing.T, srv *Server, method, path, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	req.RemoteAddr = "198.51.100.4:1234"
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return rec.Code, out
}

func TestAPI_JobLifecycle(t *testing.T) {
	srv := newAPIServer(t)

	code, body := do(t, srv, http.MethodPost, "/v1/tools/submit_structure_prediction", `{"sequence":"GRGDSP","nstruct":2}`)
	require.Equal(t, http.StatusAccepted, code, body)
	assert.Equal(t, toolapi.StatusSubmitted, body["status"])
	jobID, _ := body["job_id"].(string)
	require.NotEmpty(t, jobID)

	code, body = do(t, srv, http.MethodGet, "/v1/jobs/"+jobID, "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "running", body["status"])

	code, body = do(t, srv, http.MethodGet, "/v1/jobs/"+jobID+"/result", "")
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, toolapi.ErrTypeNotReady, body["error_type"])

	code, body = do(t, srv, http.MethodGet, "/v1/jobs/"+jobID+"/log?tail=5", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(0), body["total_lines"])

	code, body = do(t, srv, http.MethodPost, "/v1/jobs/"+jobID+"/cancel", `{"reason":"wrong input"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "cancelled", body["job_status"])

	code, body = do(t, srv, http.MethodGet, "/v1/jobs?status=cancelled", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["total"])

	code, body = do(t, srv, http.MethodPost, "/v1/jobs/cleanup", `{"max_age_days":0}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["removed_count"])

	code, body = do(t, srv, http.MethodGet, "/v1/jobs/"+jobID, "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, toolapi.ErrTypeNotFound, body["error_type"])
}

func TestAPI_SubmitByScriptName(t *testing.T) {
	srv := newAPIServer(t)

	code, body := do(t, srv, http.MethodPost, "/v1/jobs", `{"script_name":"structure_prediction.py","args":{"input":"AAAA","nstruct":1},"job_name":"raw"}`)
	require.Equal(t, http.StatusAccepted, code, body)
	assert.Equal(t, "raw", body["job_name"])

	code, body = do(t, srv, http.MethodPost, "/v1/jobs", `{"script_name":"evil.sh"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, toolapi.ErrTypeValidation, body["error_type"])
}

func TestAPI_BadRequests(t *testing.T) {
	srv := newAPIServer(t)

	malformed := []struct {
		method, path, body, field string
	}{
		{http.MethodPost, "/v1/jobs", `{"script_name":`, "body"},
		{http.MethodPost, "/v1/jobs", `{not json`, "body"},
		{http.MethodPost, "/v1/tools/submit_structure_prediction", `[1,2`, "body"},
		{http.MethodPost, "/v1/jobs/abc/cancel", `{"reason":`, "body"},
		{http.MethodPost, "/v1/jobs/cleanup", `{"max_age_days":"soon"}`, "body"},
		{http.MethodGet, "/v1/jobs/abc/log?tail=many", "", "tail"},
	}
	for _, tc := range malformed {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			code, body := do(t, srv, tc.method, tc.path, tc.body)
			assert.Equal(t, http.StatusBadRequest, code)
			assert.Equal(t, toolapi.StatusError, body["status"])
			assert.Equal(t, toolapi.ErrTypeValidation, body["error_type"])
			msg, _ := body["error"].(string)
			assert.Contains(t, msg, tc.field)
		})
	}

	code, body := do(t, srv, http.MethodPost, "/v1/tools/no_such_tool", `{}`)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, toolapi.ErrTypeNotFound, body["error_type"])

	code, body = do(t, srv, http.MethodGet, "/v1/jobs?status=sleeping", "")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, toolapi.ErrTypeValidation, body["error_type"])
}

func TestAPI_SyncToolAndCatalog(t *testing.T) {
	srv := newAPIServer(t)

	code, body := do(t, srv, http.MethodPost, "/v1/tools/validate_peptide_sequence", `{"sequence":"grgdsp"}`)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "GRGDSP", body["sequence"])

	code, body = do(t, srv, http.MethodGet, "/v1/tools", "")
	assert.Equal(t, http.StatusOK, code)
	tools, _ := body["tools"].([]any)
	assert.NotEmpty(t, tools)
}

func TestAPI_SubmitRateLimited(t *testing.T) {
	srv := newAPIServer(t, WithRateLimit(0.001, 1))

	code, _ := do(t, srv, http.MethodPost, "/v1/tools/submit_structure_prediction", `{"sequence":"GRGDSP"}`)
	require.Equal(t, http.StatusAccepted, code)

	code, body := do(t, srv, http.MethodPost, "/v1/tools/submit_structure_prediction", `{"sequence":"GRGDSP"}`)
	assert.Equal(t, http.StatusTooManyRequests, code)
	errBody, _ := body["error"].(map[string]any)
	assert.Equal(t, apperrors.CodeRateLimited, errBody["code"])

	code, _ = do(t, srv, http.MethodGet, "/v1/jobs", "")
	assert.Equal(t, http.StatusOK, code, "reads are not throttled")
}
