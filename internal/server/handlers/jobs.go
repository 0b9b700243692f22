package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/3leaps/cycjobs/internal/errors"
	"github.com/3leaps/cycjobs/pkg/jobregistry"
	"github.com/3leaps/cycjobs/pkg/toolapi"
)

const (
	defaultLogTail    = 50
	defaultMaxAgeDays = 30
	maxBodyBytes      = 1 << 20
)

// JobsAPI exposes the tool service over HTTP. Every response body is a
// toolapi.Envelope; the HTTP status follows the envelope error_type.
type JobsAPI struct {
	svc *toolapi.Service
}

func NewJobsAPI(svc *toolapi.Service) *JobsAPI {
	return &JobsAPI{svc: svc}
}

// Routes mounts the API on r. submitMW wraps the endpoints that start jobs.
func (a *JobsAPI) Routes(r chi.Router, submitMW func(http.Handler) http.Handler) {
	if submitMW == nil {
		submitMW = func(h http.Handler) http.Handler { return h }
	}

	r.Get("/tools", a.ListTools)
	r.With(submitMW).Post("/tools/{tool}", a.CallTool)

	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", a.ListJobs)
		r.With(submitMW).Post("/", a.SubmitJob)
		r.Post("/cleanup", a.CleanupJobs)
		r.Get("/{id}", a.JobStatus)
		r.Get("/{id}/result", a.JobResult)
		r.Get("/{id}/log", a.JobLog)
		r.Post("/{id}/cancel", a.CancelJob)
	})
}

type submitRequest struct {
	ScriptName string         `json:"script_name"`
	Args       map[string]any `json:"args"`
	JobName    string         `json:"job_name"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type cleanupRequest struct {
	MaxAgeDays *int `json:"max_age_days"`
}

func (a *JobsAPI) ListTools(w http.ResponseWriter, r *http.Request) {
	writeEnvelope(w, a.svc.ListTools())
}

func (a *JobsAPI) CallTool(w http.ResponseWriter, r *http.Request) {
	var params map[string]any
	if err := decodeBody(r, &params); err != nil {
		writeEnvelope(w, toolapi.Failure(err))
		return
	}
	writeEnvelope(w, a.svc.CallTool(r.Context(), chi.URLParam(r, "tool"), params))
}

func (a *JobsAPI) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeBody(r, &req); err != nil {
		writeEnvelope(w, toolapi.Failure(err))
		return
	}
	writeEnvelope(w, a.svc.SubmitJob(r.Context(), req.ScriptName, req.Args, req.JobName))
}

func (a *JobsAPI) ListJobs(w http.ResponseWriter, r *http.Request) {
	writeEnvelope(w, a.svc.ListJobs(r.Context(), r.URL.Query().Get("status")))
}

func (a *JobsAPI) JobStatus(w http.ResponseWriter, r *http.Request) {
	writeEnvelope(w, a.svc.JobStatus(r.Context(), chi.URLParam(r, "id")))
}

func (a *JobsAPI) JobResult(w http.ResponseWriter, r *http.Request) {
	writeEnvelope(w, a.svc.JobResult(r.Context(), chi.URLParam(r, "id")))
}

func (a *JobsAPI) JobLog(w http.ResponseWriter, r *http.Request) {
	tail := defaultLogTail
	if raw := strings.TrimSpace(r.URL.Query().Get("tail")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeEnvelope(w, toolapi.Failure(&jobregistry.ValidationError{Field: "tail", Message: "must be an integer"}))
			return
		}
		tail = n
	}
	writeEnvelope(w, a.svc.JobLog(r.Context(), chi.URLParam(r, "id"), tail))
}

func (a *JobsAPI) CancelJob(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := decodeBody(r, &req); err != nil {
		writeEnvelope(w, toolapi.Failure(err))
		return
	}
	writeEnvelope(w, a.svc.CancelJob(r.Context(), chi.URLParam(r, "id"), req.Reason))
}

func (a *JobsAPI) CleanupJobs(w http.ResponseWriter, r *http.Request) {
	var req cleanupRequest
	if err := decodeBody(r, &req); err != nil {
		writeEnvelope(w, toolapi.Failure(err))
		return
	}
	days := defaultMaxAgeDays
	if req.MaxAgeDays != nil {
		days = *req.MaxAgeDays
	}
	writeEnvelope(w, a.svc.CleanupOldJobs(r.Context(), days))
}

// decodeBody decodes an optional JSON body into v. An empty body leaves v
// untouched; a malformed one is a validation error.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return &jobregistry.ValidationError{Field: "body", Message: "invalid JSON: " + err.Error()}
	}
	return nil
}

func writeEnvelope(w http.ResponseWriter, env toolapi.Envelope) {
	status := http.StatusOK
	switch s, _ := env["status"].(string); s {
	case toolapi.StatusSubmitted:
		status = http.StatusAccepted
	case toolapi.StatusError:
		errType, _ := env["error_type"].(string)
		status = apperrors.StatusForErrorType(errType)
		if status == http.StatusOK {
			status = http.StatusInternalServerError
		}
	}
	writeJSON(w, status, env)
}
