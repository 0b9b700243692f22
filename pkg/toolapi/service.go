package toolapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/3leaps/cycjobs/pkg/jobregistry"
)

// ErrUnknownTool indicates a call to a tool the catalog does not define.
var ErrUnknownTool = errors.New("unknown tool")

// ServiceOptions carries informational settings reported by get_server_info.
type ServiceOptions struct {
	Version string
	JobsDir string
}

// Service is the tool dispatch layer. It validates tool calls against the
// catalog, forwards submit tools to the job manager, runs sync tools in
// process, and turns every outcome into an Envelope.
type Service struct {
	catalog  *Catalog
	jobs     *jobregistry.Manager
	opts     ServiceOptions
	handlers map[string]syncHandler
}

type syncHandler func(ctx context.Context, b *Binding) (map[string]any, error)

func NewService(catalog *Catalog, jobs *jobregistry.Manager, opts ServiceOptions) *Service {
	s := &Service{catalog: catalog, jobs: jobs, opts: opts}
	s.handlers = map[string]syncHandler{
		"validate_peptide_sequence":  s.validateSequence,
		"validate_peptide_structure": s.validateStructure,
		"get_server_info":            s.serverInfo,
	}
	return s
}

func (s *Service) Catalog() *Catalog {
	return s.catalog
}

// ListTools describes every catalog tool.
func (s *Service) ListTools() Envelope {
	return Success(map[string]any{
		"server": s.catalog.Server,
		"tools":  s.catalog.Tools,
	})
}

// CallTool runs the named tool with raw params.
func (s *Service) CallTool(ctx context.Context, name string, params map[string]any) Envelope {
	tool, ok := s.catalog.Tool(name)
	if !ok {
		return Failure(fmt.Errorf("%w: %s", ErrUnknownTool, name))
	}
	b, err := tool.Bind(params)
	if err != nil {
		return Failure(err)
	}

	if tool.Kind == KindSync {
		h, ok := s.handlers[tool.Handler]
		if !ok {
			return Failure(fmt.Errorf("tool %s: no handler %q", tool.Name, tool.Handler))
		}
		out, err := h(ctx, b)
		if err != nil {
			return Failure(err)
		}
		return Success(out)
	}

	name = b.JobName
	if name == "" {
		name = tool.DefaultJobName(b.Values)
	}
	return s.SubmitJob(ctx, tool.Script, b.Args, name)
}

// SubmitJob submits a catalog script directly with flat args.
func (s *Service) SubmitJob(ctx context.Context, script string, args map[string]any, jobName string) Envelope {
	rec, err := s.jobs.SubmitJob(ctx, jobregistry.SubmitRequest{ScriptName: script, Args: args, JobName: jobName})
	if err != nil {
		env := Failure(err)
		if rec != nil {
			env["job_id"] = rec.JobID
		}
		return env
	}
	return Envelope{
		"status":     StatusSubmitted,
		"job_id":     rec.JobID,
		"job_name":   rec.JobName,
		"job_status": string(rec.Status),
		"message":    fmt.Sprintf("Job submitted. Poll status with get_job_status(%q).", rec.JobID),
	}
}

// JobStatus reports the job record, reconciling a finished process first.
// The envelope's "status" is the job status.
func (s *Service) JobStatus(ctx context.Context, jobID string) Envelope {
	rec, err := s.jobs.GetJobStatus(ctx, jobID)
	if err != nil {
		return Failure(err)
	}
	return statusFields(rec)
}

func statusFields(rec *jobregistry.JobRecord) Envelope {
	e := Envelope{
		"job_id":       rec.JobID,
		"job_name":     rec.JobName,
		"script_name":  rec.ScriptName,
		"status":       string(rec.Status),
		"submitted_at": rec.SubmittedAt.Format(time.RFC3339Nano),
	}
	if rec.StartedAt != nil {
		e["started_at"] = rec.StartedAt.Format(time.RFC3339Nano)
	}
	if rec.CompletedAt != nil {
		e["completed_at"] = rec.CompletedAt.Format(time.RFC3339Nano)
	}
	if rec.PID > 0 {
		e["pid"] = rec.PID
	}
	if rec.ExitCode != nil {
		e["exit_code"] = *rec.ExitCode
	}
	if rec.Error != "" {
		e["error"] = rec.Error
		e["error_type"] = rec.ErrorType
	}
	if rec.CancelReason != "" {
		e["cancel_reason"] = rec.CancelReason
	}
	return e
}

// JobResult returns the result of a completed job.
func (s *Service) JobResult(ctx context.Context, jobID string) Envelope {
	result, err := s.jobs.GetJobResult(ctx, jobID)
	if err != nil {
		env := Failure(err).with("job_id", jobID)
		var ee *jobregistry.ExecutionError
		if errors.As(err, &ee) && ee.ExitCode != nil {
			env["exit_code"] = *ee.ExitCode
		}
		return env
	}
	return Success(map[string]any{"job_id": jobID, "result": result})
}

// JobLog returns log lines; tail 0 returns the whole log.
func (s *Service) JobLog(ctx context.Context, jobID string, tail int) Envelope {
	page, err := s.jobs.GetJobLog(ctx, jobID, tail)
	if err != nil {
		return Failure(err)
	}
	return Success(map[string]any{
		"job_id":      jobID,
		"lines":       page.Lines,
		"total_lines": page.TotalLines,
	})
}

// CancelJob cancels an active job; terminal jobs are left unchanged.
func (s *Service) CancelJob(ctx context.Context, jobID, reason string) Envelope {
	rec, err := s.jobs.CancelJob(ctx, jobID, reason)
	if err != nil {
		return Failure(err)
	}
	msg := fmt.Sprintf("Job %s cancelled", jobID)
	if rec.Status != jobregistry.JobStatusCancelled {
		msg = fmt.Sprintf("Job %s already %s", jobID, rec.Status)
	}
	return Success(map[string]any{
		"job_id":     jobID,
		"job_status": string(rec.Status),
		"message":    msg,
	})
}

// ListJobs lists job summaries, optionally filtered by status.
func (s *Service) ListJobs(ctx context.Context, status string) Envelope {
	var filter *jobregistry.JobStatus
	if status = strings.TrimSpace(status); status != "" {
		st, err := jobregistry.ParseStatus(status)
		if err != nil {
			return Failure(err)
		}
		filter = &st
	}
	jobs, err := s.jobs.ListJobs(ctx, filter)
	if err != nil {
		return Failure(err)
	}
	return Success(map[string]any{"jobs": jobs, "total": len(jobs)})
}

// CleanupOldJobs removes terminal jobs older than maxAgeDays. Per-job
// failures are reported as warnings alongside the removed count.
func (s *Service) CleanupOldJobs(ctx context.Context, maxAgeDays int) Envelope {
	removed, err := s.jobs.CleanupOldJobs(ctx, maxAgeDays)
	if err != nil && jobregistry.IsValidation(err) {
		return Failure(err)
	}
	fields := map[string]any{"removed_count": removed}
	if err != nil {
		fields["warnings"] = strings.Split(err.Error(), "\n")
	}
	return Success(fields)
}

func (s *Service) validateSequence(_ context.Context, b *Binding) (map[string]any, error) {
	seq, _ := b.Values["sequence"].(string)
	report, err := AnalyzeSequence(seq)
	if err != nil {
		return nil, invalid("sequence", err.Error())
	}
	return toFields(report)
}

func (s *Service) validateStructure(_ context.Context, b *Binding) (map[string]any, error) {
	path, _ := b.Values["input_file"].(string)
	report, err := SummarizePDB(path)
	if err != nil {
		return nil, invalid("input_file", err.Error())
	}
	return toFields(report)
}

func (s *Service) serverInfo(_ context.Context, _ *Binding) (map[string]any, error) {
	var submit, sync []string
	runtimes := map[string]string{}
	for _, t := range s.catalog.Tools {
		switch t.Kind {
		case KindSubmit:
			submit = append(submit, t.Name)
		case KindSync:
			sync = append(sync, t.Name)
		}
		if t.TypicalRuntime != "" {
			runtimes[t.Name] = t.TypicalRuntime
		}
	}
	return map[string]any{
		"server_name":       s.catalog.Server.Name,
		"version":           s.opts.Version,
		"description":       s.catalog.Server.Description,
		"scripts_directory": s.catalog.ScriptsDir,
		"job_storage":       s.opts.JobsDir,
		"available_tools": map[string]any{
			"job_management": []string{
				"get_job_status", "get_job_result", "get_job_log",
				"cancel_job", "list_jobs", "cleanup_old_jobs",
			},
			"submit_tools": submit,
			"sync_tools":   sync,
		},
		"typical_runtimes": runtimes,
	}, nil
}

// toFields flattens a JSON-tagged report into envelope fields.
func toFields(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (e Envelope) with(key string, value any) Envelope {
	e[key] = value
	return e
}
