package jobregistry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CommandResolver maps a script name and its arguments onto a runnable
// command. outputDir is the job's private output directory.
type CommandResolver interface {
	Resolve(scriptName string, args map[string]any, outputDir string) (Command, error)
}

// ResolverFunc adapts a function to CommandResolver.
type ResolverFunc func(scriptName string, args map[string]any, outputDir string) (Command, error)

func (f ResolverFunc) Resolve(scriptName string, args map[string]any, outputDir string) (Command, error) {
	return f(scriptName, args, outputDir)
}

// Observer receives lifecycle events. Implementations must be safe for
// concurrent use.
type Observer interface {
	JobSubmitted(rec *JobRecord)
	JobStarted(rec *JobRecord)
	JobFinished(rec *JobRecord)
	JobsRemoved(n int)
}

// Archiver copies a job directory somewhere durable before cleanup deletes it.
type Archiver interface {
	ArchiveJob(ctx context.Context, jobID, jobDir string) error
}

type nopObserver struct{}

func (nopObserver) JobSubmitted(*JobRecord) {}
func (nopObserver) JobStarted(*JobRecord)   {}
func (nopObserver) JobFinished(*JobRecord)  {}
func (nopObserver) JobsRemoved(int)         {}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Store    *Store
	Launcher ProcessLauncher
	Resolver CommandResolver

	// Observer defaults to a no-op.
	Observer Observer

	// Archiver is optional; when set, cleanup archives before deleting.
	Archiver Archiver

	// MaxConcurrent caps pending+running jobs; 0 means unbounded.
	MaxConcurrent int

	// ResultPatterns select output files listed in results.
	ResultPatterns []string

	// Now and NewID are overridable for tests.
	Now   func() time.Time
	NewID func() string
}

// SubmitRequest is the input of SubmitJob.
type SubmitRequest struct {
	ScriptName string
	Args       map[string]any
	JobName    string
}

// Manager orchestrates the store and the launcher. Construct one per
// process and share it; every method is safe for concurrent use.
type Manager struct {
	store    *Store
	launcher ProcessLauncher
	resolver CommandResolver
	observer Observer
	archiver Archiver

	maxConcurrent int
	patterns      []string
	now           func() time.Time
	newID         func() string

	submitMu sync.Mutex
	bg       sync.WaitGroup
}

func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("job store is required")
	}
	if opts.Launcher == nil {
		return nil, errors.New("process launcher is required")
	}
	if opts.Resolver == nil {
		return nil, errors.New("command resolver is required")
	}
	m := &Manager{
		store:         opts.Store,
		launcher:      opts.Launcher,
		resolver:      opts.Resolver,
		observer:      opts.Observer,
		archiver:      opts.Archiver,
		maxConcurrent: opts.MaxConcurrent,
		patterns:      opts.ResultPatterns,
		now:           opts.Now,
		newID:         opts.NewID,
	}
	if m.observer == nil {
		m.observer = nopObserver{}
	}
	if m.now == nil {
		m.now = func() time.Time { return time.Now().UTC() }
	}
	if m.newID == nil {
		m.newID = func() string { return uuid.New().String() }
	}
	return m, nil
}

// Store exposes the underlying job store.
func (m *Manager) Store() *Store {
	return m.store
}

// Close waits for background terminations started by CancelJob.
func (m *Manager) Close() {
	m.bg.Wait()
}

// SubmitJob records a pending job, launches it, and returns the record in
// its post-launch state: running on success, failed (with a *LaunchError)
// when the process could not be started.
func (m *Manager) SubmitJob(ctx context.Context, req SubmitRequest) (*JobRecord, error) {
	script := strings.TrimSpace(req.ScriptName)
	if script == "" {
		return nil, &ValidationError{Field: "script_name", Message: "script_name is required"}
	}
	args, err := normalizeArgs(req.Args)
	if err != nil {
		return nil, err
	}

	if m.maxConcurrent > 0 {
		// Serialize the count-then-create window so the cap holds.
		m.submitMu.Lock()
		defer m.submitMu.Unlock()
		active, err := m.activeCount()
		if err != nil {
			return nil, err
		}
		if active >= m.maxConcurrent {
			return nil, fmt.Errorf("%w (%d active, limit %d)", ErrCapacityExceeded, active, m.maxConcurrent)
		}
	}

	jobID := m.newID()
	outDir := m.store.OutputDir(jobID)
	command, err := m.resolver.Resolve(script, args, outDir)
	if err != nil {
		if IsValidation(err) {
			return nil, err
		}
		return nil, &ValidationError{Field: "script_name", Message: err.Error()}
	}

	name := strings.TrimSpace(req.JobName)
	if name == "" {
		name = defaultJobName(script, jobID)
	}

	rec := &JobRecord{
		JobID:       jobID,
		JobName:     name,
		ScriptName:  script,
		Args:        args,
		Status:      JobStatusPending,
		SubmittedAt: m.now(),
		LogPath:     m.store.LogPath(jobID),
		OutputDir:   outDir,
	}
	if err := m.store.Create(rec); err != nil {
		return nil, err
	}
	m.observer.JobSubmitted(rec)

	if err := os.MkdirAll(outDir, 0755); err != nil {
		return m.failLaunch(jobID, &LaunchError{JobID: jobID, Err: err})
	}

	handle, err := m.launcher.Launch(ctx, LaunchSpec{
		JobID:   jobID,
		JobDir:  m.store.JobDir(jobID),
		LogPath: rec.LogPath,
		Command: command,
	})
	if err != nil {
		var le *LaunchError
		if !errors.As(err, &le) {
			le = &LaunchError{JobID: jobID, Path: command.Path, Err: err}
		}
		return m.failLaunch(jobID, le)
	}

	cancelled := false
	started, err := m.store.Update(jobID, func(r *JobRecord) error {
		r.PID = handle.PID
		r.ProcessStart = handle.StartTicks
		if r.Status != JobStatusPending {
			// Cancelled while launching; keep the pid for audit.
			cancelled = true
			return nil
		}
		now := m.now()
		r.Status = JobStatusRunning
		r.StartedAt = &now
		return nil
	})
	if err != nil {
		m.terminateAsync(handle)
		return nil, err
	}
	if cancelled {
		m.terminateAsync(handle)
		return started, nil
	}
	m.observer.JobStarted(started)
	return started, nil
}

func (m *Manager) failLaunch(jobID string, launchErr *LaunchError) (*JobRecord, error) {
	failed, err := m.store.Update(jobID, func(r *JobRecord) error {
		if r.Status != JobStatusPending {
			return ErrNoChange
		}
		now := m.now()
		r.Status = JobStatusFailed
		r.CompletedAt = &now
		r.Error = launchErr.Error()
		r.ErrorType = "launch_error"
		return nil
	})
	if err != nil {
		return nil, errors.Join(launchErr, err)
	}
	m.observer.JobFinished(failed)
	return failed, launchErr
}

// GetJobStatus returns the job record. A running job whose process has
// exited is reconciled against its recorded exit status before returning.
func (m *Manager) GetJobStatus(ctx context.Context, jobID string) (*JobRecord, error) {
	rec, err := m.store.Get(jobID)
	if err != nil {
		return nil, err
	}
	if rec.Status != JobStatusRunning {
		return rec, nil
	}
	return m.reconcile(rec)
}

func (m *Manager) reconcile(rec *JobRecord) (*JobRecord, error) {
	jobDir := m.store.JobDir(rec.JobID)
	handle, ok := rec.Handle(jobDir)
	if ok && m.launcher.IsAlive(handle) {
		return rec, nil
	}
	handle.JobDir = jobDir
	exit, hasExit := m.launcher.ExitStatus(handle)

	changed := false
	updated, err := m.store.Update(rec.JobID, func(r *JobRecord) error {
		if r.Status != JobStatusRunning {
			return ErrNoChange
		}
		changed = true
		finished := m.now()
		if hasExit && !exit.FinishedAt.IsZero() {
			finished = exit.FinishedAt.UTC()
		}
		r.CompletedAt = &finished
		if hasExit {
			code := exit.ExitCode
			r.ExitCode = &code
		}
		if hasExit && exit.Succeeded() {
			r.Status = JobStatusCompleted
			r.Result = buildResult(r, exit, m.patterns)
			return nil
		}
		r.Status = JobStatusFailed
		r.Error = exit.Describe()
		r.ErrorType = "execution_error"
		return nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		m.observer.JobFinished(updated)
	}
	return updated, nil
}

// ReconcileRunning applies status reconciliation to every running job and
// returns how many reached a terminal state.
func (m *Manager) ReconcileRunning(ctx context.Context) (int, error) {
	running := JobStatusRunning
	jobs, err := m.store.List(&running)
	if err != nil {
		return 0, err
	}
	var (
		finished int
		errs     []error
	)
	for i := range jobs {
		if err := ctx.Err(); err != nil {
			return finished, err
		}
		updated, err := m.reconcile(&jobs[i])
		if err != nil {
			errs = append(errs, fmt.Errorf("reconcile %s: %w", jobs[i].JobID, err))
			continue
		}
		if updated.Status.IsTerminal() {
			finished++
		}
	}
	return finished, errors.Join(errs...)
}

// Monitor reconciles running jobs every interval until ctx is done.
func (m *Manager) Monitor(ctx context.Context, interval time.Duration, onErr func(error)) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := m.ReconcileRunning(ctx); err != nil && onErr != nil && ctx.Err() == nil {
				onErr(err)
			}
		}
	}
}

// GetJobResult returns the result of a completed job. A running job whose
// process has exited is reconciled first, as in GetJobStatus.
func (m *Manager) GetJobResult(ctx context.Context, jobID string) (map[string]any, error) {
	rec, err := m.GetJobStatus(ctx, jobID)
	if err != nil {
		return nil, err
	}
	switch rec.Status {
	case JobStatusCompleted:
		return rec.Result, nil
	case JobStatusFailed:
		return nil, &ExecutionError{JobID: rec.JobID, ExitCode: rec.ExitCode, Message: rec.Error}
	case JobStatusCancelled:
		return nil, fmt.Errorf("%w: %s", ErrJobCancelled, rec.JobID)
	default:
		return nil, fmt.Errorf("%w: %s is %s", ErrJobNotReady, rec.JobID, rec.Status)
	}
}

// GetJobLog returns the last tail lines of the job log (all when tail is 0).
func (m *Manager) GetJobLog(ctx context.Context, jobID string, tail int) (*LogPage, error) {
	if tail < 0 {
		return nil, &ValidationError{Field: "tail", Message: "tail must be >= 0"}
	}
	rec, err := m.store.Get(jobID)
	if err != nil {
		return nil, err
	}
	path := rec.LogPath
	if path == "" {
		path = m.store.LogPath(jobID)
	}
	return ReadLog(path, tail)
}

// CancelJob moves a pending or running job to cancelled and terminates its
// process in the background. Cancelling a terminal job is a no-op.
func (m *Manager) CancelJob(ctx context.Context, jobID, reason string) (*JobRecord, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "cancelled by request"
	}
	changed := false
	rec, err := m.store.Update(jobID, func(r *JobRecord) error {
		if r.Status.IsTerminal() {
			return ErrNoChange
		}
		changed = true
		now := m.now()
		r.Status = JobStatusCancelled
		r.CompletedAt = &now
		r.CancelReason = reason
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		return rec, nil
	}
	if h, ok := rec.Handle(m.store.JobDir(jobID)); ok {
		m.terminateAsync(h)
	}
	m.observer.JobFinished(rec)
	return rec, nil
}

func (m *Manager) terminateAsync(h ProcessHandle) {
	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		_ = m.launcher.Terminate(context.Background(), h)
	}()
}

// ListJobs returns job summaries ordered by submission time.
func (m *Manager) ListJobs(ctx context.Context, filter *JobStatus) ([]Summary, error) {
	jobs, err := m.store.List(filter)
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(jobs))
	for i := range jobs {
		out = append(out, Summarize(&jobs[i]))
	}
	return out, nil
}

// CleanupOldJobs deletes terminal jobs that finished at least maxAgeDays
// ago, archiving them first when an archiver is configured. Pending and
// running jobs are never removed.
func (m *Manager) CleanupOldJobs(ctx context.Context, maxAgeDays int) (int, error) {
	if maxAgeDays < 0 {
		return 0, &ValidationError{Field: "max_age_days", Message: "max_age_days must be >= 0"}
	}
	jobs, err := m.store.List(nil)
	if err != nil {
		return 0, err
	}
	cutoff := m.now().Add(-time.Duration(maxAgeDays) * 24 * time.Hour)

	var (
		removed int
		errs    []error
	)
	for _, j := range jobs {
		if !j.Status.IsTerminal() {
			continue
		}
		ended := j.SubmittedAt
		if j.CompletedAt != nil {
			ended = *j.CompletedAt
		}
		if ended.After(cutoff) {
			continue
		}
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if m.archiver != nil {
			if err := m.archiver.ArchiveJob(ctx, j.JobID, m.store.JobDir(j.JobID)); err != nil {
				errs = append(errs, fmt.Errorf("archive %s: %w", j.JobID, err))
				continue
			}
		}
		if err := m.store.Delete(j.JobID); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		m.observer.JobsRemoved(removed)
	}
	return removed, errors.Join(errs...)
}

func (m *Manager) activeCount() (int, error) {
	jobs, err := m.store.List(nil)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, j := range jobs {
		if !j.Status.IsTerminal() {
			n++
		}
	}
	return n, nil
}

var argKeyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// normalizeArgs checks that every value is a scalar and converts numbers to
// float64 so a record reads back exactly as written.
func normalizeArgs(in map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if !argKeyPattern.MatchString(k) {
			return nil, &ValidationError{Field: "args", Message: fmt.Sprintf("invalid argument name %q", k)}
		}
		var f float64
		switch val := v.(type) {
		case string, bool:
			out[k] = val
			continue
		case float64:
			f = val
		case float32:
			f = float64(val)
		case int:
			f = float64(val)
			if !exactInt(int64(val)) {
				return nil, inexactArg(k, val)
			}
		case int32:
			f = float64(val)
		case int64:
			f = float64(val)
			if !exactInt(val) {
				return nil, inexactArg(k, val)
			}
		case uint:
			f = float64(val)
			if uint64(val) > maxExactInt {
				return nil, inexactArg(k, val)
			}
		case uint32:
			f = float64(val)
		case uint64:
			f = float64(val)
			if val > maxExactInt {
				return nil, inexactArg(k, val)
			}
		case interface{ Float64() (float64, error) }:
			if n, ok := val.(interface{ Int64() (int64, error) }); ok {
				if i, err := n.Int64(); err == nil && !exactInt(i) {
					return nil, inexactArg(k, i)
				}
			}
			parsed, err := val.Float64()
			if err != nil {
				return nil, &ValidationError{Field: "args." + k, Message: err.Error()}
			}
			f = parsed
		default:
			return nil, &ValidationError{Field: "args." + k, Message: fmt.Sprintf("unsupported value type %T (want string, number or bool)", v)}
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, &ValidationError{Field: "args." + k, Message: "number must be finite"}
		}
		out[k] = f
	}
	return out, nil
}

// maxExactInt is the largest integer magnitude a float64 holds exactly.
const maxExactInt = 1 << 53

func exactInt(i int64) bool {
	return i >= -maxExactInt && i <= maxExactInt
}

func inexactArg(key string, v any) error {
	return &ValidationError{Field: "args." + key, Message: fmt.Sprintf("integer %v is outside the exactly representable range (+/-2^53)", v)}
}

func defaultJobName(script, jobID string) string {
	base := script
	if i := strings.LastIndexByte(base, '/'); i >= 0 {
		base = base[i+1:]
	}
	if i := strings.LastIndexByte(base, '.'); i > 0 {
		base = base[:i]
	}
	short := jobID
	if len(short) > 8 {
		short = short[:8]
	}
	return base + "_" + short
}
