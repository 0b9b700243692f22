package jobregistry

import "time"

// JobStatus is the lifecycle state of a managed job.
//
// NOTE: These values are persisted in job.json and are part of the stable
// on-disk contract.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether no further transitions can leave s.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is one of the known statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// ParseStatus converts a caller-supplied filter into a JobStatus.
func ParseStatus(s string) (JobStatus, error) {
	st := JobStatus(s)
	if !st.Valid() {
		return "", &ValidationError{Field: "status", Message: "unknown job status: " + s}
	}
	return st, nil
}

var transitions = map[JobStatus][]JobStatus{
	JobStatusPending: {JobStatusRunning, JobStatusFailed, JobStatusCancelled},
	JobStatusRunning: {JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to JobStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// JobRecord is the persistent record written to job.json.
//
// The schema is designed for backward-compatible extension (additive fields).
type JobRecord struct {
	JobID      string         `json:"job_id"`
	JobName    string         `json:"job_name,omitempty"`
	ScriptName string         `json:"script_name"`
	Args       map[string]any `json:"args,omitempty"`
	Status     JobStatus      `json:"status"`

	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// PID is kept after the process exits for audit purposes.
	PID          int    `json:"pid,omitempty"`
	ProcessStart uint64 `json:"process_start,omitempty"`

	LogPath   string `json:"log_path"`
	OutputDir string `json:"output_dir,omitempty"`

	ExitCode     *int           `json:"exit_code,omitempty"`
	Result       map[string]any `json:"result,omitempty"`
	Error        string         `json:"error,omitempty"`
	ErrorType    string         `json:"error_type,omitempty"`
	CancelReason string         `json:"cancel_reason,omitempty"`
}

// Handle returns the process handle recorded for the job, if any.
func (r *JobRecord) Handle(jobDir string) (ProcessHandle, bool) {
	if r == nil || r.PID <= 0 {
		return ProcessHandle{}, false
	}
	return ProcessHandle{PID: r.PID, StartTicks: r.ProcessStart, JobDir: jobDir}, true
}

// clone returns a deep enough copy for mutators to work on without touching
// the caller's value.
func (r JobRecord) clone() JobRecord {
	out := r
	if r.Args != nil {
		out.Args = make(map[string]any, len(r.Args))
		for k, v := range r.Args {
			out.Args[k] = v
		}
	}
	if r.Result != nil {
		out.Result = make(map[string]any, len(r.Result))
		for k, v := range r.Result {
			out.Result[k] = v
		}
	}
	if r.StartedAt != nil {
		t := *r.StartedAt
		out.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	if r.ExitCode != nil {
		c := *r.ExitCode
		out.ExitCode = &c
	}
	return out
}

// checkInvariants enforces the result/error exclusivity rules for the
// record's current status.
func (r *JobRecord) checkInvariants() error {
	switch r.Status {
	case JobStatusPending, JobStatusRunning:
		if r.Result != nil || r.Error != "" {
			return &InvariantError{JobID: r.JobID, Message: "active job must not carry result or error"}
		}
	case JobStatusCompleted:
		if r.Result == nil || r.Error != "" {
			return &InvariantError{JobID: r.JobID, Message: "completed job must carry a result and no error"}
		}
	case JobStatusFailed:
		if r.Error == "" || r.Result != nil {
			return &InvariantError{JobID: r.JobID, Message: "failed job must carry an error and no result"}
		}
	case JobStatusCancelled:
		if r.Result != nil || r.Error != "" {
			return &InvariantError{JobID: r.JobID, Message: "cancelled job must not carry result or error"}
		}
	default:
		return &InvariantError{JobID: r.JobID, Message: "unknown status " + string(r.Status)}
	}
	if r.Status.IsTerminal() && r.CompletedAt == nil {
		return &InvariantError{JobID: r.JobID, Message: "terminal job must record completed_at"}
	}
	return nil
}

// Summary is the caller-facing view returned by status and list operations.
type Summary struct {
	JobID        string     `json:"job_id"`
	JobName      string     `json:"job_name,omitempty"`
	ScriptName   string     `json:"script_name"`
	Status       JobStatus  `json:"status"`
	SubmittedAt  time.Time  `json:"submitted_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	PID          int        `json:"pid,omitempty"`
	Error        string     `json:"error,omitempty"`
	CancelReason string     `json:"cancel_reason,omitempty"`
}

// Summarize projects a record onto its summary.
func Summarize(r *JobRecord) Summary {
	return Summary{
		JobID:        r.JobID,
		JobName:      r.JobName,
		ScriptName:   r.ScriptName,
		Status:       r.Status,
		SubmittedAt:  r.SubmittedAt,
		StartedAt:    r.StartedAt,
		CompletedAt:  r.CompletedAt,
		PID:          r.PID,
		Error:        r.Error,
		CancelReason: r.CancelReason,
	}
}

// LogPage is the result of a log read.
type LogPage struct {
	Lines      []string `json:"lines"`
	TotalLines int      `json:"total_lines"`
}
