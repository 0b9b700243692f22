package jobregistry

import (
	"errors"
	"fmt"
)

// Sentinel errors for job operations.
var (
	// ErrJobNotFound indicates no record exists for the job id.
	ErrJobNotFound = errors.New("job not found")

	// ErrDuplicateJob indicates a record already exists for the job id.
	ErrDuplicateJob = errors.New("job already exists")

	// ErrJobNotReady indicates a result was requested before the job finished.
	ErrJobNotReady = errors.New("job has not finished")

	// ErrJobCancelled indicates the job was cancelled and carries no result.
	ErrJobCancelled = errors.New("job was cancelled")

	// ErrInvalidTransition indicates a status change the state machine forbids.
	ErrInvalidTransition = errors.New("invalid job status transition")

	// ErrCapacityExceeded indicates the configured concurrent job limit is reached.
	ErrCapacityExceeded = errors.New("concurrent job limit reached")

	// ErrUnknownScript indicates the command resolver does not know the script.
	ErrUnknownScript = errors.New("unknown script")
)

// ValidationError reports bad caller input. It is returned before any
// filesystem mutation happens.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// LaunchError reports that the job process could not be started.
type LaunchError struct {
	JobID string
	Path  string
	Err   error
}

func (e *LaunchError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("launch %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("launch: %v", e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// ExecutionError reports that the job process ran but did not succeed.
type ExecutionError struct {
	JobID    string
	ExitCode *int
	Message  string
}

func (e *ExecutionError) Error() string {
	return e.Message
}

// InvariantError reports a record that would violate the result/error rules.
type InvariantError struct {
	JobID   string
	Message string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("job %s: %s", e.JobID, e.Message)
}

// IsNotFound returns true if the error indicates an unknown job id.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrJobNotFound)
}

// IsValidation returns true if err is caller input rejected before any work.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve) || errors.Is(err, ErrUnknownScript)
}

// IsLaunch returns true if err came from starting the job process.
func IsLaunch(err error) bool {
	var le *LaunchError
	return errors.As(err, &le)
}

// IsExecution returns true if err reports a failed job run.
func IsExecution(err error) bool {
	var ee *ExecutionError
	return errors.As(err, &ee)
}
