package toolapi

import (
	"errors"

	"github.com/3leaps/cycjobs/pkg/jobregistry"
)

// Envelope statuses.
const (
	StatusSuccess   = "success"
	StatusSubmitted = "submitted"
	StatusError     = "error"
)

// Error types carried in error envelopes.
const (
	ErrTypeValidation       = "validation_error"
	ErrTypeNotFound         = "not_found"
	ErrTypeDuplicateJob     = "duplicate_job"
	ErrTypeLaunch           = "launch_error"
	ErrTypeNotReady         = "not_ready"
	ErrTypeExecution        = "execution_error"
	ErrTypeCancelled        = "cancelled"
	ErrTypeCapacityExceeded = "capacity_exceeded"
	ErrTypeInternal         = "internal_error"
)

// Envelope is the uniform response shape: "status" is always present and
// error envelopes carry "error" and "error_type".
type Envelope map[string]any

// Success builds a success envelope from fields.
func Success(fields map[string]any) Envelope {
	e := Envelope{"status": StatusSuccess}
	for k, v := range fields {
		if k == "status" {
			continue
		}
		e[k] = v
	}
	return e
}

// Failure converts err into an error envelope.
func Failure(err error) Envelope {
	return Envelope{
		"status":     StatusError,
		"error":      err.Error(),
		"error_type": ErrorType(err),
	}
}

// IsError reports whether e is an error envelope.
func (e Envelope) IsError() bool {
	return e["status"] == StatusError
}

// ErrorType classifies err into an envelope error_type.
func ErrorType(err error) string {
	switch {
	case err == nil:
		return ""
	case jobregistry.IsValidation(err):
		return ErrTypeValidation
	case jobregistry.IsNotFound(err), errors.Is(err, ErrUnknownTool):
		return ErrTypeNotFound
	case errors.Is(err, jobregistry.ErrDuplicateJob):
		return ErrTypeDuplicateJob
	case jobregistry.IsLaunch(err):
		return ErrTypeLaunch
	case errors.Is(err, jobregistry.ErrJobNotReady):
		return ErrTypeNotReady
	case jobregistry.IsExecution(err):
		return ErrTypeExecution
	case errors.Is(err, jobregistry.ErrJobCancelled):
		return ErrTypeCancelled
	case errors.Is(err, jobregistry.ErrCapacityExceeded):
		return ErrTypeCapacityExceeded
	default:
		return ErrTypeInternal
	}
}
