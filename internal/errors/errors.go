// Package errors adapts gofulmen error envelopes to the HTTP server: the JSON
// error body, the status for each envelope code, and the mapping from job
// envelope error types to HTTP status codes.
package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"

	gferrors "github.com/fulmenhq/gofulmen/errors"
)

// Envelope codes understood by StatusForCode.
const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeValidation         = "VALIDATION_ERROR"
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeConflict           = "CONFLICT"
	CodeUnprocessable      = "UNPROCESSABLE_ENTITY"
	CodeRateLimited        = "RATE_LIMITED"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeExternalService    = "EXTERNAL_SERVICE_ERROR"
	CodeInternal           = "INTERNAL_ERROR"
)

// StatusForCode maps an envelope code to an HTTP status. Unknown codes are 500.
func StatusForCode(code string) int {
	switch code {
	case CodeBadRequest, CodeValidation:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case CodeConflict:
		return http.StatusConflict
	case CodeUnprocessable:
		return http.StatusUnprocessableEntity
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeExternalService:
		return http.StatusBadGateway
	case CodeServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WrapInternal wraps err in an INTERNAL_ERROR envelope correlated with the
// request id from ctx.
func WrapInternal(ctx context.Context, err error, message string) *gferrors.ErrorEnvelope {
	return gferrors.NewErrorEnvelope(CodeInternal, message).
		WithOriginal(err).
		WithCorrelationID(RequestIDFromContext(ctx))
}

// HTTPErrorResponse is the JSON body of every non-envelope error response.
type HTTPErrorResponse struct {
	Error HTTPError `json:"error"`
}

type HTTPError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// NewHTTPErrorResponse flattens env into the response body. Envelope context
// entries are reported alongside details.
func NewHTTPErrorResponse(env *gferrors.ErrorEnvelope) HTTPErrorResponse {
	var details map[string]any
	if len(env.Details)+len(env.Context) > 0 {
		details = make(map[string]any, len(env.Details)+len(env.Context))
		for k, v := range env.Details {
			details[k] = v
		}
		for k, v := range env.Context {
			details[k] = v
		}
	}
	return HTTPErrorResponse{Error: HTTPError{
		Code:      env.Code,
		Message:   env.Message,
		RequestID: env.CorrelationID,
		Timestamp: env.Timestamp,
		Details:   details,
	}}
}

// RespondWithError writes err as an HTTPErrorResponse. Errors that do not
// wrap an envelope become 500 INTERNAL_ERROR.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	var env *gferrors.ErrorEnvelope
	if !stderrors.As(err, &env) {
		env = WrapInternal(r.Context(), err, "internal server error")
	}
	if env.CorrelationID == "" {
		env = env.WithCorrelationID(RequestIDFromContext(r.Context()))
	}
	WriteError(w, env, StatusForCode(env.Code))
}

// WriteError writes env with the given status.
func WriteError(w http.ResponseWriter, env *gferrors.ErrorEnvelope, status int) {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(NewHTTPErrorResponse(env))
}

type requestIDKey struct{}

// WithRequestID stores id on ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request id stored by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// StatusForErrorType maps a job envelope error_type to an HTTP status.
func StatusForErrorType(errorType string) int {
	switch errorType {
	case "validation_error":
		return http.StatusBadRequest
	case "not_found":
		return http.StatusNotFound
	case "duplicate_job", "not_ready", "cancelled":
		return http.StatusConflict
	case "execution_error":
		return http.StatusUnprocessableEntity
	case "capacity_exceeded":
		return http.StatusTooManyRequests
	case "":
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}
