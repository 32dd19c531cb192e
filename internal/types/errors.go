package types

import (
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Error code constants. Engine and API code must use these constants rather
// than hardcoded strings.
const (
	// Validation (400)
	ErrCodeValidationMissingField  ErrorCode = "validation_missing_required_field"
	ErrCodeValidationTriggerCount  ErrorCode = "validation_trigger_count"
	ErrCodeValidationTriggerGoal   ErrorCode = "validation_trigger_goal"
	ErrCodeValidationTriggerType   ErrorCode = "validation_trigger_type"
	ErrCodeValidationTimeWindow    ErrorCode = "validation_time_window_invalid"
	ErrCodeValidationDelay         ErrorCode = "validation_delay_invalid"
	ErrCodeValidationEdit          ErrorCode = "validation_edit_invalid"

	// Limits (403)
	ErrCodeLimitSchedules ErrorCode = "limit_schedules_exceeded"

	// Not Found (404)
	ErrCodeNotFoundSchedule ErrorCode = "not_found_schedule"

	// Conflict (409)
	ErrCodeConflictEngineStopped ErrorCode = "conflict_engine_stopped"

	// Internal/Upstream (500/502)
	ErrCodeInternalStore      ErrorCode = "internal_store_error"
	ErrCodeInternalUnexpected ErrorCode = "internal_unexpected_error"
	ErrCodeDriverFailure      ErrorCode = "internal_driver_failure"
	ErrCodeUpstreamDeferred   ErrorCode = "upstream_deferred_unavailable"
	ErrCodeUpstreamTags       ErrorCode = "upstream_tag_service_unavailable"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Returns 500 for unrecognized error codes as a safe default.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest
	case strings.HasPrefix(s, "limit_"):
		return http.StatusForbidden
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound
	case strings.HasPrefix(s, "conflict_"):
		return http.StatusConflict
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// AppError is the standard application error type. All domain errors are
// expressed as AppError to enable consistent formatting, HTTP status mapping,
// and error chain support.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// NewAppError creates a new AppError with the given code, message, and
// optional underlying error.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates a new AppError carrying structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}
