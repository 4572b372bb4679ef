package httpapi

import "net/http"

// Code enumerates the stable error-code strings returned in every error
// body, matching spec's `{error, message, details?}` shape rather than
// RFC 7807 problem+json.
type Code string

const (
	CodeUnauthorized       Code = "unauthorized"
	CodeForbidden          Code = "forbidden"
	CodeInvalidPath        Code = "invalid_path"
	CodeFileNotFound       Code = "file_not_found"
	CodeFileExists         Code = "file_exists"
	CodeFileTooLarge       Code = "file_too_large"
	CodeInvalidFileType    Code = "invalid_file_type"
	CodeInsufficientStore  Code = "insufficient_storage"
	CodeValidationFailed   Code = "validation_failed"
	CodeRateLimitExceeded  Code = "rate_limit_exceeded"
	CodeInternal           Code = "internal_error"
)

// statusForCode is the code-to-HTTP-status table, grounded in the same
// taxonomy api_error.rs's IntoResponse match arms use: not-found → 404,
// exists/conflict → 409, too-large → 413, unprocessable input → 422,
// everything internal → 500.
var statusForCode = map[Code]int{
	CodeUnauthorized:      http.StatusUnauthorized,
	CodeForbidden:         http.StatusForbidden,
	CodeInvalidPath:       http.StatusBadRequest,
	CodeFileNotFound:      http.StatusNotFound,
	CodeFileExists:        http.StatusConflict,
	CodeFileTooLarge:      http.StatusRequestEntityTooLarge,
	CodeInvalidFileType:   http.StatusUnprocessableEntity,
	CodeInsufficientStore: http.StatusInsufficientStorage,
	CodeValidationFailed:  http.StatusBadRequest,
	CodeRateLimitExceeded: http.StatusTooManyRequests,
	CodeInternal:          http.StatusInternalServerError,
}

// APIError is the error type handlers return; ServeHTTP-adjacent code
// converts it to the JSON body exactly once, at the boundary.
type APIError struct {
	Code    Code
	Message string
	Details map[string]any
}

func (e *APIError) Error() string { return e.Message }

func newAPIError(code Code, message string) *APIError {
	return &APIError{Code: code, Message: message}
}

func (e *APIError) withDetails(d map[string]any) *APIError {
	e.Details = d
	return e
}

func statusFor(code Code) int {
	if s, ok := statusForCode[code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// errorBody is the exact wire shape: {error, message, details?}.
type errorBody struct {
	Error   string         `json:"error"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func writeAPIError(w http.ResponseWriter, err *APIError) {
	writeJSON(w, statusFor(err.Code), errorBody{
		Error:   string(err.Code),
		Message: err.Message,
		Details: err.Details,
	})
}
