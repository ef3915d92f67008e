package gateway

import (
	"encoding/json"
	"net/http"
)

// Machine-readable error codes on client-facing responses. Closed set; the
// status mapping below is the only place that converts codes to HTTP.
const (
	CodeBadRequest          = "bad_request"
	CodeUnauthorized        = "unauthorized"
	CodeForbidden           = "forbidden"
	CodeNotFound            = "not_found"
	CodeValidationFailed    = "validation_failed"
	CodeTooManyRequests     = "too_many_requests"
	CodeUpstreamUnavailable = "upstream_unavailable"
	CodeUpstreamFailed      = "upstream_failed"
	CodeUpstreamTimeout     = "upstream_timeout"
	CodeInternal            = "internal"
	CodeStoreUnavailable    = "store_unavailable"
)

var codeStatus = map[string]int{
	CodeBadRequest:          http.StatusBadRequest,
	CodeUnauthorized:        http.StatusUnauthorized,
	CodeForbidden:           http.StatusForbidden,
	CodeNotFound:            http.StatusNotFound,
	CodeValidationFailed:    http.StatusUnprocessableEntity,
	CodeTooManyRequests:     http.StatusTooManyRequests,
	CodeUpstreamUnavailable: http.StatusServiceUnavailable,
	CodeUpstreamFailed:      http.StatusBadGateway,
	CodeUpstreamTimeout:     http.StatusGatewayTimeout,
	CodeInternal:            http.StatusInternalServerError,
	CodeStoreUnavailable:    http.StatusServiceUnavailable,
}

// errorBody is the JSON error shape on every client-facing failure.
type errorBody struct {
	Error      string `json:"error"`
	Code       string `json:"code"`
	StatusCode int    `json:"status_code"`
	RequestID  string `json:"request_id"`
}

func statusForCode(code string) int {
	if status, ok := codeStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// writeError shapes a failure as JSON. status overrides the code's default
// mapping when nonzero (auth failures carry their own specific codes but all
// surface as 401).
func writeError(w http.ResponseWriter, requestID, code, message string, status int) {
	if status == 0 {
		status = statusForCode(code)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{
		Error:      message,
		Code:       code,
		StatusCode: status,
		RequestID:  requestID,
	})
}
