package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/servicehero/flowd/pkg/schema"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a plain JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{"code": "HTTP_ERROR", "message": msg},
	})
}

// writeFlowError maps a FlowError to an HTTP status and serializes it as the
// response body. Non-flow errors become opaque 500s.
func writeFlowError(w http.ResponseWriter, err error) {
	var flowErr *schema.FlowError
	if !errors.As(err, &flowErr) {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error": map[string]any{"code": schema.ErrCodeStore, "message": err.Error()},
		})
		return
	}
	writeJSON(w, statusFor(flowErr.Code), map[string]any{"error": flowErr})
}

// statusFor maps error codes to HTTP status codes.
func statusFor(code string) int {
	switch code {
	case schema.ErrCodeTemplateNotFound, schema.ErrCodeExecutionNotFound, schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeValidation, schema.ErrCodeTemplateInvalid,
		schema.ErrCodeInterpolation, schema.ErrCodeCycleDetected:
		return http.StatusBadRequest
	case schema.ErrCodeConflict, schema.ErrCodeInvalidTransition:
		return http.StatusConflict
	case schema.ErrCodeQuotaExceeded:
		return http.StatusTooManyRequests
	case schema.ErrCodeCircuitOpen:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// queryInt extracts an integer query param with a default value.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// queryInt64 extracts an int64 query param with a default value.
func queryInt64(r *http.Request, key string, def int64) int64 {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// queryTime extracts an RFC3339 query param, nil when absent or malformed.
func queryTime(r *http.Request, key string) *time.Time {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil
	}
	return &t
}
