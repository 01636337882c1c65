package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/inboundemail/inbound-sub004/internal/domain"
	"github.com/inboundemail/inbound-sub004/internal/pkg/logger"
)

// errorBody is the public error shape: {success:false, error, details?}.
type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func respondJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("encode response failed", "error", err.Error())
	}
}

func respondError(w http.ResponseWriter, code int, msg string) {
	respondJSON(w, code, errorBody{Error: msg})
}

// respondDomainError maps sentinel errors onto HTTP codes. Anything not a
// known sentinel is an internal fault: log the real error, return a
// sanitized message so database details and file paths never leak.
func respondDomainError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code >= http.StatusInternalServerError {
		logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", msg)
		msg = safeMessage(err)
	}
	respondError(w, code, msg)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrDependencyBusy):
		return http.StatusConflict
	case errors.Is(err, domain.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

// safeMessage classifies an internal error into a public-safe message.
func safeMessage(err error) string {
	if err == nil {
		return "an internal error occurred"
	}
	s := strings.ToLower(err.Error())
	switch {
	case strings.Contains(s, "connection refused") ||
		strings.Contains(s, "connection reset") ||
		strings.Contains(s, "no such host") ||
		strings.Contains(s, "dial tcp"):
		return "service temporarily unavailable"
	case strings.Contains(s, "timeout") || strings.Contains(s, "deadline exceeded"):
		return "request timed out"
	case strings.Contains(s, "sql") || strings.Contains(s, "pq:") ||
		strings.Contains(s, "database") || strings.Contains(s, "transaction"):
		return "a storage error occurred"
	}
	return "an internal error occurred"
}

// decodeBody parses a JSON request body into dst, rejecting unknown
// payload problems as validation errors.
func decodeBody(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", domain.ErrInvalid)
	}
	return nil
}

// pagination reads limit/offset query params: limit in [1,100] default 50.
func pagination(r *http.Request) (limit, offset int) {
	limit = 50
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n >= 1 && n <= 100 {
		limit = n
	}
	if n, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && n > 0 {
		offset = n
	}
	return limit, offset
}

// listBody is the envelope for paginated collections.
type listBody struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data"`
	Total   int         `json:"total"`
	Limit   int         `json:"limit"`
	Offset  int         `json:"offset"`
}

func respondList(w http.ResponseWriter, data interface{}, total, limit, offset int) {
	respondJSON(w, http.StatusOK, listBody{Success: true, Data: data, Total: total, Limit: limit, Offset: offset})
}
