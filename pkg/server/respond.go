package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/entrhq/browseract/pkg/browser"
)

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error     string `json:"error"`
	Status    int    `json:"status"`
	Kind      string `json:"kind,omitempty"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
	Timestamp string `json:"timestamp"`
}

func setCommonHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}

// respondJSON sends payload with the given status.
func respondJSON(w http.ResponseWriter, status int, payload any) {
	setCommonHeaders(w)
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

// respondError sends a structured JSON error response.
func respondError(w http.ResponseWriter, status int, err error) {
	resp := ErrorResponse{
		Error:     http.StatusText(status),
		Status:    status,
		Message:   http.StatusText(status),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if err != nil {
		resp.Message = err.Error()
		if kind := browser.KindOf(err); kind != "" {
			resp.Kind = string(kind)
			resp.Retryable = retryable(kind)
		}
	}
	respondJSON(w, status, resp)
}

func retryable(kind browser.FailureKind) bool {
	switch kind {
	case browser.KindSessionBusy, browser.KindActionTimeout, browser.KindElementWaitTimeout, browser.KindLaunchFailure:
		return true
	}
	return false
}

// statusFor maps an action error to an HTTP status.
func statusFor(err error) int {
	var forbidden *forbiddenError
	if errors.As(err, &forbidden) {
		return http.StatusForbidden
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge
	}

	switch browser.KindOf(err) {
	case browser.KindValidation:
		return http.StatusBadRequest
	case browser.KindSessionBusy:
		return http.StatusConflict
	case browser.KindActionTimeout, browser.KindElementWaitTimeout:
		return http.StatusGatewayTimeout
	case browser.KindUnsupportedInEngine:
		return http.StatusNotImplemented
	case browser.KindCanceled, browser.KindLaunchFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}
