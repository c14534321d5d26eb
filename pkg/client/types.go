package client

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/loykin/stepq/internal/queue"
	"github.com/loykin/stepq/internal/step"
)

// EnqueueRequest describes a process to enqueue. Timeout is in seconds;
// zero selects the server default.
type EnqueueRequest struct {
	Steps          step.List         `json:"steps"`
	Timeout        float64           `json:"timeout,omitempty"`
	Data           json.RawMessage   `json:"data,omitempty"`
	AdditionalArgs map[string]string `json:"additional_args,omitempty"`
}

// ProcessInfo is a stored process with per-step progress.
type ProcessInfo struct {
	Process  queue.Record      `json:"process"`
	Progress map[string]string `json:"progress"`
}

type pidResponse struct {
	PID string `json:"pid"`
}

type statusResponse struct {
	PID   string      `json:"pid"`
	State queue.State `json:"state"`
}

type listResponse struct {
	Processes []queue.Record `json:"processes"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is an API 404.
func IsNotFound(err error) bool {
	e, ok := err.(*APIError)
	return ok && e.StatusCode == http.StatusNotFound
}
