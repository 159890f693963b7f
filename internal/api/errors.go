package api

import (
	"net/http"

	"github.com/seantiz/voxgate/internal/gateway"
	"github.com/seantiz/voxgate/internal/model"
)

// categoryRateLimited is the error category for requests refused by the
// rate limiter. It never leaves the gateway.
const categoryRateLimited = "rate_limited"

// statusClientClosedRequest is the de facto status for a caller that went
// away before the response was ready. The caller never sees it; it shows up
// in request logs and metrics.
const statusClientClosedRequest = 499

// errorResponse is the JSON body of every error response. Task is set when
// the request got as far as the registry.
type errorResponse struct {
	Error    string      `json:"error"`
	Category string      `json:"category,omitempty"`
	Task     *model.Task `json:"task,omitempty"`
}

// statusFor maps a gateway error category to an HTTP status.
func statusFor(category string) int {
	switch category {
	case gateway.CategoryResolved:
		return http.StatusOK
	case gateway.CategoryRejected:
		return http.StatusBadRequest
	case gateway.CategoryNotFound:
		return http.StatusNotFound
	case gateway.CategoryCapacity:
		return http.StatusTooManyRequests
	case gateway.CategoryFailed:
		return http.StatusBadGateway
	case gateway.CategoryUnavailable:
		return http.StatusServiceUnavailable
	case gateway.CategoryTimeout:
		return http.StatusGatewayTimeout
	case gateway.CategoryCanceled:
		return statusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeGatewayError writes err, which came from the gateway, with its mapped
// status. Internal errors are logged and their text hidden from the caller.
func (s *Server) writeGatewayError(w http.ResponseWriter, r *http.Request, task *model.Task, err error) {
	category := gateway.Category(err)
	status := statusFor(category)

	msg := err.Error()
	if category == gateway.CategoryInternal {
		s.logger.Error("gateway request", "path", r.URL.Path, "error", err)
		msg = "internal error"
	}

	s.writeJSON(w, status, errorResponse{
		Error:    msg,
		Category: category,
		Task:     task,
	})
}
