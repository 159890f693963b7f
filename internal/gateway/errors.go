package gateway

import (
	"context"
	"errors"

	"github.com/seantiz/voxgate/internal/registry"
)

// Error categories. Every error returned by the gateway wraps exactly one of
// these sentinels.
var (
	ErrRejected           = errors.New("request rejected")
	ErrGatewayTimeout     = errors.New("gateway timeout")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrTaskFailed         = errors.New("task failed")
	ErrCanceled           = errors.New("request canceled by caller")
	ErrCapacityExceeded   = registry.ErrCapacityExceeded
	ErrNotFound           = registry.ErrNotFound
)

// Category names, used for metrics and API error codes.
const (
	CategoryResolved    = "resolved"
	CategoryFailed      = "task_failed"
	CategoryTimeout     = "gateway_timeout"
	CategoryUnavailable = "service_unavailable"
	CategoryCapacity    = "capacity_exceeded"
	CategoryRejected    = "rejected"
	CategoryNotFound    = "not_found"
	CategoryCanceled    = "canceled"
	CategoryInternal    = "internal"
)

// Category maps an error returned by the gateway to its category name.
// A nil error is CategoryResolved.
func Category(err error) string {
	switch {
	case err == nil:
		return CategoryResolved
	case errors.Is(err, ErrRejected):
		return CategoryRejected
	case errors.Is(err, ErrCapacityExceeded):
		return CategoryCapacity
	case errors.Is(err, ErrServiceUnavailable):
		return CategoryUnavailable
	case errors.Is(err, ErrGatewayTimeout):
		return CategoryTimeout
	case errors.Is(err, ErrTaskFailed):
		return CategoryFailed
	case errors.Is(err, ErrNotFound):
		return CategoryNotFound
	case errors.Is(err, ErrCanceled), errors.Is(err, context.Canceled):
		return CategoryCanceled
	default:
		return CategoryInternal
	}
}
