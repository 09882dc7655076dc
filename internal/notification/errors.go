package notification

import (
	"errors"
	"fmt"
)

var (
	ErrValidation         = errors.New("validation error")
	ErrNotFound           = errors.New("not found")
	ErrDuplicateRequest   = errors.New("duplicate notification request")
	ErrChannelDisabled    = errors.New("channel disabled by user preferences")
	ErrPublishFailed      = errors.New("failed to queue notification")
	ErrLookupUnavailable  = errors.New("lookup service unavailable")
	ErrParse              = errors.New("malformed envelope")
	ErrTransientDelivery  = errors.New("transient delivery failure")
	ErrPermanentDelivery  = errors.New("delivery failed permanently")
	ErrCircuitOpen        = errors.New("service temporarily unavailable: circuit breaker open")
	ErrConnectionFatal    = errors.New("broker unreachable after bounded reconnect attempts")
	ErrStatusNotFound     = errors.New("notification status not found")
	ErrStatusRegression   = errors.New("status transition not allowed")
	ErrUnsupportedChannel = errors.New("unsupported channel")
)

// NotFoundError names the missing resource (user or template).
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

func NewNotFound(resource, id string) error {
	return &NotFoundError{Resource: resource, ID: id}
}
