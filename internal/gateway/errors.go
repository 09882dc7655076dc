package gateway

import (
	"errors"
	"net/http"

	"github.com/example/notification-pipeline/internal/notification"
)

// statusFor maps a dispatch error onto the HTTP status the caller sees.
func statusFor(err error) int {
	switch {
	case errors.Is(err, notification.ErrValidation),
		errors.Is(err, notification.ErrDuplicateRequest),
		errors.Is(err, notification.ErrChannelDisabled),
		errors.Is(err, notification.ErrUnsupportedChannel):
		return http.StatusBadRequest
	case errors.Is(err, notification.ErrNotFound),
		errors.Is(err, notification.ErrStatusNotFound):
		return http.StatusNotFound
	case errors.Is(err, notification.ErrStatusRegression):
		return http.StatusConflict
	case errors.Is(err, notification.ErrLookupUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage is the error text safe to return to callers.
func publicMessage(err error) string {
	var nf *notification.NotFoundError
	switch {
	case errors.As(err, &nf):
		return nf.Error()
	case errors.Is(err, notification.ErrDuplicateRequest):
		return notification.ErrDuplicateRequest.Error()
	case errors.Is(err, notification.ErrChannelDisabled),
		errors.Is(err, notification.ErrValidation),
		errors.Is(err, notification.ErrStatusRegression):
		return err.Error()
	case errors.Is(err, notification.ErrStatusNotFound):
		return notification.ErrStatusNotFound.Error()
	case errors.Is(err, notification.ErrLookupUnavailable):
		return notification.ErrLookupUnavailable.Error()
	case errors.Is(err, notification.ErrPublishFailed):
		return notification.ErrPublishFailed.Error()
	default:
		return "internal server error"
	}
}

// ErrorResponse is the status and body for a failed request.
func ErrorResponse(err error) (int, Response) {
	status := statusFor(err)
	return status, Response{Success: false, Message: http.StatusText(status), Error: publicMessage(err)}
}
