package device

import (
	"errors"
	"net/http"
)

var (
	ErrEmptyDeviceID  = errors.New("device_id is required")
	ErrInvalidCommand = errors.New("invalid command")
)

// RejectedError means the cloud answered with success=false.
type RejectedError struct {
	Op      string
	Code    int
	Message string
}

func (e *RejectedError) Error() string { return e.Message }

// HTTPStatus maps an operation error to the status callers see.
func HTTPStatus(err error) int {
	var rej *RejectedError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &rej):
		return http.StatusBadRequest
	case errors.Is(err, ErrInvalidCommand), errors.Is(err, ErrEmptyDeviceID):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// Detail is the message reported with HTTPStatus. For a rejection it is the
// vendor message alone.
func Detail(err error) string {
	var rej *RejectedError
	if errors.As(err, &rej) {
		return rej.Message
	}
	return err.Error()
}
