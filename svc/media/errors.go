package media

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrUnsupportedVendor = errors.New("media: unsupported vendor")
	ErrNotSupported      = errors.New("media: operation not supported by vendor")
	ErrMissingToken      = errors.New("media: admin token is required")
	ErrInvalidToken      = errors.New("media: token rejected by vendor")
	ErrMissingMachineID  = errors.New("media: server machine identifier unavailable")
)

// StatusError is returned for non-2xx vendor responses.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("media: %s %s: status %d", e.Method, e.Path, e.Code)
	}
	return fmt.Sprintf("media: %s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// IsStatus reports whether err carries the given HTTP status.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

// IsNotFound reports a 404 from the vendor.
func IsNotFound(err error) bool {
	return IsStatus(err, http.StatusNotFound)
}
