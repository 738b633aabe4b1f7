package completion

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNoModels is returned when an endpoint lists no models
var ErrNoModels = errors.New("endpoint serves no models")

// StatusError is a non-2xx answer from an endpoint
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s answered HTTP %d (%s)", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// IsStatusError reports whether err is a non-2xx answer and returns its code
func IsStatusError(err error) (int, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode, true
	}
	return 0, false
}

// IsOverloaded checks if the endpoint shed the request
func IsOverloaded(err error) bool {
	code, ok := IsStatusError(err)
	return ok && (code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable)
}
