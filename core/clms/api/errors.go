package api

import (
	"errors"
	"fmt"
	"net"
	"net/http"
)

// StatusError carries a non-2xx response from the CLMS API.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: status %d", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.Code, e.Body)
}

// IsTransient reports whether err is worth retrying: 5xx, 429, 408 and
// network-level failures.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500 || se.Code == http.StatusTooManyRequests || se.Code == http.StatusRequestTimeout
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// IsStatus reports whether err is a StatusError with one of codes.
func IsStatus(err error, codes ...int) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	for _, c := range codes {
		if se.Code == c {
			return true
		}
	}
	return false
}
