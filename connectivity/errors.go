package connectivity

import (
	"context"
	"errors"
	"fmt"
)

// ErrCircuitOpen is returned when the circuit breaker for a service is open,
// rejecting the call without attempting it.
type ErrCircuitOpen struct {
	Service string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("connectivity: circuit open: %s", e.Service)
}

// ErrStatus is returned by HTTP handlers for non-2xx responses.
type ErrStatus struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *ErrStatus) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("connectivity: %s %s: status %d", e.Method, e.URL, e.Code)
	}
	return fmt.Sprintf("connectivity: %s %s: status %d: %s", e.Method, e.URL, e.Code, e.Body)
}

// ErrPanic wraps a recovered panic value as an error.
type ErrPanic struct {
	Value any
}

func (e *ErrPanic) Error() string {
	return fmt.Sprintf("connectivity: handler panicked: %v", e.Value)
}

// Transient reports whether err is worth retrying and should count against
// a breaker: transport failures and 5xx/429 responses. Client errors and
// caller cancellation are not.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var co *ErrCircuitOpen
	if errors.As(err, &co) {
		return false
	}
	var st *ErrStatus
	if errors.As(err, &st) {
		return st.Code >= 500 || st.Code == 429
	}
	return true
}
