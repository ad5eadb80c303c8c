package api

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized means the bearer credential is missing, expired or
	// rejected. Callers clear the session instead of retrying.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNoOneWaiting is returned by CallNext when the queue is empty.
	ErrNoOneWaiting = errors.New("no one waiting in queue")

	// ErrNothingInProgress is returned by FinishCurrent when no
	// appointment is being served.
	ErrNothingInProgress = errors.New("no appointment in progress")
)

// StatusError carries a non-2xx backend response that does not map to a
// sentinel error. Detail is the backend's error message when present.
type StatusError struct {
	Code   int
	Detail string
}

func (e *StatusError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("backend returned %d: %s", e.Code, e.Detail)
	}
	return fmt.Sprintf("backend returned %d", e.Code)
}

// IsCredentialError reports whether err is a rejection of the supplied
// credentials rather than a transport failure. Only credential errors
// may trigger the register-then-retry login fallback.
func IsCredentialError(err error) bool {
	if errors.Is(err, ErrUnauthorized) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == 400 || se.Code == 422
	}
	return false
}
