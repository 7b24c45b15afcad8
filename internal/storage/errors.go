package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrCanceled = errors.New("request canceled")
	ErrClosed   = errors.New("file source closed")
	ErrNotFound = errors.New("resource not found")
	// ErrOffline is returned instead of touching the network while the
	// source is marked unreachable.
	ErrOffline = errors.New("network unreachable")
)

// HTTPError is a response with a non-success status.
type HTTPError struct {
	StatusCode int
	URL        string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("unexpected status %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// IsTransient reports whether err is worth retrying once the network comes
// back: connection failures, server errors and rate limiting. Client errors
// and cancellation are final.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrCanceled) ||
		errors.Is(err, ErrClosed) || errors.Is(err, ErrNotFound) {
		return false
	}
	var herr *HTTPError
	if errors.As(err, &herr) {
		return herr.StatusCode >= 500 || herr.StatusCode == http.StatusTooManyRequests
	}
	return true
}
