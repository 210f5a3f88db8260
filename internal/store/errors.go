package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	// ErrStoreUnavailable reports an unreachable backend or a failed read.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrWriteRejected reports a write the backend refused.
	ErrWriteRejected = errors.New("store rejected write")
	// ErrUpstreamTimeout reports an outbound call that hit its deadline.
	ErrUpstreamTimeout = errors.New("upstream timeout")
)

// UpstreamError carries the backend response for diagnostics.
type UpstreamError struct {
	Op     string
	Status int
	Body   string
	Err    error
}

func (e *UpstreamError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %v (status %d): %s", e.Op, e.Err, e.Status, e.Body)
	}
	if e.Body != "" {
		return fmt.Sprintf("%s: %v: %s", e.Op, e.Err, e.Body)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Detail returns the upstream body when err carries one, else err's message.
func Detail(err error) string {
	var ue *UpstreamError
	if errors.As(err, &ue) && ue.Body != "" {
		return ue.Body
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// IsConflict reports a write rejected because the row already exists.
func IsConflict(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue) && errors.Is(ue.Err, ErrWriteRejected) && ue.Status == http.StatusConflict
}

// IsTimeout reports whether err is a deadline expiry.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// transportError classifies a failure that happened before any response.
func transportError(op string, err error) error {
	if IsTimeout(err) {
		return &UpstreamError{Op: op, Err: ErrUpstreamTimeout, Body: err.Error()}
	}
	return &UpstreamError{Op: op, Err: ErrStoreUnavailable, Body: err.Error()}
}
