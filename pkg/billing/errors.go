package billing

import (
	"errors"
	"fmt"
)

// Store sentinel errors
var (
	ErrRecordNotFound         = errors.New("record not found")
	ErrVersionConflict        = errors.New("subscription was modified concurrently")
	ErrLiveSubscriptionExists = errors.New("billing account already has a live subscription")
)

// ErrorKind classifies caller-facing errors
type ErrorKind string

const (
	KindNotFound   ErrorKind = "not_found"
	KindBadRequest ErrorKind = "bad_request"
)

// Error is returned for failures the caller can act on
type Error struct {
	Kind     ErrorKind
	Message  string
	Blockers []string
}

func (e *Error) Error() string {
	if len(e.Blockers) > 0 {
		return fmt.Sprintf("%s: %v", e.Message, e.Blockers)
	}
	return e.Message
}

// NotFound creates a KindNotFound error
func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// BadRequest creates a KindBadRequest error
func BadRequest(format string, args ...any) *Error {
	return &Error{Kind: KindBadRequest, Message: fmt.Sprintf(format, args...)}
}

// DowngradeBlocked creates the BadRequest returned when the gate vetoes a downgrade
func DowngradeBlocked(planKey string, blockers []string) *Error {
	return &Error{
		Kind:     KindBadRequest,
		Message:  fmt.Sprintf("cannot downgrade to plan %q", planKey),
		Blockers: blockers,
	}
}

// IsNotFound reports whether err is a KindNotFound error
func IsNotFound(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindNotFound
}

// IsBadRequest reports whether err is a KindBadRequest error
func IsBadRequest(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindBadRequest
}

// GatewayError wraps a failure returned by the payment gateway
type GatewayError struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway %s failed: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// IsRetryableGatewayError reports whether err is a transient gateway failure
func IsRetryableGatewayError(err error) bool {
	var ge *GatewayError
	return errors.As(err, &ge) && ge.Retryable
}
