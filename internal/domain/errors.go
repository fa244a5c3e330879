package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrRateLimited       = errors.New("rate limited")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrPrecision         = errors.New("precision exceeds exchange units")
	ErrInvalidOrder      = errors.New("invalid order parameters")
	ErrSigningFailed     = errors.New("signing failed")
	ErrTransport         = errors.New("transport failure")
	ErrStreamUnavailable = errors.New("stream unavailable")
	ErrDecode            = errors.New("undecodable frame")
	ErrOrderRejected     = errors.New("order rejected")
	ErrAlreadySubmitted  = errors.New("order already submitted")
	ErrSessionClosed     = errors.New("session closed")
	ErrLockHeld          = errors.New("lock already held")
)

// PrecisionError reports a value that cannot be represented at the
// requested number of decimals without rounding.
type PrecisionError struct {
	Value    string
	Decimals int32
}

func (e *PrecisionError) Error() string {
	return fmt.Sprintf("%s: %s has more than %d decimals", ErrPrecision, e.Value, e.Decimals)
}

func (e *PrecisionError) Unwrap() error { return ErrPrecision }

// InvalidOrderError names the order field that failed validation.
type InvalidOrderError struct {
	Field  string
	Reason string
}

func (e *InvalidOrderError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrInvalidOrder, e.Field, e.Reason)
}

func (e *InvalidOrderError) Unwrap() error { return ErrInvalidOrder }

// SigningError wraps a failure inside the signer.
type SigningError struct {
	Op  string
	Err error
}

func (e *SigningError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", ErrSigningFailed, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", ErrSigningFailed, e.Op, e.Err)
}

func (e *SigningError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrSigningFailed}
	}
	return []error{ErrSigningFailed, e.Err}
}

// StreamUnavailableError is delivered once when the reconnect budget is
// exhausted. The session is closed afterwards.
type StreamUnavailableError struct {
	Attempts int
	Elapsed  time.Duration
	LastErr  error
}

func (e *StreamUnavailableError) Error() string {
	return fmt.Sprintf("%s after %d attempts in %s: %v", ErrStreamUnavailable, e.Attempts, e.Elapsed.Round(time.Millisecond), e.LastErr)
}

func (e *StreamUnavailableError) Unwrap() []error {
	if e.LastErr == nil {
		return []error{ErrStreamUnavailable}
	}
	return []error{ErrStreamUnavailable, e.LastErr}
}

// DecodeWarning describes a dropped inbound frame. It is logged, never
// returned to callers.
type DecodeWarning struct {
	Payload string
	Err     error
}

func (e *DecodeWarning) Error() string {
	return fmt.Sprintf("%s: %v", ErrDecode, e.Err)
}

func (e *DecodeWarning) Unwrap() []error { return []error{ErrDecode, e.Err} }

// OrderRejectedError carries the exchange's rejection reason.
type OrderRejectedError struct {
	OrderHash string
	Status    int
	Reason    string
}

func (e *OrderRejectedError) Error() string {
	return fmt.Sprintf("%s (status %d): %s", ErrOrderRejected, e.Status, e.Reason)
}

func (e *OrderRejectedError) Unwrap() error { return ErrOrderRejected }
