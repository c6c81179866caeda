package common

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrOrderNotFound is returned by Query and Cancel for unknown client ids.
	ErrOrderNotFound = errors.New("order not found")
	// ErrDuplicateOrder is returned by Submit when the client id already exists.
	ErrDuplicateOrder = errors.New("duplicate client order id")
)

// TransientError marks a failure that may succeed on retry (network, rate limit, 5xx).
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// RejectedError is a terminal refusal by the exchange.
type RejectedError struct {
	Code   string
	Reason string
}

func (e *RejectedError) Error() string {
	if e.Code == "" {
		return "order rejected: " + e.Reason
	}
	return fmt.Sprintf("order rejected (%s): %s", e.Code, e.Reason)
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// IsRejected reports whether err is a terminal exchange refusal.
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}
