package core

import (
	"errors"
	"fmt"
)

var (
	ErrBackpressure       = errors.New("backpressure")
	ErrClosed             = errors.New("closed")
	ErrNotConnected       = errors.New("not connected to a room")
	ErrAlreadyConnected   = errors.New("already connected to a room")
	ErrCaptureUnavailable = errors.New("audio capture unavailable")
	ErrMembershipNotFound = errors.New("membership not found")
	ErrRoomExists         = errors.New("room already exists")
)

// StoreError is returned by Store implementations. Transient errors are
// expected to succeed on a later attempt; permanent ones are not.
type StoreError struct {
	Op        string
	Transient bool
	Err       error
}

func (e *StoreError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("store %s (%s): %v", e.Op, kind, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Transient marks err as retryable for op.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Transient: true, Err: err}
}

// Permanent marks err as not retryable for op.
func Permanent(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

// IsTransient reports whether err, or anything it wraps, is a transient
// StoreError. Unclassified errors count as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var se *StoreError
	if errors.As(err, &se) {
		return se.Transient
	}
	return !errors.Is(err, ErrMembershipNotFound)
}
