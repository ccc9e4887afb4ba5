package docstore

import (
	"context"
	"errors"
	"fmt"
)

// Common errors returned by document store operations.
//
// Backends wrap their transport errors so callers can classify them with
// errors.Is():
//
//	if errors.Is(err, docstore.ErrRemoteWrite) {
//	    // roll back the optimistic change
//	}
var (
	// ErrRemoteRead is returned when a get, list, or watch setup failed,
	// including documents that could not be decoded.
	ErrRemoteRead = errors.New("remote read failure")

	// ErrRemoteWrite is returned when a put or delete failed.
	ErrRemoteWrite = errors.New("remote write failure")

	// ErrNotFound is returned when a single-document get finds nothing.
	// Fetching a uid set never returns it; missing uids are simply absent.
	ErrNotFound = errors.New("document not found")

	// ErrUnknownCollection is returned for a collection name the store
	// does not serve.
	ErrUnknownCollection = errors.New("unknown collection")

	// ErrClosed is returned by operations on a closed backend.
	ErrClosed = errors.New("document store closed")
)

// OpError records the failed operation together with its classification.
type OpError struct {
	Op   string
	Kind error
	Err  error
}

func (e *OpError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the classification and the cause to errors.Is.
func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// ReadFailure classifies err as a remote read failure. A nil err stays nil,
// and errors that are already classified are returned unchanged.
func ReadFailure(op string, err error) error {
	return classify(op, ErrRemoteRead, err)
}

// WriteFailure classifies err as a remote write failure.
func WriteFailure(op string, err error) error {
	return classify(op, ErrRemoteWrite, err)
}

func classify(op string, kind, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, kind) {
		return err
	}
	return &OpError{Op: op, Kind: kind, Err: err}
}

// IsRetryable returns true if the error is likely to succeed on retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// A deadline may have been too short for a slow remote
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Closed stores and unknown collections never recover by themselves
	if errors.Is(err, ErrClosed) || errors.Is(err, ErrUnknownCollection) {
		return false
	}

	return errors.Is(err, ErrRemoteRead) || errors.Is(err, ErrRemoteWrite)
}
