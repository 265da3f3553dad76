package errors

import (
	"errors"
	"fmt"
	"time"
)

// Invariant violations (programmer errors). They surface as task failures and
// are never retried.
var (
	ErrAlreadyOpen = errors.New("dicom: association already open")
	ErrNotOpen     = errors.New("dicom: association not open")
)

// RetryKind classifies a RetriableError so the retry policy can pick a delay.
type RetryKind int

const (
	// RetryTransient covers connectivity problems that usually resolve quickly.
	RetryTransient RetryKind = iota
	// RetryResourceExhausted covers conditions like a full destination disk
	// that need a long back-off before the next attempt makes sense.
	RetryResourceExhausted
)

func (k RetryKind) String() string {
	switch k {
	case RetryTransient:
		return "transient"
	case RetryResourceExhausted:
		return "resource-exhausted"
	default:
		return "unknown"
	}
}

// ConnectionError means an association or connection could not be established.
// It is retried a bounded number of times at connect time only.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection failed during %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// NewConnectionError creates a new connection error
func NewConnectionError(op string, err error) *ConnectionError {
	return &ConnectionError{Op: op, Err: err}
}

// CommunicationError means a failure occurred inside an established
// association. The protocol layer never retries it; the caller decides.
type CommunicationError struct {
	Op  string
	Err error
}

func (e *CommunicationError) Error() string {
	return fmt.Sprintf("communication failed during %s: %v", e.Op, e.Err)
}

func (e *CommunicationError) Unwrap() error {
	return e.Err
}

// NewCommunicationError creates a new communication error
func NewCommunicationError(op string, err error) *CommunicationError {
	return &CommunicationError{Op: op, Err: err}
}

// RetriableError asks the worker to re-queue the task after a delay. Only the
// worker's retry policy acts on it.
type RetriableError struct {
	Kind  RetryKind
	Delay time.Duration // suggested delay; zero means "use the configured default"
	Msg   string
	Err   error
}

func (e *RetriableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("retriable (%s): %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("retriable (%s): %s", e.Kind, e.Msg)
}

func (e *RetriableError) Unwrap() error {
	return e.Err
}

// NewRetriableError creates a new retriable error
func NewRetriableError(kind RetryKind, msg string, err error) *RetriableError {
	return &RetriableError{Kind: kind, Msg: msg, Err: err}
}

// AsRetriable returns the RetriableError in err's chain, if any.
func AsRetriable(err error) (*RetriableError, bool) {
	var re *RetriableError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// ValidationError means identity resolution was ambiguous or empty. It is
// always terminal.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Msg
}

// NewValidationError creates a new validation error
func NewValidationError(format string, args ...any) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// PartialFailureError aggregates an operation where some objects failed while
// others succeeded.
type PartialFailureError struct {
	Op     string
	Failed int
	Total  int
	Err    error
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("%s: %d of %d objects failed: %v", e.Op, e.Failed, e.Total, e.Err)
}

func (e *PartialFailureError) Unwrap() error {
	return e.Err
}

// FullFailureError aggregates an operation where every object failed.
type FullFailureError struct {
	Op    string
	Total int
	Err   error
}

func (e *FullFailureError) Error() string {
	return fmt.Sprintf("%s: all %d objects failed: %v", e.Op, e.Total, e.Err)
}

func (e *FullFailureError) Unwrap() error {
	return e.Err
}

// AsPartial returns the PartialFailureError in err's chain, if any.
func AsPartial(err error) (*PartialFailureError, bool) {
	var pe *PartialFailureError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// AggregateFailures builds the partial/full failure error for a batch
// operation, or returns nil if nothing failed.
func AggregateFailures(op string, failed, total int, err error) error {
	switch {
	case failed == 0:
		return nil
	case failed == total:
		return &FullFailureError{Op: op, Total: total, Err: err}
	default:
		return &PartialFailureError{Op: op, Failed: failed, Total: total, Err: err}
	}
}
