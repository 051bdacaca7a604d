package capability

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
)

// Kind classifies failures for the retry policy and for the message
// written to a failed job.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindNotFound
	KindNoContent
	KindTransient
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "invalid input"
	case KindNotFound:
		return "not found"
	case KindNoContent:
		return "no content"
	case KindTransient:
		return "network error"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a classified capability failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NotFound marks a reference the fetcher cannot resolve. Never retried.
func NotFound(op string, err error) error {
	return &Error{Kind: KindNotFound, Op: op, Err: err}
}

// NoCaptions marks a video without any caption track. Never retried.
func NoCaptions(op string) error {
	return &Error{Kind: KindNoContent, Op: op, Err: errors.New("no captions available")}
}

// Transient marks a network or timeout failure worth retrying.
func Transient(op string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// Fatal marks an unrecoverable scorer condition; it aborts analysis.
func Fatal(op string, err error) error {
	return &Error{Kind: KindFatal, Op: op, Err: err}
}

// ValidationError lists rejected input. It never reaches a job.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return "validation failed: " + e.Problems[0]
	}
	return fmt.Sprintf("validation failed: %d problems: %v", len(e.Problems), e.Problems)
}

// Classify maps any error onto a Kind. Deadlines count as transient;
// cancellation is unknown so that it is never retried.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var capErr *Error
	if errors.As(err, &capErr) {
		return capErr.Kind
	}

	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return KindValidation
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}

	return KindUnknown
}

// IsRetryable reports whether the retry policy should try again.
func IsRetryable(err error) bool {
	return Classify(err) == KindTransient
}
