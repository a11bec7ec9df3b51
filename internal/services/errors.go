package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation marks bad input (unknown IDs, missing files). Never retried.
	ErrValidation = errors.New("validation error")
	// ErrConfiguration marks broken settings. Never retried.
	ErrConfiguration = errors.New("configuration error")
	// ErrNotFound marks missing entities surfaced to callers.
	ErrNotFound = errors.New("not found")
	// ErrTransient marks recoverable I/O failures (broker, disk). Retried with backoff.
	ErrTransient = errors.New("transient failure")
	// ErrExternalTool marks subprocess failures (non-zero exit, bad codec). Retried once.
	ErrExternalTool = errors.New("external tool error")
	// ErrTimeout marks subprocess deadline expiry. Retryable.
	ErrTimeout = errors.New("timeout")
	// ErrResources marks exhaustion (disk, memory). Never retried.
	ErrResources = errors.New("resource exhaustion")
	// ErrCancelled marks user-initiated cancellation. Not an error condition.
	ErrCancelled = errors.New("cancelled")
)

// Wrap builds an error message that includes stage context while tagging it
// with the provided marker for later classification. The marker should be
// one of the exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Retryable reports whether a stage error should be re-enqueued with backoff.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, ErrValidation), errors.Is(err, ErrConfiguration), errors.Is(err, ErrNotFound):
		return false
	case errors.Is(err, ErrResources):
		return false
	case errors.Is(err, ErrTransient), errors.Is(err, ErrTimeout), errors.Is(err, ErrExternalTool):
		return true
	default:
		return false
	}
}

// MaxAttempts returns the attempt budget for a classified error. Subprocess
// failures get a single retry; transient I/O gets the full budget.
func MaxAttempts(err error, budget int) int {
	if errors.Is(err, ErrExternalTool) {
		return 2
	}
	return budget
}

type reasonError struct {
	reason string
	err    error
}

func (e *reasonError) Error() string {
	return e.err.Error()
}

func (e *reasonError) Unwrap() error {
	return e.err
}

// WithReason attaches an explicit short reason (for example "no_audio") that
// FailureReason reports instead of the classification default.
func WithReason(reason string, err error) error {
	if err == nil {
		return nil
	}
	return &reasonError{reason: strings.TrimSpace(reason), err: err}
}

// FailureReason maps a stage error to the short reason recorded on the job.
func FailureReason(err error) string {
	var tagged *reasonError
	if errors.As(err, &tagged) && tagged.reason != "" {
		return tagged.reason
	}
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrResources):
		return "resources"
	case errors.Is(err, ErrValidation), errors.Is(err, ErrNotFound):
		return "invalid_input"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrExternalTool):
		return "subprocess"
	default:
		return "transient"
	}
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
