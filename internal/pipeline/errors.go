package pipeline

import (
	"errors"
	"fmt"
)

// The pipeline distinguishes four failure classes. TransientInfra failures
// are retried locally by the component that hit them and only degrade to a
// task failure when they persist. Retryable and fatal task failures both
// follow the bounded-retry-then-quarantine path; fatal ones are simply
// logged in more detail. Coordination loss (an expired lease) is not an
// error at all unless it recurs past the work item's retry budget.

// ErrTransientInfra marks a store or broker being temporarily unreachable.
var ErrTransientInfra = errors.New("transient infrastructure failure")

// ErrRetryableTask marks a task failure that may succeed on a later attempt.
var ErrRetryableTask = errors.New("retryable task failure")

// ErrFatalTask marks task content that is permanently unprocessable.
var ErrFatalTask = errors.New("fatal task failure")

// TransientInfra wraps err as a transient infrastructure failure.
func TransientInfra(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrTransientInfra, err)
}

// RetryableTask wraps err as a retryable task failure.
func RetryableTask(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrRetryableTask, err)
}

// FatalTask wraps err as a permanently unprocessable task failure.
func FatalTask(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrFatalTask, err)
}

// IsTransientInfra reports whether err is a transient infrastructure failure.
func IsTransientInfra(err error) bool {
	return errors.Is(err, ErrTransientInfra)
}

// IsFatalTask reports whether err marks permanently unprocessable content.
func IsFatalTask(err error) bool {
	return errors.Is(err, ErrFatalTask)
}
