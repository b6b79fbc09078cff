package preload

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTimedOut ends an identifier whose poll budget ran out.
	ErrTimedOut = errors.New("preload timed out")
	// ErrCancelled is the cause recorded for caller-requested cancellation.
	ErrCancelled = errors.New("preload cancelled")
	// ErrPoolExhausted aborts the batch when workers cannot be scheduled.
	ErrPoolExhausted = errors.New("preload worker pool exhausted")
	// ErrBusy ends an identifier another process is already preloading.
	ErrBusy = errors.New("identifier is being preloaded elsewhere")
	// ErrLeaseLost ends an identifier whose lease could not be renewed.
	ErrLeaseLost = errors.New("preload lease lost")
)

type retryableError struct {
	err   error
	delay time.Duration
}

func (e *retryableError) Error() string {
	if e == nil {
		return ""
	}
	if e.delay > 0 {
		return fmt.Sprintf("retry after %s: %v", e.delay, e.err)
	}
	return fmt.Sprintf("retry: %v", e.err)
}

func (e *retryableError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

func (e *retryableError) RetryDelay() time.Duration {
	if e == nil {
		return 0
	}
	return e.delay
}

// RetryAfter marks err as retryable for the same identifier after delay.
func RetryAfter(err error, delay time.Duration) error {
	if err == nil {
		err = errors.New("retry requested")
	}
	if delay < 0 {
		delay = 0
	}
	return &retryableError{err: err, delay: delay}
}

// RetryDelay reports whether err was marked retryable and its delay.
func RetryDelay(err error) (time.Duration, bool) {
	var re *retryableError
	if errors.As(err, &re) {
		return re.delay, true
	}
	return 0, false
}
