package jobs

import (
	"errors"
	"fmt"
)

// NoRetry marks an error as non-retryable.
//
// Handlers wrap structural failures (missing bot, deactivated bot, bad
// payload) with NoRetry so the store fails the job terminally instead of
// burning retry attempts on a condition that will not change.
//
// Example:
//
//	return jobs.NoRetry(fmt.Errorf("bot %s not found", id))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }
