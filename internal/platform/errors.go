package platform

import (
	"errors"
	"fmt"
)

// Adapters classify every failure as either terminal or retryable before it
// reaches the dispatcher. Anything unclassified is treated as terminal so an
// unmodeled platform response can never loop forever.

// Terminal marks an error as permanent for this destination (bad chat id,
// unauthorized bot, malformed payload).
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return terminalError{err: err}
}

func Terminalf(format string, args ...any) error {
	return terminalError{err: fmt.Errorf(format, args...)}
}

// Retryable marks an error as transient (network failure, timeout, rate limit).
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return retryableError{err: err}
}

func Retryablef(format string, args ...any) error {
	return retryableError{err: fmt.Errorf(format, args...)}
}

func IsTerminal(err error) bool {
	var e terminalError
	return errors.As(err, &e)
}

func IsRetryable(err error) bool {
	var e retryableError
	return errors.As(err, &e)
}

type terminalError struct{ err error }

func (e terminalError) Error() string { return e.err.Error() }
func (e terminalError) Unwrap() error { return e.err }

type retryableError struct{ err error }

func (e retryableError) Error() string { return e.err.Error() }
func (e retryableError) Unwrap() error { return e.err }

// OutcomeFromError folds a classified error into an Outcome.
// A nil error becomes a success with the given detail.
func OutcomeFromError(err error, okDetail string) Outcome {
	if err == nil {
		return Outcome{OK: true, Detail: okDetail}
	}
	return Outcome{OK: false, Retryable: IsRetryable(err), Detail: err.Error()}
}
