package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned when a job cannot be found
	ErrJobNotFound = errors.New("job not found")

	// ErrJobExists is returned when a job id (idempotency key) is already taken
	ErrJobExists = errors.New("job already exists")

	// ErrStaleTransition is matched by *StaleTransitionError
	ErrStaleTransition = errors.New("stale state transition")

	// ErrInvalidTransition is returned for edges outside the transition table
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrInsufficientFunds is returned when the balance cannot cover a reservation
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrAlreadySettled is returned when a reservation was settled the other way
	ErrAlreadySettled = errors.New("reservation already settled")

	// ErrReservationNotFound is returned when no reservation exists for a job
	ErrReservationNotFound = errors.New("reservation not found")

	// ErrAccountNotFound is returned for balance lookups of unknown accounts
	ErrAccountNotFound = errors.New("account not found")

	// ErrInvalidAmount is returned for non-positive ledger amounts
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrModelUnavailable is a transient inference failure
	ErrModelUnavailable = errors.New("model unavailable")

	// ErrInvalidFeatures is a permanent inference failure
	ErrInvalidFeatures = errors.New("invalid features")

	// ErrPublishFailure is returned when a job could not be handed to the broker
	ErrPublishFailure = errors.New("failed to publish job")

	// ErrInvalidItemCount is returned for non-positive item counts
	ErrInvalidItemCount = errors.New("item count must be positive")

	// ErrTooManyItems is returned when a request exceeds the per-request item cap
	ErrTooManyItems = errors.New("too many items in request")

	// ErrIdempotencyConflict is returned when an idempotency key belongs to another account
	ErrIdempotencyConflict = errors.New("idempotency key already used by another account")

	// ErrIdempotencyKeyConsumed is returned when a key's reservation was already
	// settled without a job to replay
	ErrIdempotencyKeyConsumed = errors.New("idempotency key already consumed")

	// ErrInvalidMessage is returned for queue messages that cannot be decoded
	ErrInvalidMessage = errors.New("invalid queue message")
)

// StaleTransitionError reports a lost compare-and-swap on a job's state.
type StaleTransitionError struct {
	JobID    string
	Expected JobState
	Current  JobState
}

func (e *StaleTransitionError) Error() string {
	return fmt.Sprintf("stale transition for job %s: expected %s, current %s", e.JobID, e.Expected, e.Current)
}

func (e *StaleTransitionError) Is(target error) bool {
	return target == ErrStaleTransition
}

// RetryableError wraps transient errors that should trigger a requeue
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err should be retried on another attempt.
// Unknown errors are retried; only invalid features are permanent.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var retryable *RetryableError
	if errors.As(err, &retryable) {
		return true
	}
	if errors.Is(err, ErrInvalidFeatures) {
		return false
	}
	return true
}
