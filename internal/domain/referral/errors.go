package referral

import "errors"

var (
	// ErrValidation marks a missing or malformed caller input. Not retriable.
	ErrValidation = errors.New("validation error")
	// ErrInvalidTransition marks an operation that is illegal from the
	// case's current status. Not retriable without re-reading the case.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrConcurrentModification marks a lost race on the active entry slot.
	ErrConcurrentModification = errors.New("concurrent modification")
	// ErrNotFound marks an unknown case or status.
	ErrNotFound = errors.New("not found")
)

// IsRetryable reports whether the caller may reload the case and retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}
