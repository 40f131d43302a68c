package messaging

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Callers branch with errors.Is; the HTTP layer maps
// them onto status codes.
var (
	// ErrNotFound reports a missing conversation or message.
	ErrNotFound = errors.New("not found")

	// ErrForbidden reports a caller that is not a participant, or a sender
	// trying to read their own message.
	ErrForbidden = errors.New("forbidden")

	// ErrConflict reports a duplicate-conversation creation race.
	ErrConflict = errors.New("conflict")

	// ErrInvalidInput reports structurally invalid input (empty ids, bad paging).
	ErrInvalidInput = errors.New("invalid input")

	// ErrCacheUnavailable marks cache-layer failures. It never propagates to
	// callers of the service layer: every cache error is caught, logged, and
	// the durable path is used instead.
	ErrCacheUnavailable = errors.New("cache unavailable")

	// ErrStoreUnavailable marks durable-store failures. Fatal for the current
	// operation.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// OpError is a typed operation error with a stable Op + Kind contract for
// callers and tests. Kind MUST be one of the sentinel kinds when applicable.
// Msg may include human-readable context; do not include message content.
type OpError struct {
	Op   string
	Kind error
	Msg  string
}

func (e OpError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e OpError) Unwrap() error { return e.Kind }

// IsNotFound reports whether err represents ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsForbidden reports whether err represents ErrForbidden.
func IsForbidden(err error) bool { return errors.Is(err, ErrForbidden) }

// IsConflict reports whether err represents ErrConflict.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsInvalidInput reports whether err represents ErrInvalidInput.
func IsInvalidInput(err error) bool { return errors.Is(err, ErrInvalidInput) }
