// Package errors provides the domain error taxonomy for canonid.
//
// This package defines sentinel errors for identity resolution conditions that
// can be used across all packages. Callers wrap them with fmt.Errorf("...: %w")
// and test for them with the IsX helpers, which use errors.Is.
//
// Usage:
//
//	import cierrors "github.com/otherjamesbrown/canonid/pkg/errors"
//
//	// Return a domain error
//	return nil, fmt.Errorf("identity %d: %w", id, cierrors.ErrNotFound)
//
//	// Check for domain errors
//	if cierrors.IsConcurrentModification(err) {
//	    // reload and retry
//	}
package errors

import "errors"

// Domain errors - sentinel errors for identity resolution conditions.
var (
	// ErrNotFound indicates a missing identity, mapping, match or audit entry.
	ErrNotFound = errors.New("not found")

	// ErrInvalidOperation indicates degenerate merge, split or rollback arguments.
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrValidation indicates out-of-range confidence factors or a malformed name.
	ErrValidation = errors.New("validation error")

	// ErrExternalSignalUnavailable indicates the statistics collaborator could not
	// supply a signal. It is non-fatal and degrades the affected factor.
	ErrExternalSignalUnavailable = errors.New("external signal unavailable")

	// ErrConcurrentModification indicates the target changed underneath the caller.
	// The caller should reload and retry.
	ErrConcurrentModification = errors.New("concurrent modification")

	// ErrConflict indicates a conflict with existing data (e.g., duplicate key).
	ErrConflict = errors.New("conflict")

	// ErrAlreadyExists indicates the resource already exists.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidState indicates the operation is not valid for the current state.
	ErrInvalidState = errors.New("invalid state")
)

// IsNotFound reports whether any error in err's chain is ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsInvalidOperation reports whether any error in err's chain is ErrInvalidOperation.
func IsInvalidOperation(err error) bool {
	return errors.Is(err, ErrInvalidOperation)
}

// IsValidation reports whether any error in err's chain is ErrValidation.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsExternalSignalUnavailable reports whether any error in err's chain is
// ErrExternalSignalUnavailable.
func IsExternalSignalUnavailable(err error) bool {
	return errors.Is(err, ErrExternalSignalUnavailable)
}

// IsConcurrentModification reports whether any error in err's chain is
// ErrConcurrentModification.
func IsConcurrentModification(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsConflict reports whether any error in err's chain is ErrConflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsAlreadyExists reports whether any error in err's chain is ErrAlreadyExists.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// IsInvalidState reports whether any error in err's chain is ErrInvalidState.
func IsInvalidState(err error) bool {
	return errors.Is(err, ErrInvalidState)
}
