package usagemeter

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is returned for unknown limit types or malformed arguments
	ErrValidation = errors.New("validation error")

	// ErrStorageUnavailable is returned when storage fails; callers retry with backoff
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrPolicyNotFound is returned by policy lookups for an unknown tier
	ErrPolicyNotFound = errors.New("policy not found")

	// ErrEntitlementNotFound is returned when a user has no entitlement
	ErrEntitlementNotFound = errors.New("entitlement not found")

	// ErrRecordNotFound is returned by stores when a quota record does not exist
	ErrRecordNotFound = errors.New("quota record not found")

	// ErrNoChange is returned by a Mutate callback to skip the write
	ErrNoChange = errors.New("no change")
)

func validationErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// storageError classifies an error coming out of a store.
// Validation errors pass through; everything else becomes ErrStorageUnavailable
// with the cause kept reachable through errors.Is.
func storageError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrValidation) || errors.Is(err, ErrStorageUnavailable) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}
