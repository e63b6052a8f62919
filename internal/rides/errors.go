package rides

import (
	"errors"
	"fmt"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
	ErrRideNotFound    = errors.New("ride not found")
	ErrValidation      = errors.New("validation failed")
	ErrInvalidState    = errors.New("invalid ride state")
	// ErrAlreadyConfirmed is an ErrInvalidState: a ride can be confirmed once.
	ErrAlreadyConfirmed = fmt.Errorf("%w: ride already confirmed", ErrInvalidState)
	ErrInvalidOtp       = errors.New("invalid otp")
	ErrOtpLocked        = errors.New("too many invalid otp attempts")
	ErrFareUnavailable  = errors.New("fare unavailable")
)

// FieldError names the input field and the rule it broke.
type FieldError struct {
	Field string
	Rule  string
}

func (e *FieldError) Error() string { return fmt.Sprintf("invalid %s: %s", e.Field, e.Rule) }

func (e *FieldError) Unwrap() error { return ErrValidation }

func invalidState(op string, have, want models.Status) error {
	return fmt.Errorf("%w: cannot %s ride in status %s (want %s)", ErrInvalidState, op, have, want)
}
