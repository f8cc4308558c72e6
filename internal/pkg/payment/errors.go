package payment

import (
	"errors"
	"fmt"

	"github.com/ManuelReschke/PixelBooth/app/models"
)

var (
	ErrValidation              = errors.New("payment: validation failed")
	ErrDuplicatePendingPayment = errors.New("payment: user already has a payment in progress")
	ErrInvalidStateTransition  = errors.New("payment: invalid state transition")
	ErrMissingReason           = errors.New("payment: rejection reason is required")
	ErrPaymentNotFound         = errors.New("payment: not found")
	ErrForbidden               = errors.New("payment: forbidden")
)

// InvalidTransitionError names the state that refused the transition.
type InvalidTransitionError struct {
	PaymentID uint
	Action    string
	Current   models.PaymentStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("payment: cannot %s payment %d in status %s", e.Action, e.PaymentID, e.Current)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidStateTransition }

// PartialFailureError reports an approval whose status change committed but
// whose downstream step failed. The payment is left for reconciliation.
type PartialFailureError struct {
	PaymentID uint
	Step      models.SagaStep
	Err       error
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("payment: payment %d approved but step %s failed: %v", e.PaymentID, e.Step, e.Err)
}

func (e *PartialFailureError) Unwrap() error { return e.Err }

// IsPartialFailure reports whether err is a degraded success.
func IsPartialFailure(err error) bool {
	var pf *PartialFailureError
	return errors.As(err, &pf)
}

func validationError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
