package app

import (
	"errors"
	"fmt"
)

// Validation errors: rejected synchronously, no state change.
var ErrInvalidAmount = fmt.Errorf("invalid contribution amount")
var ErrUnknownCycle = fmt.Errorf("unknown cycle")
var ErrUnknownCircle = fmt.Errorf("unknown circle")
var ErrUnknownMember = fmt.Errorf("unknown member")
var ErrIncompleteRoster = fmt.Errorf("circle has not reached its required member count")
var ErrInvalidManualOrder = fmt.Errorf("manual rotation order is not a permutation of circle members")
var ErrInvalidPolicy = fmt.Errorf("invalid circle policy")
var ErrMissingPaymentRef = fmt.Errorf("payment reference is required")

// State-conflict errors: the caller acted on stale state and should re-fetch.
var ErrCycleClosed = fmt.Errorf("cycle is not accepting contributions")
var ErrContributionSettled = fmt.Errorf("contribution is no longer accepting payments")
var ErrContributionPaid = fmt.Errorf("contribution already holds member funds")
var ErrDispatchInProgress = fmt.Errorf("payout dispatch already in progress for cycle")
var ErrInvalidTransition = fmt.Errorf("invalid cycle transition")
var ErrRetryNotDue = fmt.Errorf("payout retry is not due yet")
var ErrStaleCycle = fmt.Errorf("cycle was modified concurrently")
var ErrAdminNotAuthorized = fmt.Errorf("performing user is not authorized as an admin")
var ErrCircleNotForming = fmt.Errorf("circle is not in forming status")
var ErrCircleNotActive = fmt.Errorf("circle is not active")
var ErrRosterFull = fmt.Errorf("circle already has its required member count")

// Integrity errors: the engine refuses to proceed and raises for an operator.
var ErrDuplicateDispatch = fmt.Errorf("duplicate payout dispatch detected")
var ErrRotationIntegrity = fmt.Errorf("rotation assignment failed integrity check")
var ErrLedgerIntegrity = fmt.Errorf("contribution ledger failed integrity check")

// ErrorClass groups errors by how callers should react to them.
type ErrorClass string

const (
	ClassValidation ErrorClass = "validation"
	ClassConflict   ErrorClass = "conflict"
	ClassTransient  ErrorClass = "transient"
	ClassPermanent  ErrorClass = "permanent"
	ClassIntegrity  ErrorClass = "integrity"
	ClassInternal   ErrorClass = "internal"
)

var errorClasses = map[error]ErrorClass{
	ErrInvalidAmount:       ClassValidation,
	ErrUnknownCycle:        ClassValidation,
	ErrUnknownCircle:       ClassValidation,
	ErrUnknownMember:       ClassValidation,
	ErrIncompleteRoster:    ClassValidation,
	ErrInvalidManualOrder:  ClassValidation,
	ErrInvalidPolicy:       ClassValidation,
	ErrMissingPaymentRef:   ClassValidation,
	ErrCycleClosed:         ClassConflict,
	ErrContributionSettled: ClassConflict,
	ErrContributionPaid:    ClassConflict,
	ErrDispatchInProgress:  ClassConflict,
	ErrInvalidTransition:   ClassConflict,
	ErrRetryNotDue:         ClassConflict,
	ErrStaleCycle:          ClassConflict,
	ErrAdminNotAuthorized:  ClassConflict,
	ErrCircleNotForming:    ClassConflict,
	ErrCircleNotActive:     ClassConflict,
	ErrRosterFull:          ClassConflict,
	ErrDuplicateDispatch:   ClassIntegrity,
	ErrRotationIntegrity:   ClassIntegrity,
	ErrLedgerIntegrity:     ClassIntegrity,
}

// Classify maps err onto the error taxonomy. Payout failures are classified by
// whether the rail reported them as retryable.
func Classify(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var pe *PayoutError
	if errors.As(err, &pe) {
		if pe.Retryable {
			return ClassTransient
		}
		return ClassPermanent
	}
	for sentinel, class := range errorClasses {
		if errors.Is(err, sentinel) {
			return class
		}
	}
	return ClassInternal
}

// PayoutError describes a failed transfer as interpreted by the dispatcher.
type PayoutError struct {
	Reason    FailureReason
	Retryable bool
	Err       error
}

func (e *PayoutError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("payout failed (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("payout failed (%s)", e.Reason)
}

func (e *PayoutError) Unwrap() error { return e.Err }
