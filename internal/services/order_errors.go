package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	domain "github.com/takeout-platform/api/internal/domain"
	"github.com/takeout-platform/api/internal/repositories"
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located for the caller.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderInvalidState indicates an invalid status transition was attempted.
	ErrOrderInvalidState = errors.New("order: invalid status transition")
	// ErrOrderAlreadyPaid prevents a second charge for the same order.
	ErrOrderAlreadyPaid = errors.New("order: already paid")
	// ErrOrderDependency marks failures of the store or the payment gateway.
	ErrOrderDependency = errors.New("order: dependency unavailable")
)

// Validation codes surfaced to API clients.
const (
	ValidationCodeInvalidRequest = "invalid_request"
	ValidationCodeEmptyCart      = "empty_cart"
	ValidationCodeMissingAddress = "missing_address"
)

// ValidationError rejects a request before any mutation happens.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("order: %s: %s", e.Code, e.Message)
}

// Is lets callers match ValidationError against ErrOrderInvalidInput.
func (e *ValidationError) Is(target error) bool {
	return target == ErrOrderInvalidInput
}

func invalidInput(format string, args ...any) error {
	return &ValidationError{Code: ValidationCodeInvalidRequest, Message: fmt.Sprintf(format, args...)}
}

// InvalidStateTransitionError reports a precondition mismatch. The stored row was not modified.
type InvalidStateTransitionError struct {
	OrderID  int64
	Current  domain.OrderStatus
	Expected []domain.OrderStatus
}

func (e *InvalidStateTransitionError) Error() string {
	if e == nil {
		return ""
	}
	expected := make([]string, 0, len(e.Expected))
	for _, status := range e.Expected {
		expected = append(expected, status.String())
	}
	return fmt.Sprintf("order %d: invalid status transition: current %s, expected %s", e.OrderID, e.Current, strings.Join(expected, "|"))
}

// Is lets callers match InvalidStateTransitionError against ErrOrderInvalidState.
func (e *InvalidStateTransitionError) Is(target error) bool {
	return target == ErrOrderInvalidState
}

// DependencyFailure wraps store or gateway failures. The surrounding transaction was rolled back, so the
// operation is safe to retry.
type DependencyFailure struct {
	Op  string
	Err error
}

func (e *DependencyFailure) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("order: %s: dependency failure: %v", e.Op, e.Err)
}

func (e *DependencyFailure) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is lets callers match DependencyFailure against ErrOrderDependency.
func (e *DependencyFailure) Is(target error) bool {
	return target == ErrOrderDependency
}

// PartialRefundFailure is returned together with a committed transition whose refund request failed.
// The refund has been queued for retry; callers treat the transition as successful.
type PartialRefundFailure struct {
	OrderID     int64
	OrderNumber string
	Queued      bool
	Err         error
}

func (e *PartialRefundFailure) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("order %s: refund pending: %v", e.OrderNumber, e.Err)
}

func (e *PartialRefundFailure) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsPartialRefundFailure reports whether err only signals a pending refund.
func IsPartialRefundFailure(err error) bool {
	var partial *PartialRefundFailure
	return errors.As(err, &partial)
}

func mapOrderRepositoryError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var mismatch *repositories.StatusMismatchError
	if errors.As(err, &mismatch) {
		return &InvalidStateTransitionError{OrderID: mismatch.OrderID, Current: mismatch.CurrentStatus}
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		if repoErr.IsNotFound() {
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		}
	}
	return &DependencyFailure{Op: op, Err: err}
}
